package trader

import (
	"context"
	"fmt"

	"aegis/risk"
)

// OrderRequest one venue-bound order. ClientOrderID carries the intent's
// idempotency key so the venue rejects duplicates on retry.
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          risk.OrderSide
	Type          string // "market" or "limit"
	Quantity      float64
	Price         float64 // Limit orders only
	ReduceOnly    bool
}

// OrderAck the venue's acknowledgment of an order.
type OrderAck struct {
	OrderID   int64
	Status    string // Venue status string
	FilledQty float64
	AvgPrice  float64
	Remaining float64
}

// VenuePosition the venue's authoritative view of exposure.
type VenuePosition struct {
	Side       risk.Side
	Size       float64 // Base asset units, always positive
	EntryPrice float64
	Leverage   int
	MarkPrice  float64
}

// Venue is the exchange contract the execution engine runs against.
// Implementations must be safe for concurrent use across instrument loops.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	// OrderStatus resolves an order by its client order id; used after an
	// ambiguous timeout to find out whether the submission went through.
	OrderStatus(ctx context.Context, instrument, clientOrderID string) (*OrderAck, error)
	Position(ctx context.Context, instrument string) (*VenuePosition, error)
	MarkPrice(ctx context.Context, instrument string) (float64, error)
	SetLeverage(ctx context.Context, instrument string, leverage int) error
	CancelAll(ctx context.Context, instrument string) error
}

// ExecErrorKind classifies an execution failure.
type ExecErrorKind string

const (
	ExecRejected         ExecErrorKind = "rejected"
	ExecPartiallyFilled  ExecErrorKind = "partially_filled"
	ExecAmbiguousTimeout ExecErrorKind = "ambiguous_timeout"
)

// ExecutionError a typed failure from order submission. AmbiguousTimeout
// means the venue may or may not have the order; the engine must query
// status before any retry.
type ExecutionError struct {
	Kind     ExecErrorKind
	OrderKey string
	Msg      string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution %s (%s): %s: %v", e.Kind, e.OrderKey, e.Msg, e.Err)
	}
	return fmt.Sprintf("execution %s (%s): %s", e.Kind, e.OrderKey, e.Msg)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
