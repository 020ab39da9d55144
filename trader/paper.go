package trader

import (
	"context"
	"fmt"
	"log"
	"sync"

	"aegis/risk"
)

// PaperVenue simulates the exchange in memory: orders fill instantly at
// the current mark price, and duplicate client order ids return the
// original ack instead of filling twice. Used for paper mode and for
// engine tests.
type PaperVenue struct {
	mu sync.Mutex

	markPrices map[string]float64
	positions  map[string]*VenuePosition
	orders     map[string]*OrderAck // By client order id
	leverages  map[string]int
	nextID     int64

	// Fault injection for tests. failNext aborts the next PlaceOrder with
	// the given error; timeoutNext makes the next PlaceOrder fill on the
	// venue but report an ambiguous timeout to the caller; positionFails
	// makes the next n Position queries error.
	failNext      error
	timeoutNext   bool
	positionFails int
}

func NewPaperVenue() *PaperVenue {
	return &PaperVenue{
		markPrices: make(map[string]float64),
		positions:  make(map[string]*VenuePosition),
		orders:     make(map[string]*OrderAck),
		leverages:  make(map[string]int),
		nextID:     1000,
	}
}

// SetMarkPrice drives the simulated market.
func (v *PaperVenue) SetMarkPrice(instrument string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markPrices[instrument] = price
}

// FailNext makes the next PlaceOrder fail outright.
func (v *PaperVenue) FailNext(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = err
}

// TimeoutNext makes the next PlaceOrder fill venue-side but return an
// ambiguous timeout, for exercising the status-query recovery path.
func (v *PaperVenue) TimeoutNext() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.timeoutNext = true
}

// FailPositionQueries makes the next n Position calls error, for
// exercising the reconciliation retry and desync path.
func (v *PaperVenue) FailPositionQueries(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positionFails = n
}

func (v *PaperVenue) PlaceOrder(_ context.Context, req OrderRequest) (*OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failNext != nil {
		err := v.failNext
		v.failNext = nil
		return nil, &ExecutionError{Kind: ExecRejected, OrderKey: req.ClientOrderID,
			Msg: "venue rejected order", Err: err}
	}

	// Idempotency: a known client order id is the same order.
	if ack, ok := v.orders[req.ClientOrderID]; ok {
		return ack, nil
	}

	price, ok := v.markPrices[req.Instrument]
	if !ok || price <= 0 {
		return nil, &ExecutionError{Kind: ExecRejected, OrderKey: req.ClientOrderID,
			Msg: fmt.Sprintf("no mark price for %s", req.Instrument)}
	}

	pos := v.positions[req.Instrument]
	if pos == nil {
		pos = &VenuePosition{Side: risk.SideFlat}
		v.positions[req.Instrument] = pos
	}

	qty := req.Quantity
	if req.ReduceOnly {
		// Reduce-only caps at current exposure and never flips.
		if pos.Side == risk.SideFlat ||
			(req.Side == risk.OrderSell && pos.Side != risk.SideLong) ||
			(req.Side == risk.OrderBuy && pos.Side != risk.SideShort) {
			return nil, &ExecutionError{Kind: ExecRejected, OrderKey: req.ClientOrderID,
				Msg: "reduce-only order with no position to reduce"}
		}
		if qty > pos.Size {
			qty = pos.Size
		}
	}

	v.nextID++
	ack := &OrderAck{
		OrderID:   v.nextID,
		Status:    "FILLED",
		FilledQty: qty,
		AvgPrice:  price,
	}
	v.orders[req.ClientOrderID] = ack
	v.applyFill(pos, req.Side, qty, price)

	if v.timeoutNext {
		v.timeoutNext = false
		return nil, &ExecutionError{Kind: ExecAmbiguousTimeout, OrderKey: req.ClientOrderID,
			Msg: "no confirmation before timeout"}
	}

	log.Printf("📝 Paper fill: %s %s %.6g @ %.6g", req.Instrument, req.Side, qty, price)
	return ack, nil
}

func (v *PaperVenue) applyFill(pos *VenuePosition, side risk.OrderSide, qty, price float64) {
	switch pos.Side {
	case risk.SideFlat:
		pos.Size = qty
		pos.EntryPrice = price
		if side == risk.OrderBuy {
			pos.Side = risk.SideLong
		} else {
			pos.Side = risk.SideShort
		}
	case risk.SideLong:
		if side == risk.OrderBuy {
			pos.EntryPrice = (pos.EntryPrice*pos.Size + price*qty) / (pos.Size + qty)
			pos.Size += qty
		} else {
			pos.Size -= qty
		}
	case risk.SideShort:
		if side == risk.OrderSell {
			pos.EntryPrice = (pos.EntryPrice*pos.Size + price*qty) / (pos.Size + qty)
			pos.Size += qty
		} else {
			pos.Size -= qty
		}
	}
	if pos.Size <= 1e-12 {
		pos.Side = risk.SideFlat
		pos.Size = 0
		pos.EntryPrice = 0
	}
}

func (v *PaperVenue) OrderStatus(_ context.Context, _, clientOrderID string) (*OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ack, ok := v.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", clientOrderID)
	}
	return ack, nil
}

func (v *PaperVenue) Position(_ context.Context, instrument string) (*VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.positionFails > 0 {
		v.positionFails--
		return nil, fmt.Errorf("position query unavailable for %s", instrument)
	}
	pos, ok := v.positions[instrument]
	if !ok {
		return &VenuePosition{Side: risk.SideFlat}, nil
	}
	out := *pos
	out.MarkPrice = v.markPrices[instrument]
	out.Leverage = v.leverages[instrument]
	return &out, nil
}

func (v *PaperVenue) MarkPrice(_ context.Context, instrument string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.markPrices[instrument]
	if !ok {
		return 0, fmt.Errorf("no mark price for %s", instrument)
	}
	return price, nil
}

func (v *PaperVenue) SetLeverage(_ context.Context, instrument string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverages[instrument] = leverage
	return nil
}

func (v *PaperVenue) CancelAll(_ context.Context, _ string) error { return nil }
