package risk

import "fmt"

// IntentPurpose tags why an order exists; it is embedded in the
// idempotency key and recorded per execution.
type IntentPurpose string

const (
	PurposeOpen        IntentPurpose = "open"
	PurposeTPExit      IntentPurpose = "tp-exit"
	PurposeSLExit      IntentPurpose = "sl-exit"
	PurposeManualClose IntentPurpose = "manual-close"
)

// OrderSide venue order direction.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderIntent a validated, idempotent instruction to place one order.
// Key is deterministic so a network retry or a fast-path/full-cycle
// overlap can never double-submit.
type OrderIntent struct {
	Key        string        `json:"key"`
	Instrument string        `json:"instrument"`
	Side       OrderSide     `json:"side"`
	Type       string        `json:"type"` // "market" or "limit"
	Size       float64       `json:"size"` // Base asset quantity
	Price      float64       `json:"price,omitempty"`
	ReduceOnly bool          `json:"reduce_only"`
	Purpose    IntentPurpose `json:"purpose"`
	Leverage   int           `json:"leverage,omitempty"`
	// ExitRuleIndex identifies the triggering rule for exit intents so
	// the engine can prune it after the fill. -1 for non-exit intents.
	ExitRuleIndex int    `json:"exit_rule_index"`
	Rationale     string `json:"rationale,omitempty"`
}

// OpenIntentKey keys directive-driven intents by cycle: retrying within
// a cycle dedupes, a later cycle may legitimately issue a new order.
func OpenIntentKey(instrument, cycleID string, purpose IntentPurpose) string {
	return fmt.Sprintf("%s-%s-%s", instrument, cycleID, purpose)
}

// ExitIntentKey keys exit intents by rule identity instead of cycle, so
// the fast path and the next full cycle compute the same key for the
// same trigger and only one order ever reaches the venue.
func ExitIntentKey(instrument string, side Side, ruleIndex, revision int) string {
	return fmt.Sprintf("%s-exit-%s-r%d-v%d", instrument, side, ruleIndex, revision)
}
