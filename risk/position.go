package risk

import (
	"sync"
	"time"
)

// Side position direction
type Side string

const (
	SideFlat  Side = "flat"
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ExitKind take-profit or stop-loss
type ExitKind string

const (
	ExitTakeProfit ExitKind = "take_profit"
	ExitStopLoss   ExitKind = "stop_loss"
)

// ExitRule one protective exit layer on an open position. SizeFraction
// is the fraction of the position size at trigger time, so a 1.0
// stop-loss closes whatever remains after partial take-profits.
type ExitRule struct {
	Kind         ExitKind `json:"kind"`
	TriggerPrice float64  `json:"trigger_price"`
	SizeFraction float64  `json:"size_fraction"`
}

// Triggered evaluates the rule's comparator for the given side and
// price. TP fires at-or-beyond in the profit direction, SL at-or-beyond
// in the loss direction; both invert for shorts.
func (r ExitRule) Triggered(side Side, price float64) bool {
	if price <= 0 {
		return false
	}
	switch side {
	case SideLong:
		if r.Kind == ExitTakeProfit {
			return price >= r.TriggerPrice
		}
		return price <= r.TriggerPrice
	case SideShort:
		if r.Kind == ExitTakeProfit {
			return price <= r.TriggerPrice
		}
		return price >= r.TriggerPrice
	}
	return false
}

// Position current exposure on one instrument. Size is in base asset
// units and always positive; direction lives in Side. ExitRevision is
// bumped on every rule-set change and feeds exit idempotency keys.
type Position struct {
	Instrument   string     `json:"instrument"`
	Side         Side       `json:"side"`
	Size         float64    `json:"size"`
	EntryPrice   float64    `json:"entry_price"`
	Leverage     int        `json:"leverage"`
	ExitRules    []ExitRule `json:"exit_rules,omitempty"`
	ExitRevision int        `json:"exit_revision"`
	UpdatedAt    time.Time  `json:"updated_at"`
	// Desynced is set when the last venue reconciliation failed after a
	// fill: the local view may understate exposure, so new opens are
	// blocked until a successful sync. Never persisted.
	Desynced bool `json:"-"`
}

// Flat reports whether there is no exposure.
func (p Position) Flat() bool {
	return p.Side == SideFlat || p.Size <= 0
}

// UnrealizedPnL derived from the given mark price, never stored.
func (p *Position) UnrealizedPnL(markPrice float64) float64 {
	if p.Flat() || markPrice <= 0 {
		return 0
	}
	switch p.Side {
	case SideLong:
		return (markPrice - p.EntryPrice) * p.Size
	case SideShort:
		return (p.EntryPrice - markPrice) * p.Size
	}
	return 0
}

// Notional position value at the given mark price.
func (p *Position) Notional(markPrice float64) float64 {
	return p.Size * markPrice
}

// Book holds the authoritative local copy of one instrument's Position.
// Convention: the execution engine's reconciliation step is the only
// writer; the risk manager and orchestrator read copies. The mutex only
// guards against torn reads between the control loop and the fast path.
type Book struct {
	mu       sync.RWMutex
	pos      Position
	desynced bool
}

func NewBook(instrument string) *Book {
	return &Book{pos: Position{Instrument: instrument, Side: SideFlat}}
}

// Position returns an independent copy.
func (b *Book) Position() Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p := b.pos
	p.ExitRules = append([]ExitRule(nil), b.pos.ExitRules...)
	p.Desynced = b.desynced
	return p
}

// Set replaces the position wholesale and clears the desync flag.
// Reconciliation only.
func (b *Book) Set(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pos = p
	b.pos.ExitRules = append([]ExitRule(nil), p.ExitRules...)
	b.pos.Desynced = false
	b.desynced = false
}

// MarkDesynced flags the book after a failed post-fill reconciliation.
func (b *Book) MarkDesynced() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.desynced = true
}

// Desynced reports whether the local view is known to lag the venue.
func (b *Book) Desynced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desynced
}
