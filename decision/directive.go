package decision

import (
	"fmt"
	"time"
)

// Action the set of instructions the inference provider may issue.
type Action string

const (
	ActionOpenLong    Action = "open_long"
	ActionOpenShort   Action = "open_short"
	ActionClose       Action = "close"
	ActionAdjustExits Action = "adjust_exits"
	ActionHold        Action = "hold"
)

// ExitSpec one proposed take-profit or stop-loss layer.
type ExitSpec struct {
	Kind         string  `json:"kind"` // "take_profit" or "stop_loss"
	Price        float64 `json:"price"`
	SizeFraction float64 `json:"size_fraction"` // Fraction of position size to close, (0, 1]
}

// Directive structured output from one inference call. Ephemeral and
// untrusted: it is re-validated against position and account constraints
// before any order is derived from it.
type Directive struct {
	Instrument string     `json:"instrument"`
	Action     Action     `json:"action"`
	Confidence float64    `json:"confidence"` // [0, 1]
	SizeUSD    float64    `json:"size_usd,omitempty"`
	Leverage   int        `json:"leverage,omitempty"`
	Exits      []ExitSpec `json:"exits,omitempty"`
	Rationale  string     `json:"rationale"`
	IssuedAt   time.Time  `json:"issued_at"`
}

// Validate checks the directive against its schema and value ranges.
// A violation is returned as a plain error; the gateway wraps it as
// InvalidDirective. Range errors are never silently corrected here:
// clamping is risk-manager policy, schema enforcement is not.
func (d *Directive) Validate(maxLeverage int) error {
	switch d.Action {
	case ActionOpenLong, ActionOpenShort, ActionClose, ActionAdjustExits, ActionHold:
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0, 1]", d.Confidence)
	}
	if d.Action == ActionOpenLong || d.Action == ActionOpenShort {
		if d.SizeUSD <= 0 {
			return fmt.Errorf("%s requires positive size_usd, got %.2f", d.Action, d.SizeUSD)
		}
		if d.Leverage <= 0 {
			return fmt.Errorf("%s requires positive leverage, got %d", d.Action, d.Leverage)
		}
		if maxLeverage > 0 && d.Leverage > maxLeverage {
			return fmt.Errorf("leverage %d above account max %d", d.Leverage, maxLeverage)
		}
	}
	for i, e := range d.Exits {
		if e.Kind != "take_profit" && e.Kind != "stop_loss" {
			return fmt.Errorf("exit[%d]: unknown kind %q", i, e.Kind)
		}
		if e.Price <= 0 {
			return fmt.Errorf("exit[%d]: non-positive price %.4f", i, e.Price)
		}
		if e.SizeFraction <= 0 || e.SizeFraction > 1 {
			return fmt.Errorf("exit[%d]: size_fraction %.3f outside (0, 1]", i, e.SizeFraction)
		}
	}
	return nil
}

// Opens reports whether the directive asks for a new position.
func (d *Directive) Opens() bool {
	return d.Action == ActionOpenLong || d.Action == ActionOpenShort
}
