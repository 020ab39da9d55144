package risk

import (
	"fmt"
	"log"
	"time"

	"aegis/decision"
	"aegis/market"
)

// Limits account-level constraints enforced on every directive.
type Limits struct {
	MaxLeverage         int
	MaxPositionNotional float64
	MinPositionNotional float64 // Venue minimum; clamping below this downgrades to hold
	MinConfidence       float64
}

// RiskRejected records a directive constraint violation. Violations are
// corrected (clamped) or downgraded to hold, never fatal to the cycle.
type RiskRejected struct {
	Reason string
}

func (e *RiskRejected) Error() string { return "risk rejected: " + e.Reason }

// Decision the outcome of one risk evaluation: zero or more intents in
// strict execution order (closes before opens), plus the exit-rule
// replacement set to install if the directive's order path completes.
type Decision struct {
	CycleID        string        `json:"cycle_id"`
	Intents        []OrderIntent `json:"intents"`
	Hold           bool          `json:"hold"`
	Rationale      string        `json:"rationale"`
	ReplaceExits   []ExitRule    `json:"replace_exits,omitempty"`
	HasReplacement bool          `json:"has_replacement"`
	Rejections     []string      `json:"rejections,omitempty"`
}

func (d *Decision) reject(reason string) {
	rej := &RiskRejected{Reason: reason}
	log.Printf("⚠️  %s", rej.Error())
	d.Rejections = append(d.Rejections, reason)
}

// Manager validates directives and derives order intents. It never
// mutates Position: all mutation happens after confirmed execution.
type Manager struct {
	limits Limits
}

func NewManager(limits Limits) *Manager {
	if limits.MinPositionNotional <= 0 {
		limits.MinPositionNotional = 20 // Binance USDⓈ-M minimum order notional
	}
	return &Manager{limits: limits}
}

func (m *Manager) Limits() Limits { return m.limits }

// Evaluate runs the per-cycle risk algorithm:
//  1. exit-first check against the latest price, always, even when
//     inference failed or the snapshot is stale;
//  2. directive admission (fresh data only), with caps clamped rather
//     than rejected, except when clamping reaches zero;
//  3. atomic exit-rule replacement for accepted open/adjust directives.
//
// dir may be nil (inference failed or skipped). snap may be stale but
// must carry a last known price for step 1 to be of any use.
func (m *Manager) Evaluate(dir *decision.Directive, pos Position, snap *market.Snapshot, cycleID string, now time.Time) Decision {
	out := Decision{CycleID: cycleID, Hold: true}

	var price float64
	if snap != nil {
		price = snap.Price()
	}

	// Step 1: exit-first. Protecting an open position outranks new advice.
	out.Intents = append(out.Intents, m.ExitCheck(pos, price)...)

	// Step 2: directive admission.
	if dir == nil {
		out.Rationale = "no directive this cycle; exit protection only"
		return out
	}
	if snap == nil || snap.Stale {
		out.reject("stale or missing snapshot blocks directive admission")
		out.Rationale = "directive dropped: stale market data"
		return out
	}
	if dir.Confidence < m.limits.MinConfidence {
		out.Rationale = fmt.Sprintf("confidence %.2f below threshold %.2f, holding",
			dir.Confidence, m.limits.MinConfidence)
		return out
	}

	switch dir.Action {
	case decision.ActionHold:
		out.Rationale = "directive: hold"
		return out

	case decision.ActionClose:
		if pos.Flat() {
			out.Rationale = "directive: close, but position already flat"
			return out
		}
		out.Intents = append(out.Intents, m.closeIntent(pos, cycleID, dir.Rationale))
		out.Hold = false
		out.Rationale = "directive: close position"
		return out

	case decision.ActionAdjustExits:
		if pos.Flat() {
			out.Rationale = "directive: adjust_exits with no open position, holding"
			return out
		}
		rules, ok := m.sanitizeExits(dir.Exits, pos.Side, price, &out)
		if !ok {
			out.Rationale = "directive: adjust_exits dropped, exit set failed validation"
			return out
		}
		out.ReplaceExits = rules
		out.HasReplacement = true
		out.Hold = false
		out.Rationale = "directive: replace exit rules"
		return out

	case decision.ActionOpenLong, decision.ActionOpenShort:
		return m.admitOpen(dir, pos, price, cycleID, out)
	}

	out.Rationale = fmt.Sprintf("unhandled action %q, holding", dir.Action)
	return out
}

// ExitCheck scans exit rules against the latest price and emits
// reduce-only intents for every triggered rule. This is the whole fast
// path: it must stay cheap and must never depend on a fresh snapshot.
func (m *Manager) ExitCheck(pos Position, price float64) []OrderIntent {
	if pos.Flat() || price <= 0 {
		return nil
	}
	var intents []OrderIntent
	for i, rule := range pos.ExitRules {
		if !rule.Triggered(pos.Side, price) {
			continue
		}
		purpose := PurposeSLExit
		if rule.Kind == ExitTakeProfit {
			purpose = PurposeTPExit
		}
		size := rule.SizeFraction * pos.Size
		if size <= 0 {
			continue
		}
		log.Printf("🚨 %s %s triggered at %.6g (rule %d: %.6g, %.0f%% of position)",
			pos.Instrument, rule.Kind, price, i, rule.TriggerPrice, rule.SizeFraction*100)
		intents = append(intents, OrderIntent{
			Key:           ExitIntentKey(pos.Instrument, pos.Side, i, pos.ExitRevision),
			Instrument:    pos.Instrument,
			Side:          closeSide(pos.Side),
			Type:          "market",
			Size:          size,
			ReduceOnly:    true,
			Purpose:       purpose,
			ExitRuleIndex: i,
			Rationale:     fmt.Sprintf("%s trigger %.6g crossed at %.6g", rule.Kind, rule.TriggerPrice, price),
		})
	}
	return intents
}

func (m *Manager) admitOpen(dir *decision.Directive, pos Position, price float64, cycleID string, out Decision) Decision {
	if price <= 0 {
		out.reject("no reference price for sizing")
		out.Rationale = "open dropped: no reference price"
		return out
	}
	// A desynced book may understate live exposure; a fresh open could
	// double it. Exits keep running, opens wait for a venue sync.
	if pos.Desynced {
		out.reject("book desynced from venue, new opens blocked until resync")
		out.Rationale = "open dropped: awaiting venue position sync"
		return out
	}

	dirSide := SideLong
	if dir.Action == decision.ActionOpenShort {
		dirSide = SideShort
	}

	// Same-side open while positioned: no pyramiding, but a well-formed
	// exit set still replaces the old one.
	if !pos.Flat() && pos.Side == dirSide {
		if rules, ok := m.sanitizeExits(dir.Exits, dirSide, price, &out); ok && len(rules) > 0 {
			out.ReplaceExits = rules
			out.HasReplacement = true
			out.Hold = false
			out.Rationale = fmt.Sprintf("already %s, refreshing exit rules only", dirSide)
		} else {
			out.Rationale = fmt.Sprintf("already %s, holding", dirSide)
		}
		return out
	}

	// Clamp leverage and notional to the caps.
	leverage := dir.Leverage
	if leverage > m.limits.MaxLeverage {
		out.reject(fmt.Sprintf("leverage %d clamped to %d", leverage, m.limits.MaxLeverage))
		leverage = m.limits.MaxLeverage
	}
	notional := dir.SizeUSD
	if m.limits.MaxPositionNotional > 0 && notional > m.limits.MaxPositionNotional {
		out.reject(fmt.Sprintf("notional %.2f clamped to %.2f", notional, m.limits.MaxPositionNotional))
		notional = m.limits.MaxPositionNotional
	}
	if notional < m.limits.MinPositionNotional {
		out.reject(fmt.Sprintf("notional %.2f below venue minimum %.2f, holding",
			notional, m.limits.MinPositionNotional))
		out.Rationale = "open dropped: size clamped below venue minimum"
		return out
	}

	rules, ok := m.sanitizeExits(dir.Exits, dirSide, price, &out)
	if !ok {
		out.Rationale = "open dropped: exit set failed validation"
		return out
	}
	if !hasStopLoss(rules) {
		out.reject("open without a stop_loss layer, holding")
		out.Rationale = "open dropped: no stop loss"
		return out
	}

	// Opposite side: close fully first. The open is submitted only after
	// the close confirms flat; both intents ride the same cycle, close
	// strictly before open.
	if !pos.Flat() && pos.Side != dirSide {
		out.Intents = append(out.Intents, m.closeIntent(pos, cycleID, "side flip: close before open"))
	}

	openSide := OrderBuy
	if dirSide == SideShort {
		openSide = OrderSell
	}
	out.Intents = append(out.Intents, OrderIntent{
		Key:           OpenIntentKey(dir.Instrument, cycleID, PurposeOpen),
		Instrument:    dir.Instrument,
		Side:          openSide,
		Type:          "market",
		Size:          notional / price,
		Purpose:       PurposeOpen,
		Leverage:      leverage,
		ExitRuleIndex: -1,
		Rationale:     dir.Rationale,
	})
	out.ReplaceExits = rules
	out.HasReplacement = true
	out.Hold = false
	out.Rationale = fmt.Sprintf("directive: open %s %.2f USDT at %dx", dirSide, notional, leverage)
	return out
}

func (m *Manager) closeIntent(pos Position, cycleID, rationale string) OrderIntent {
	return OrderIntent{
		Key:           OpenIntentKey(pos.Instrument, cycleID, PurposeManualClose),
		Instrument:    pos.Instrument,
		Side:          closeSide(pos.Side),
		Type:          "market",
		Size:          pos.Size,
		ReduceOnly:    true,
		Purpose:       PurposeManualClose,
		ExitRuleIndex: -1,
		Rationale:     rationale,
	}
}

// sanitizeExits converts proposed exit specs into a consistent rule set
// for the given side: triggers must sit on the correct side of the
// current price, and fractions are normalized per kind so neither the
// take-profit ladder nor the stop-loss ladder sums above 1.0.
func (m *Manager) sanitizeExits(specs []decision.ExitSpec, side Side, price float64, out *Decision) ([]ExitRule, bool) {
	rules := make([]ExitRule, 0, len(specs))
	for i, spec := range specs {
		kind := ExitKind(spec.Kind)
		if kind != ExitTakeProfit && kind != ExitStopLoss {
			out.reject(fmt.Sprintf("exit[%d]: unknown kind %q", i, spec.Kind))
			return nil, false
		}
		if price > 0 && !sanePlacement(kind, side, spec.Price, price) {
			out.reject(fmt.Sprintf("exit[%d]: %s at %.6g is on the wrong side of price %.6g for %s",
				i, kind, spec.Price, price, side))
			return nil, false
		}
		rules = append(rules, ExitRule{Kind: kind, TriggerPrice: spec.Price, SizeFraction: spec.SizeFraction})
	}

	for _, kind := range []ExitKind{ExitTakeProfit, ExitStopLoss} {
		var sum float64
		for _, r := range rules {
			if r.Kind == kind {
				sum += r.SizeFraction
			}
		}
		if sum > 1.0 {
			out.reject(fmt.Sprintf("%s fractions sum to %.3f, normalizing to 1.0", kind, sum))
			for i := range rules {
				if rules[i].Kind == kind {
					rules[i].SizeFraction /= sum
				}
			}
		}
	}
	return rules, true
}

// sanePlacement checks the trigger sits where it can only fire later,
// not instantly: TP beyond price in the profit direction, SL beyond in
// the loss direction.
func sanePlacement(kind ExitKind, side Side, trigger, price float64) bool {
	switch side {
	case SideLong:
		if kind == ExitTakeProfit {
			return trigger > price
		}
		return trigger < price
	case SideShort:
		if kind == ExitTakeProfit {
			return trigger < price
		}
		return trigger > price
	}
	return false
}

func hasStopLoss(rules []ExitRule) bool {
	for _, r := range rules {
		if r.Kind == ExitStopLoss {
			return true
		}
	}
	return false
}

func closeSide(side Side) OrderSide {
	if side == SideLong {
		return OrderSell
	}
	return OrderBuy
}
