package decision

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"aegis/market"
)

// ContextVersion identifies the payload schema sent to the provider.
// Bump when the prompt structure changes in a way that affects parsing.
const ContextVersion = 2

const defaultMaxContextBytes = 24 * 1024

// ExitView an existing exit rule rendered for the provider.
type ExitView struct {
	Kind         string  `json:"kind"`
	Price        float64 `json:"price"`
	SizeFraction float64 `json:"size_fraction"`
}

// PositionView the current position as shown to the provider. Side is
// "flat", "long" or "short"; a flat position renders explicitly as flat
// rather than being omitted.
type PositionView struct {
	Side          string     `json:"side"`
	Size          float64    `json:"size"`
	EntryPrice    float64    `json:"entry_price"`
	Leverage      int        `json:"leverage"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	ExitRules     []ExitView `json:"exit_rules,omitempty"`
}

// Constraints account-level limits embedded in the request so the
// provider proposes within bounds. They are enforced again downstream
// regardless of what comes back.
type Constraints struct {
	MaxLeverage         int     `json:"max_leverage"`
	MaxPositionNotional float64 `json:"max_position_notional"`
	MinConfidence       float64 `json:"min_confidence"`
	Equity              float64 `json:"equity"`
}

// Context one cycle's bounded decision request.
type Context struct {
	Version     int
	Instrument  string
	CycleID     string
	CycleNumber int
	Now         time.Time
	Snapshot    *market.Snapshot
	Position    PositionView
	Constraints Constraints
	History     []HistoryEntry
	MaxBytes    int
}

// Assemble renders snapshot, position and constraints into a Context.
func Assemble(snap *market.Snapshot, pos PositionView, cons Constraints, history []HistoryEntry, cycleID string, cycleNumber int, now time.Time) *Context {
	return &Context{
		Version:     ContextVersion,
		Instrument:  snap.Instrument,
		CycleID:     cycleID,
		CycleNumber: cycleNumber,
		Now:         now,
		Snapshot:    snap,
		Position:    pos,
		Constraints: cons,
		History:     history,
		MaxBytes:    defaultMaxContextBytes,
	}
}

// SystemPrompt fixed rules: objective, constraints, output schema.
func (c *Context) SystemPrompt() string {
	var sb strings.Builder

	sb.WriteString("You are a disciplined crypto futures trading engine managing a single instrument.\n\n")

	sb.WriteString("# Objective\n\n")
	sb.WriteString("Maximize risk-adjusted return. Most cycles the correct decision is `hold`.\n")
	sb.WriteString("Only open a position on a strong multi-signal setup; fees make small or frequent trades losers.\n\n")

	sb.WriteString("# Hard Constraints\n\n")
	sb.WriteString(fmt.Sprintf("1. Max leverage: %dx (higher values are clamped)\n", c.Constraints.MaxLeverage))
	sb.WriteString(fmt.Sprintf("2. Max position notional: %.0f USDT\n", c.Constraints.MaxPositionNotional))
	sb.WriteString(fmt.Sprintf("3. Directives with confidence below %.2f are treated as hold\n", c.Constraints.MinConfidence))
	sb.WriteString("4. Every open MUST carry at least one stop_loss exit layer\n")
	sb.WriteString("5. Exit layer size_fractions must sum to at most 1.0\n\n")

	sb.WriteString("# Output Format\n\n")
	sb.WriteString("First a short plain-text analysis, then EXACTLY ONE JSON object:\n\n")
	sb.WriteString("```json\n")
	sb.WriteString(fmt.Sprintf("{\"instrument\": %q, \"action\": \"open_long\", \"confidence\": 0.85, \"size_usd\": 500, \"leverage\": 5,\n", c.Instrument))
	sb.WriteString(" \"exits\": [{\"kind\": \"take_profit\", \"price\": 52000, \"size_fraction\": 0.5},\n")
	sb.WriteString("            {\"kind\": \"take_profit\", \"price\": 54000, \"size_fraction\": 0.5},\n")
	sb.WriteString("            {\"kind\": \"stop_loss\", \"price\": 49000, \"size_fraction\": 1.0}],\n")
	sb.WriteString(" \"rationale\": \"why\"}\n")
	sb.WriteString("```\n\n")
	sb.WriteString("Field rules:\n")
	sb.WriteString("- `action`: open_long | open_short | close | adjust_exits | hold\n")
	sb.WriteString("- `confidence`: 0.0-1.0\n")
	sb.WriteString("- `size_usd`: notional in USDT, required for opens\n")
	sb.WriteString("- `exits`: full replacement set; omit only for close/hold\n")
	sb.WriteString("- The JSON object is MANDATORY even when the action is hold\n")

	return sb.String()
}

// UserPrompt dynamic data: snapshot summary, bar series, position state,
// recent decision history. The rendered prompt is bounded by MaxBytes;
// when over budget the oldest bars are dropped first, deterministically,
// until it fits.
func (c *Context) UserPrompt() string {
	maxBytes := c.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxContextBytes
	}

	// Shrink factor halves the bar window each pass. Two passes cover any
	// realistic overshoot; the floor of 4 bars always fits.
	for shrink := 1; ; shrink *= 2 {
		prompt := c.renderUserPrompt(shrink)
		if len(prompt) <= maxBytes || shrink >= 64 {
			return prompt
		}
	}
}

func (c *Context) renderUserPrompt(shrink int) string {
	var sb strings.Builder
	snap := c.Snapshot

	sb.WriteString(fmt.Sprintf("**Time**: %s | **Cycle**: #%d (%s)\n\n",
		c.Now.UTC().Format("2006-01-02 15:04:05"), c.CycleNumber, c.CycleID))

	sb.WriteString(fmt.Sprintf("## %s Market\n\n", c.Instrument))
	sb.WriteString(fmt.Sprintf("Price: %.6g | Bid: %.6g | Ask: %.6g | Taker imbalance: %+.3f\n",
		snap.Price(), snap.Book.BidPrice, snap.Book.AskPrice, snap.Flow.Imbalance))
	ind := snap.Indicators
	sb.WriteString(fmt.Sprintf("EMA20: %.6g | EMA50: %.6g | RSI7: %.1f | RSI14: %.1f | MACD: %.6g (signal %.6g) | ATR14: %.6g | Vol: %.5f\n\n",
		ind.EMA20, ind.EMA50, ind.RSI7, ind.RSI14, ind.MACD, ind.MACDSignal, ind.ATR14, ind.RealizedVol))

	for _, interval := range sortedIntervals(snap.Series) {
		bars := snap.Series[interval]
		keep := len(bars) / shrink
		if keep < 4 {
			keep = 4
		}
		if keep > len(bars) {
			keep = len(bars)
		}
		bars = bars[len(bars)-keep:]
		sb.WriteString(fmt.Sprintf("### %s closes (%d bars, oldest first)\n", interval, len(bars)))
		for i, b := range bars {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%.6g", b.Close))
		}
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Position\n\n")
	if c.Position.Side == "" || c.Position.Side == "flat" {
		sb.WriteString("FLAT - no open position\n\n")
	} else {
		sb.WriteString(fmt.Sprintf("%s %.6g @ %.6g | leverage %dx | unrealized P&L %+.2f USDT\n",
			strings.ToUpper(c.Position.Side), c.Position.Size, c.Position.EntryPrice,
			c.Position.Leverage, c.Position.UnrealizedPnL))
		if len(c.Position.ExitRules) > 0 {
			sb.WriteString("Active exit rules:\n")
			for _, r := range c.Position.ExitRules {
				sb.WriteString(fmt.Sprintf("- %s @ %.6g (%.0f%% of position)\n", r.Kind, r.Price, r.SizeFraction*100))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Account\n\n")
	sb.WriteString(fmt.Sprintf("Equity: %.2f USDT | Max leverage: %dx | Max notional: %.0f USDT\n\n",
		c.Constraints.Equity, c.Constraints.MaxLeverage, c.Constraints.MaxPositionNotional))

	if len(c.History) > 0 {
		sb.WriteString("## Recent Decisions\n\n")
		for _, h := range c.History {
			sb.WriteString(fmt.Sprintf("- [%s] %s conf=%.2f: %s\n",
				h.Time.UTC().Format("15:04"), h.Action, h.Confidence, truncate(h.Summary, 120)))
		}
		sb.WriteString("\n")
	}

	if snap.Stale {
		sb.WriteString(fmt.Sprintf("⚠️ DATA WARNING: %s\n", snap.StaleReason))
	}

	return sb.String()
}

// sortedIntervals gives a stable rendering order so identical inputs
// produce identical prompts.
func sortedIntervals(series map[string][]market.Bar) []string {
	out := make([]string, 0, len(series))
	for k := range series {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
