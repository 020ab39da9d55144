package decision

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/market"
)

func testSnapshot(barCount int) *market.Snapshot {
	bars := make([]market.Bar, barCount)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = market.Bar{
			OpenTime: base.Add(time.Duration(i) * 3 * time.Minute),
			Open:     50000, High: 50100, Low: 49900, Close: 50000 + float64(i),
			Volume: 12,
		}
	}
	return &market.Snapshot{
		Instrument:  "BTCUSDT",
		Series:      map[string][]market.Bar{"3m": bars},
		Book:        market.BookTop{BidPrice: 50049, BidQty: 1, AskPrice: 50051, AskQty: 1},
		LastPrice:   bars[barCount-1].Close,
		CollectedAt: base.Add(time.Duration(barCount) * 3 * time.Minute),
	}
}

func testContext(barCount int) *Context {
	return Assemble(
		testSnapshot(barCount),
		PositionView{Side: "flat"},
		Constraints{MaxLeverage: 10, MaxPositionNotional: 5000, MinConfidence: 0.7, Equity: 1000},
		nil,
		"cycle-1", 7, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	)
}

func TestUserPromptContents(t *testing.T) {
	ctx := testContext(30)
	prompt := ctx.UserPrompt()

	assert.Contains(t, prompt, "BTCUSDT")
	assert.Contains(t, prompt, "FLAT - no open position")
	assert.Contains(t, prompt, "Max leverage: 10x")
	assert.Contains(t, prompt, "3m closes")
	assert.Contains(t, prompt, "Cycle: #7")
}

func TestUserPromptShowsPositionAndExits(t *testing.T) {
	ctx := testContext(30)
	ctx.Position = PositionView{
		Side: "long", Size: 0.5, EntryPrice: 49000, Leverage: 5, UnrealizedPnL: 512.5,
		ExitRules: []ExitView{
			{Kind: "take_profit", Price: 52000, SizeFraction: 0.5},
			{Kind: "stop_loss", Price: 48000, SizeFraction: 1.0},
		},
	}
	prompt := ctx.UserPrompt()
	assert.Contains(t, prompt, "LONG")
	assert.Contains(t, prompt, "take_profit @ 52000 (50% of position)")
	assert.Contains(t, prompt, "stop_loss @ 48000 (100% of position)")
}

func TestUserPromptBounded(t *testing.T) {
	ctx := testContext(2000)
	ctx.MaxBytes = 4096

	prompt := ctx.UserPrompt()
	assert.LessOrEqual(t, len(prompt), 4096+2048) // floor of 4 bars can slightly overshoot tiny budgets

	// Newest bars survive truncation: the last close is 50000+1999.
	assert.Contains(t, prompt, "51999")
}

func TestUserPromptIntervalOrder(t *testing.T) {
	ctx := testContext(10)
	ctx.Snapshot.Series["4h"] = ctx.Snapshot.Series["3m"]
	ctx.Snapshot.Series["15m"] = ctx.Snapshot.Series["3m"]

	prompt := ctx.UserPrompt()
	i3m := strings.Index(prompt, "### 3m closes")
	i15m := strings.Index(prompt, "### 15m closes")
	i4h := strings.Index(prompt, "### 4h closes")
	require.NotEqual(t, -1, i3m)
	require.NotEqual(t, -1, i15m)
	require.NotEqual(t, -1, i4h)
	// Lexicographic interval order keeps identical inputs rendering
	// identically across runs.
	assert.Less(t, i15m, i3m)
	assert.Less(t, i3m, i4h)
}

func TestUserPromptDeterministic(t *testing.T) {
	a := testContext(500)
	b := testContext(500)
	a.MaxBytes = 8192
	b.MaxBytes = 8192
	assert.Equal(t, a.UserPrompt(), b.UserPrompt())
}

func TestUserPromptStaleWarning(t *testing.T) {
	ctx := testContext(30)
	ctx.Snapshot.Stale = true
	ctx.Snapshot.StaleReason = "stale market data: BTCUSDT 3m latest bar is 20m0s old (max 5m0s)"
	assert.Contains(t, ctx.UserPrompt(), "DATA WARNING")
}

func TestSystemPromptSchema(t *testing.T) {
	prompt := testContext(30).SystemPrompt()
	assert.Contains(t, prompt, "open_long | open_short | close | adjust_exits | hold")
	assert.Contains(t, prompt, "size_fraction")
	assert.True(t, strings.Contains(prompt, "BTCUSDT"))
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(HistoryEntry{Action: ActionHold, Summary: strings.Repeat("x", i+1)})
	}
	recent := h.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "xxx", recent[0].Summary)
	assert.Equal(t, "xxxxx", recent[2].Summary)
}
