package risk

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/decision"
	"aegis/market"
)

func testLimits() Limits {
	return Limits{
		MaxLeverage:         10,
		MaxPositionNotional: 5000,
		MinPositionNotional: 20,
		MinConfidence:       0.7,
	}
}

func freshSnapshot(price float64) *market.Snapshot {
	return &market.Snapshot{
		Instrument:  "BTCUSDT",
		LastPrice:   price,
		CollectedAt: time.Now(),
	}
}

func staleSnapshot(price float64) *market.Snapshot {
	s := freshSnapshot(price)
	s.Stale = true
	s.StaleReason = "stale market data: BTCUSDT 3m latest bar is 20m0s old (max 5m0s)"
	return s
}

func longPosition(size, entry float64, rules ...ExitRule) Position {
	return Position{
		Instrument: "BTCUSDT",
		Side:       SideLong,
		Size:       size,
		EntryPrice: entry,
		Leverage:   5,
		ExitRules:  rules,
	}
}

func openLongDirective(sizeUSD float64, leverage int, exits ...decision.ExitSpec) *decision.Directive {
	return &decision.Directive{
		Instrument: "BTCUSDT",
		Action:     decision.ActionOpenLong,
		Confidence: 0.9,
		SizeUSD:    sizeUSD,
		Leverage:   leverage,
		Exits:      exits,
		Rationale:  "test",
	}
}

func TestExitRuleTriggered(t *testing.T) {
	tests := []struct {
		name  string
		rule  ExitRule
		side  Side
		price float64
		want  bool
	}{
		{"long TP crossed", ExitRule{Kind: ExitTakeProfit, TriggerPrice: 52000}, SideLong, 52100, true},
		{"long TP not crossed", ExitRule{Kind: ExitTakeProfit, TriggerPrice: 52000}, SideLong, 51900, false},
		{"long SL crossed", ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000}, SideLong, 47900, true},
		{"long SL exact", ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000}, SideLong, 48000, true},
		{"long SL not crossed", ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000}, SideLong, 48100, false},
		{"short TP crossed", ExitRule{Kind: ExitTakeProfit, TriggerPrice: 48000}, SideShort, 47900, true},
		{"short TP not crossed", ExitRule{Kind: ExitTakeProfit, TriggerPrice: 48000}, SideShort, 48100, false},
		{"short SL crossed", ExitRule{Kind: ExitStopLoss, TriggerPrice: 52000}, SideShort, 52100, true},
		{"short SL not crossed", ExitRule{Kind: ExitStopLoss, TriggerPrice: 52000}, SideShort, 51900, false},
		{"flat never triggers", ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000}, SideFlat, 47000, false},
		{"zero price never triggers", ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000}, SideLong, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Triggered(tt.side, tt.price))
		})
	}
}

// A long SL with price at or below the trigger must always produce a
// reduce-only exit intent, whether or not a directive arrived.
func TestExitFirstDeterministic(t *testing.T) {
	m := NewManager(testLimits())
	pos := longPosition(0.5, 50000, ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000, SizeFraction: 1.0})

	directives := map[string]*decision.Directive{
		"no directive":  nil,
		"hold":          {Instrument: "BTCUSDT", Action: decision.ActionHold, Confidence: 0.9},
		"open directive": openLongDirective(500, 5,
			decision.ExitSpec{Kind: "stop_loss", Price: 46000, SizeFraction: 1.0}),
	}
	snapshots := map[string]*market.Snapshot{
		"fresh": freshSnapshot(47500),
		"stale": staleSnapshot(47500),
	}

	for dname, dir := range directives {
		for sname, snap := range snapshots {
			t.Run(dname+"/"+sname, func(t *testing.T) {
				d := m.Evaluate(dir, pos, snap, "c1", time.Now())
				require.NotEmpty(t, d.Intents)
				exit := d.Intents[0]
				assert.True(t, exit.ReduceOnly)
				assert.Equal(t, PurposeSLExit, exit.Purpose)
				assert.Equal(t, OrderSell, exit.Side)
				assert.InDelta(t, 0.5, exit.Size, 1e-12)
			})
		}
	}
}

func TestStaleSnapshotBlocksDirective(t *testing.T) {
	m := NewManager(testLimits())
	dir := openLongDirective(500, 5,
		decision.ExitSpec{Kind: "stop_loss", Price: 46000, SizeFraction: 1.0})

	d := m.Evaluate(dir, Position{Instrument: "BTCUSDT", Side: SideFlat}, staleSnapshot(50000), "c1", time.Now())
	assert.True(t, d.Hold)
	assert.Empty(t, d.Intents)
	assert.NotEmpty(t, d.Rejections)
}

func TestOpenLongScenario(t *testing.T) {
	m := NewManager(testLimits())
	dir := openLongDirective(1000, 5,
		decision.ExitSpec{Kind: "take_profit", Price: 51000, SizeFraction: 1.0},
		decision.ExitSpec{Kind: "stop_loss", Price: 49500, SizeFraction: 1.0},
	)

	d := m.Evaluate(dir, Position{Instrument: "BTCUSDT", Side: SideFlat}, freshSnapshot(50000), "c7", time.Now())
	require.Len(t, d.Intents, 1)
	open := d.Intents[0]
	assert.Equal(t, PurposeOpen, open.Purpose)
	assert.Equal(t, OrderBuy, open.Side)
	assert.InDelta(t, 0.02, open.Size, 1e-12) // 1000 USDT / 50000
	assert.Equal(t, 5, open.Leverage)
	assert.False(t, open.ReduceOnly)
	assert.Equal(t, OpenIntentKey("BTCUSDT", "c7", PurposeOpen), open.Key)

	require.True(t, d.HasReplacement)
	require.Len(t, d.ReplaceExits, 2)
	assert.Equal(t, ExitTakeProfit, d.ReplaceExits[0].Kind)
	assert.Equal(t, ExitStopLoss, d.ReplaceExits[1].Kind)
}

func TestOpenWithoutStopLossDropped(t *testing.T) {
	m := NewManager(testLimits())
	dir := openLongDirective(1000, 5,
		decision.ExitSpec{Kind: "take_profit", Price: 51000, SizeFraction: 1.0})

	d := m.Evaluate(dir, Position{Instrument: "BTCUSDT", Side: SideFlat}, freshSnapshot(50000), "c1", time.Now())
	assert.True(t, d.Hold)
	assert.Empty(t, d.Intents)
}

func TestSideFlipCloseBeforeOpen(t *testing.T) {
	m := NewManager(testLimits())
	pos := Position{Instrument: "BTCUSDT", Side: SideShort, Size: 0.3, EntryPrice: 51000, Leverage: 5}
	dir := openLongDirective(1000, 5,
		decision.ExitSpec{Kind: "stop_loss", Price: 49000, SizeFraction: 1.0})

	d := m.Evaluate(dir, pos, freshSnapshot(50000), "c2", time.Now())
	require.Len(t, d.Intents, 2)
	assert.Equal(t, PurposeManualClose, d.Intents[0].Purpose)
	assert.Equal(t, OrderBuy, d.Intents[0].Side) // closing a short buys back
	assert.True(t, d.Intents[0].ReduceOnly)
	assert.Equal(t, PurposeOpen, d.Intents[1].Purpose)
	assert.Equal(t, OrderBuy, d.Intents[1].Side)
}

func TestSameSideOpenRefreshesExitsOnly(t *testing.T) {
	m := NewManager(testLimits())
	pos := longPosition(0.5, 50000, ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000, SizeFraction: 1.0})
	dir := openLongDirective(1000, 5,
		decision.ExitSpec{Kind: "stop_loss", Price: 49000, SizeFraction: 1.0})

	d := m.Evaluate(dir, pos, freshSnapshot(50500), "c3", time.Now())
	assert.Empty(t, d.Intents)
	require.True(t, d.HasReplacement)
	assert.Equal(t, 49000.0, d.ReplaceExits[0].TriggerPrice)
}

func TestLeverageAndNotionalClamped(t *testing.T) {
	m := NewManager(testLimits())
	dir := openLongDirective(50000, 25,
		decision.ExitSpec{Kind: "stop_loss", Price: 49000, SizeFraction: 1.0})
	dir.Leverage = 25 // above max 10

	d := m.Evaluate(dir, Position{Instrument: "BTCUSDT", Side: SideFlat}, freshSnapshot(50000), "c4", time.Now())
	require.Len(t, d.Intents, 1)
	assert.Equal(t, 10, d.Intents[0].Leverage)
	assert.InDelta(t, 0.1, d.Intents[0].Size, 1e-12) // clamped to 5000 USDT / 50000
	assert.Len(t, d.Rejections, 2)
}

func TestClampToZeroBecomesHold(t *testing.T) {
	m := NewManager(testLimits())
	dir := openLongDirective(5, 5,
		decision.ExitSpec{Kind: "stop_loss", Price: 49000, SizeFraction: 1.0})

	d := m.Evaluate(dir, Position{Instrument: "BTCUSDT", Side: SideFlat}, freshSnapshot(50000), "c5", time.Now())
	assert.True(t, d.Hold)
	assert.Empty(t, d.Intents)
}

func TestLowConfidenceIsHold(t *testing.T) {
	m := NewManager(testLimits())
	dir := openLongDirective(1000, 5,
		decision.ExitSpec{Kind: "stop_loss", Price: 49000, SizeFraction: 1.0})
	dir.Confidence = 0.5

	d := m.Evaluate(dir, Position{Instrument: "BTCUSDT", Side: SideFlat}, freshSnapshot(50000), "c6", time.Now())
	assert.True(t, d.Hold)
	assert.Empty(t, d.Intents)
}

func TestExitPlacedOnWrongSideOfPriceDropsDirective(t *testing.T) {
	m := NewManager(testLimits())
	// Stop loss above current price on a long would fire instantly.
	dir := openLongDirective(1000, 5,
		decision.ExitSpec{Kind: "stop_loss", Price: 50500, SizeFraction: 1.0})

	d := m.Evaluate(dir, Position{Instrument: "BTCUSDT", Side: SideFlat}, freshSnapshot(50000), "c8", time.Now())
	assert.True(t, d.Hold)
	assert.Empty(t, d.Intents)
}

func TestCloseDirective(t *testing.T) {
	m := NewManager(testLimits())
	pos := longPosition(0.4, 50000)
	dir := &decision.Directive{Instrument: "BTCUSDT", Action: decision.ActionClose, Confidence: 0.9}

	d := m.Evaluate(dir, pos, freshSnapshot(50500), "c9", time.Now())
	require.Len(t, d.Intents, 1)
	assert.Equal(t, PurposeManualClose, d.Intents[0].Purpose)
	assert.True(t, d.Intents[0].ReduceOnly)
	assert.InDelta(t, 0.4, d.Intents[0].Size, 1e-12)
}

func TestPartialExitLayers(t *testing.T) {
	m := NewManager(testLimits())
	pos := longPosition(1.0, 50000,
		ExitRule{Kind: ExitTakeProfit, TriggerPrice: 51000, SizeFraction: 0.5},
		ExitRule{Kind: ExitTakeProfit, TriggerPrice: 52000, SizeFraction: 0.5},
		ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000, SizeFraction: 1.0},
	)

	// Price crosses only the first TP layer.
	intents := m.ExitCheck(pos, 51200)
	require.Len(t, intents, 1)
	assert.Equal(t, PurposeTPExit, intents[0].Purpose)
	assert.InDelta(t, 0.5, intents[0].Size, 1e-12)
	assert.Equal(t, 0, intents[0].ExitRuleIndex)
}

// Fast path and full cycle must derive identical keys for the same
// trigger so only one order ever reaches the venue.
func TestExitKeyStableAcrossPaths(t *testing.T) {
	m := NewManager(testLimits())
	pos := longPosition(0.5, 50000, ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000, SizeFraction: 1.0})

	fast := m.ExitCheck(pos, 47800)
	full := m.Evaluate(nil, pos, freshSnapshot(47700), "other-cycle", time.Now())
	require.Len(t, fast, 1)
	require.NotEmpty(t, full.Intents)
	assert.Equal(t, fast[0].Key, full.Intents[0].Key)

	// A rule-set replacement bumps the revision and changes the key.
	pos.ExitRevision++
	bumped := m.ExitCheck(pos, 47800)
	require.Len(t, bumped, 1)
	assert.NotEqual(t, fast[0].Key, bumped[0].Key)
}

// Property: whatever exit sets random directives propose, the installed
// rule set never lets either ladder's fractions sum above 1.0.
func TestExitFractionInvariantProperty(t *testing.T) {
	m := NewManager(testLimits())
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 500; trial++ {
		var exits []decision.ExitSpec
		exits = append(exits, decision.ExitSpec{
			Kind: "stop_loss", Price: 40000 + rng.Float64()*5000, SizeFraction: 0.1 + rng.Float64()*1.5,
		})
		for n := rng.Intn(4); n > 0; n-- {
			kind := "take_profit"
			price := 51000 + rng.Float64()*10000
			if rng.Intn(2) == 0 {
				kind = "stop_loss"
				price = 40000 + rng.Float64()*5000
			}
			exits = append(exits, decision.ExitSpec{
				Kind: kind, Price: price, SizeFraction: 0.1 + rng.Float64()*1.5,
			})
		}
		// Directive-level validation caps each fraction at 1.0; mimic it
		// here since the gateway runs before the risk manager.
		valid := true
		for _, e := range exits {
			if e.SizeFraction > 1.0 {
				valid = false
			}
		}
		if !valid {
			continue
		}

		dir := openLongDirective(1000, 5, exits...)
		d := m.Evaluate(dir, Position{Instrument: "BTCUSDT", Side: SideFlat}, freshSnapshot(50000), fmt.Sprintf("t%d", trial), time.Now())
		if !d.HasReplacement {
			continue
		}
		sums := map[ExitKind]float64{}
		for _, r := range d.ReplaceExits {
			sums[r.Kind] += r.SizeFraction
		}
		for kind, sum := range sums {
			assert.LessOrEqualf(t, sum, 1.0+1e-9, "trial %d: %s fractions sum %.4f", trial, kind, sum)
		}
	}
}

func TestBookCopySemantics(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.Set(longPosition(0.5, 50000, ExitRule{Kind: ExitStopLoss, TriggerPrice: 48000, SizeFraction: 1.0}))

	p := b.Position()
	p.ExitRules[0].TriggerPrice = 1 // mutate the copy

	again := b.Position()
	assert.Equal(t, 48000.0, again.ExitRules[0].TriggerPrice)
}
