package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"aegis/config"
	"aegis/decision"
	"aegis/logger"
	"aegis/market"
	"aegis/mcp"
	"aegis/notify"
	"aegis/risk"
	"aegis/trader"
)

// State is the runner's position in the cycle state machine, exported
// for the status API. Transitions only happen inside the run goroutine.
type State int32

const (
	StateIdle State = iota
	StateSnapshotting
	StateDeciding
	StateRiskEvaluating
	StateExecuting
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSnapshotting:
		return "snapshotting"
	case StateDeciding:
		return "deciding"
	case StateRiskEvaluating:
		return "risk_evaluating"
	case StateExecuting:
		return "executing"
	case StatePersisting:
		return "persisting"
	}
	return "unknown"
}

// PriceSink receives the latest observed price. The paper venue uses it
// to mark fills; the live venue has its own price feed and stays nil.
type PriceSink interface {
	SetMarkPrice(instrument string, price float64)
}

// Options wires one runner. All fields except PriceSink are required.
type Options struct {
	Instrument config.InstrumentConfig
	Builder    *market.Builder
	Gateway    *decision.Gateway
	Risk       *risk.Manager
	Engine     *trader.Engine
	Book       *risk.Book
	Venue      trader.Venue
	Store      *logger.Store
	Notifier   *notify.Notifier
	Equity     float64
	PriceSink  PriceSink
}

// Runner drives one instrument: a full decision cycle on the configured
// cadence and a cheap exit-only check on a short ticker in between. Both
// run on the same goroutine, so a fast exit never races a full cycle.
type Runner struct {
	opts    Options
	history *decision.History
	state   atomic.Int32
	log     *log.Logger

	mu          sync.Mutex
	cycleNumber int
	fastExecs   []trader.ExecutionResult
}

func NewRunner(opts Options) *Runner {
	return &Runner{
		opts:    opts,
		history: decision.NewHistory(10),
		log:     log.New(os.Stderr, "[loop "+opts.Instrument.Symbol+"] ", log.LstdFlags),
	}
}

func (r *Runner) Instrument() string { return r.opts.Instrument.Symbol }

func (r *Runner) State() string { return State(r.state.Load()).String() }

func (r *Runner) setState(s State) { r.state.Store(int32(s)) }

// Run restores state, then alternates full cycles and fast exit checks
// until the context is canceled. Cancellation is honored at state
// boundaries: an in-flight cycle finishes its current step first.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.restore(ctx); err != nil {
		return err
	}

	full := time.NewTicker(r.opts.Instrument.Cadence())
	defer full.Stop()
	fast := time.NewTicker(r.opts.Instrument.FastCheckInterval())
	defer fast.Stop()

	r.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Printf("⏹ shutting down (state %s)", r.State())
			return ctx.Err()
		case <-full.C:
			r.runCycle(ctx)
		case <-fast.C:
			r.fastCheck(ctx)
		}
	}
}

// restore rebuilds position state from the venue and cycle numbering
// from the audit store. Exit rules recorded by the last cycle are
// reinstalled only when the venue still holds a position on that side.
func (r *Runner) restore(ctx context.Context) error {
	sym := r.opts.Instrument.Symbol

	next, err := r.opts.Store.NextCycleNumber(ctx, sym)
	if err != nil {
		r.log.Printf("⚠️  cycle numbering restore failed, starting from 1: %v", err)
		next = 1
	}
	r.mu.Lock()
	r.cycleNumber = next - 1
	r.mu.Unlock()

	side, rules, ok, err := r.opts.Store.LastExitState(ctx, sym)
	if err != nil {
		r.log.Printf("⚠️  exit rule restore failed, position will run unprotected until the first cycle: %v", err)
	}

	pos, err := r.opts.Engine.Restore(ctx, rules)
	if err != nil {
		return fmt.Errorf("startup restore: %w", err)
	}
	if ok && !pos.Flat() && string(pos.Side) != side {
		r.log.Printf("⚠️  recorded exits were for a %s position, venue holds %s: dropping them", side, pos.Side)
		if _, err := r.opts.Engine.Restore(ctx, nil); err != nil {
			return fmt.Errorf("startup restore: %w", err)
		}
	}
	return nil
}

func (r *Runner) runCycle(ctx context.Context) {
	sym := r.opts.Instrument.Symbol
	start := time.Now()
	defer r.setState(StateIdle)

	r.mu.Lock()
	r.cycleNumber++
	num := r.cycleNumber
	pending := r.fastExecs
	r.fastExecs = nil
	r.mu.Unlock()

	cycleID := uuid.NewString()
	rec := &logger.CycleRecord{
		CycleID:     cycleID,
		CycleNumber: num,
		Instrument:  sym,
		StartedAt:   start,
		Outcome:     "completed",
		Success:     true,
		Executions:  pending,
	}

	r.setState(StateSnapshotting)
	snap, err := r.opts.Builder.Build(ctx, sym, start)
	var staleErr *market.StaleDataError
	if err != nil && !errors.As(err, &staleErr) {
		// Nothing usable came back. The fast ticker keeps protecting any
		// open position off the venue mark price.
		r.log.Printf("⚠️  snapshot failed, cycle degraded: %v", err)
		rec.Outcome = "degraded"
		rec.Success = false
		rec.ErrorMessage = err.Error()
		r.persist(ctx, rec, start)
		return
	}
	rec.Price = snap.Price()
	rec.Stale = snap.Stale
	rec.StaleReason = snap.StaleReason
	if snap.Stale {
		metricStaleSnapshots.WithLabelValues(sym).Inc()
	}
	if r.opts.PriceSink != nil && rec.Price > 0 {
		r.opts.PriceSink.SetMarkPrice(sym, rec.Price)
	}

	if r.opts.Book.Desynced() {
		if err := r.opts.Engine.Resync(ctx); err != nil {
			r.log.Printf("⚠️  venue resync failed, new opens stay blocked: %v", err)
		}
	}
	pos := r.opts.Book.Position()

	// Inference is skipped on stale data: the risk layer would drop the
	// directive anyway, so the call would only burn tokens.
	var dir *decision.Directive
	if !snap.Stale && ctx.Err() == nil {
		r.setState(StateDeciding)
		dctx := decision.Assemble(snap, r.positionView(pos, rec.Price), r.constraints(),
			r.history.Recent(), cycleID, num, start)
		res, err := r.opts.Gateway.Decide(ctx, dctx)
		rec.Prompt = res.UserPrompt
		rec.RawResponse = res.RawResponse
		rec.CoTTrace = res.CoTTrace
		rec.InferenceMS = res.Elapsed.Milliseconds()
		metricInferenceSeconds.WithLabelValues(sym).Set(res.Elapsed.Seconds())
		if err != nil {
			var infErr *mcp.InferenceError
			if errors.As(err, &infErr) {
				r.log.Printf("⚠️  inference failed (%s), holding: %v", infErr.Kind, err)
			} else {
				r.log.Printf("⚠️  inference failed, holding: %v", err)
			}
			rec.Outcome = "degraded"
			rec.Success = false
			rec.ErrorMessage = err.Error()
			r.opts.Notifier.Degraded(sym, "inference failed: "+err.Error())
		} else {
			dir = res.Directive
			if b, err := json.Marshal(dir); err == nil {
				rec.DirectiveJSON = string(b)
			}
			r.history.Add(decision.HistoryEntry{
				Time:       start,
				Action:     dir.Action,
				Confidence: dir.Confidence,
				Summary:    dir.Rationale,
			})
		}
	} else if snap.Stale {
		rec.Outcome = "degraded"
		rec.ErrorMessage = "stale market data: " + snap.StaleReason
	}

	r.setState(StateRiskEvaluating)
	dec := r.opts.Risk.Evaluate(dir, pos, snap, cycleID, time.Now())
	rec.Intents = dec.Intents
	rec.Rejections = dec.Rejections
	for _, intent := range dec.Intents {
		metricIntentsTotal.WithLabelValues(sym, string(intent.Purpose)).Inc()
	}

	// New orders are not submitted into a shutdown, but a decision that
	// made it this far with exit intents still runs: protection first.
	if len(dec.Intents) > 0 || dec.HasReplacement {
		if ctx.Err() == nil || hasExitIntent(dec.Intents) {
			r.setState(StateExecuting)
			execs := r.opts.Engine.Execute(ctx, dec)
			rec.Executions = append(rec.Executions, execs...)
			r.notifyExecutions(execs)
		} else {
			rec.Outcome = "degraded"
			rec.ErrorMessage = "shutdown before execution, intents dropped"
		}
	}

	if rec.Outcome == "completed" {
		rec.Outcome = classifyOutcome(rec.Executions)
	}
	r.persist(ctx, rec, start)
}

// fastCheck runs only risk step 1 against the venue mark price. It is
// deliberately tiny: no snapshot, no inference, no record of its own.
// Fills are carried into the next full cycle's record.
func (r *Runner) fastCheck(ctx context.Context) {
	if r.opts.Book.Desynced() {
		if err := r.opts.Engine.Resync(ctx); err != nil {
			r.log.Printf("⚠️  fast check: venue resync failed: %v", err)
			return
		}
	}
	pos := r.opts.Book.Position()
	if pos.Flat() || len(pos.ExitRules) == 0 {
		return
	}
	sym := r.opts.Instrument.Symbol

	price, err := r.opts.Venue.MarkPrice(ctx, sym)
	if err != nil {
		r.log.Printf("⚠️  fast check price fetch failed: %v", err)
		return
	}
	intents := r.opts.Risk.ExitCheck(pos, price)
	if len(intents) == 0 {
		return
	}

	r.log.Printf("⚡ fast path: %d exit intent(s) at %.6g", len(intents), price)
	metricFastExits.WithLabelValues(sym).Add(float64(len(intents)))
	execs := r.opts.Engine.Execute(ctx, risk.Decision{
		CycleID:   "fast-" + uuid.NewString()[:8],
		Intents:   intents,
		Rationale: "fast-path exit check",
	})
	r.notifyExecutions(execs)

	r.mu.Lock()
	r.fastExecs = append(r.fastExecs, execs...)
	r.mu.Unlock()
	metricPositionSize.WithLabelValues(sym).Set(signedSize(r.opts.Book.Position()))
}

func (r *Runner) persist(ctx context.Context, rec *logger.CycleRecord, start time.Time) {
	r.setState(StatePersisting)

	final := r.opts.Book.Position()
	rec.PositionSide = string(final.Side)
	rec.PositionSize = final.Size
	rec.EntryPrice = final.EntryPrice
	rec.Leverage = final.Leverage
	rec.ExitRules = final.ExitRules
	rec.ExitRevision = final.ExitRevision
	rec.FinishedAt = time.Now()

	// Persistence must survive shutdown: the record is the audit trail.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.opts.Store.Append(writeCtx, rec); err != nil {
		r.log.Printf("⚠️  cycle record not persisted: %v", err)
	}

	metricCyclesTotal.WithLabelValues(rec.Instrument, rec.Outcome).Inc()
	metricCycleSeconds.WithLabelValues(rec.Instrument).Set(time.Since(start).Seconds())
	metricPositionSize.WithLabelValues(rec.Instrument).Set(signedSize(final))
	for _, ex := range rec.Executions {
		if ex.Status == "rejected" || ex.Status == "ambiguous" {
			metricExecutionFailures.WithLabelValues(rec.Instrument).Inc()
		}
	}

	r.log.Printf("cycle #%d %s: %s, %d intent(s), position %s %.6g",
		rec.CycleNumber, rec.CycleID[:8], rec.Outcome, len(rec.Intents), final.Side, final.Size)
}

func (r *Runner) positionView(pos risk.Position, price float64) decision.PositionView {
	view := decision.PositionView{
		Side:          string(pos.Side),
		Size:          pos.Size,
		EntryPrice:    pos.EntryPrice,
		Leverage:      pos.Leverage,
		UnrealizedPnL: pos.UnrealizedPnL(price),
	}
	for _, rule := range pos.ExitRules {
		view.ExitRules = append(view.ExitRules, decision.ExitView{
			Kind:         string(rule.Kind),
			Price:        rule.TriggerPrice,
			SizeFraction: rule.SizeFraction,
		})
	}
	return view
}

func (r *Runner) constraints() decision.Constraints {
	return decision.Constraints{
		MaxLeverage:         r.opts.Instrument.MaxLeverage,
		MaxPositionNotional: r.opts.Instrument.MaxPositionNotional,
		MinConfidence:       r.opts.Instrument.MinConfidence,
		Equity:              r.opts.Equity,
	}
}

func (r *Runner) notifyExecutions(execs []trader.ExecutionResult) {
	sym := r.opts.Instrument.Symbol
	for _, ex := range execs {
		if ex.Status != "filled" && ex.Status != "partial" {
			continue
		}
		switch ex.Purpose {
		case risk.PurposeOpen:
			pos := r.opts.Book.Position()
			r.opts.Notifier.TradeOpened(sym, string(pos.Side), ex.FilledSize, ex.AvgPrice, pos.Leverage)
		case risk.PurposeManualClose:
			r.opts.Notifier.TradeClosed(sym, "directive close", ex.FilledSize, ex.AvgPrice)
		case risk.PurposeTPExit:
			r.opts.Notifier.TradeClosed(sym, "take profit", ex.FilledSize, ex.AvgPrice)
		case risk.PurposeSLExit:
			r.opts.Notifier.StopTriggered(sym, ex.FilledSize, ex.AvgPrice)
		}
	}
}

func hasExitIntent(intents []risk.OrderIntent) bool {
	for _, in := range intents {
		if in.ReduceOnly {
			return true
		}
	}
	return false
}

func signedSize(pos risk.Position) float64 {
	if pos.Side == risk.SideShort {
		return -pos.Size
	}
	return pos.Size
}

// classifyOutcome labels a clean cycle: held when nothing was done,
// fast_exit when the only activity was protective exits.
func classifyOutcome(execs []trader.ExecutionResult) string {
	if len(execs) == 0 {
		return "held"
	}
	for _, ex := range execs {
		if ex.Purpose == risk.PurposeOpen || ex.Purpose == risk.PurposeManualClose {
			return "completed"
		}
	}
	return "fast_exit"
}
