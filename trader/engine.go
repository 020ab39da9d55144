package trader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"aegis/risk"
)

// ExecutionResult outcome of one intent, recorded in the cycle record.
type ExecutionResult struct {
	Key        string             `json:"key"`
	Purpose    risk.IntentPurpose `json:"purpose"`
	Status     string             `json:"status"` // filled, partial, rejected, ambiguous, skipped
	FilledSize float64            `json:"filled_size"`
	AvgPrice   float64            `json:"avg_price"`
	Error      string             `json:"error,omitempty"`
	Time       time.Time          `json:"time"`
}

func (r ExecutionResult) filled() bool {
	return r.Status == "filled" || r.Status == "partial"
}

// Engine converts order intents into venue calls and owns the sole write
// path into the position book: reconciliation against the venue after
// every batch. Everything else reads copies.
type Engine struct {
	venue Venue
	book  *risk.Book

	mu      sync.Mutex
	done    map[string]ExecutionResult // Completed intent keys, for retry dedup
	pending *deferredReconcile         // Set when the post-batch venue query failed
}

// deferredReconcile carries a reconciliation that could not complete
// because the venue position query failed, so Resync can replay it with
// the decision's exit-rule replacement intact.
type deferredReconcile struct {
	dec           risk.Decision
	consumed      []int
	hasOpenIntent bool
	openFilled    bool
}

func NewEngine(venue Venue, book *risk.Book) *Engine {
	return &Engine{
		venue: venue,
		book:  book,
		done:  make(map[string]ExecutionResult),
	}
}

// Execute runs the decision's intents strictly in order (closes before
// opens), then reconciles the position book against the venue. A failed
// intent is recorded and skipped over; it never aborts the rest of the
// batch, since a failed open must not block a protective exit.
func (e *Engine) Execute(ctx context.Context, dec risk.Decision) []ExecutionResult {
	results := make([]ExecutionResult, 0, len(dec.Intents))

	var consumedRules []int
	hasOpenIntent := false
	openFilled := false
	awaitingFlat := false

	for _, intent := range dec.Intents {
		if intent.Purpose == risk.PurposeOpen {
			hasOpenIntent = true
		}

		if prev, ok := e.alreadyDone(intent.Key); ok {
			log.Printf("  ↩ %s already executed (status %s), skipping resubmit", intent.Key, prev.Status)
			results = append(results, ExecutionResult{
				Key: intent.Key, Purpose: intent.Purpose, Status: "skipped",
				Error: "duplicate intent key", Time: time.Now(),
			})
			continue
		}

		// A side-flip open goes out only after the close confirmed flat.
		if intent.Purpose == risk.PurposeOpen && awaitingFlat {
			results = append(results, ExecutionResult{
				Key: intent.Key, Purpose: intent.Purpose, Status: "skipped",
				Error: "close did not confirm flat, open dropped this cycle", Time: time.Now(),
			})
			continue
		}

		if intent.Purpose == risk.PurposeOpen && intent.Leverage > 0 {
			if err := e.venue.SetLeverage(ctx, intent.Instrument, intent.Leverage); err != nil {
				log.Printf("  ⚠ %s: %v (continuing with current leverage)", intent.Instrument, err)
			}
		}

		res := e.submit(ctx, intent)
		results = append(results, res)
		if res.filled() {
			e.markDone(res)
			if intent.Purpose == risk.PurposeTPExit || intent.Purpose == risk.PurposeSLExit {
				consumedRules = append(consumedRules, intent.ExitRuleIndex)
			}
			if intent.Purpose == risk.PurposeOpen {
				openFilled = true
			}
		}

		if intent.Purpose == risk.PurposeManualClose {
			awaitingFlat = !e.confirmedFlat(ctx, intent.Instrument)
		}
	}

	if err := e.reconcileWithRetry(ctx, dec, consumedRules, hasOpenIntent, openFilled); err != nil {
		// A fill the book does not know about is live unprotected exposure.
		// Flag the desync so new opens are refused until Resync succeeds.
		e.mu.Lock()
		e.pending = &deferredReconcile{
			dec: dec, consumed: consumedRules,
			hasOpenIntent: hasOpenIntent, openFilled: openFilled,
		}
		e.mu.Unlock()
		e.book.MarkDesynced()
		log.Printf("⚠️  %s: reconciliation failed: %v (book marked desynced, new opens blocked)",
			e.book.Position().Instrument, err)
	}
	return results
}

func (e *Engine) reconcileWithRetry(ctx context.Context, dec risk.Decision, consumed []int, hasOpenIntent, openFilled bool) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return err
			}
		}
		if err = e.reconcile(ctx, dec, consumed, hasOpenIntent, openFilled); err == nil {
			return nil
		}
	}
	return err
}

// Resync replays a deferred reconciliation once the venue answers again.
// No-op while the book is in sync.
func (e *Engine) Resync(ctx context.Context) error {
	if !e.book.Desynced() {
		return nil
	}
	e.mu.Lock()
	p := e.pending
	e.mu.Unlock()
	if p == nil {
		return e.reconcile(ctx, risk.Decision{}, nil, false, false)
	}
	return e.reconcile(ctx, p.dec, p.consumed, p.hasOpenIntent, p.openFilled)
}

// submit places one order. An ambiguous timeout triggers a status query
// before any retry so the same order is never filled twice; the retry
// reuses the intent key, which the venue dedupes by client order id.
func (e *Engine) submit(ctx context.Context, intent risk.OrderIntent) ExecutionResult {
	res := ExecutionResult{Key: intent.Key, Purpose: intent.Purpose, Time: time.Now()}

	req := OrderRequest{
		ClientOrderID: intent.Key,
		Instrument:    intent.Instrument,
		Side:          intent.Side,
		Type:          intent.Type,
		Quantity:      intent.Size,
		Price:         intent.Price,
		ReduceOnly:    intent.ReduceOnly,
	}

	ack, err := e.venue.PlaceOrder(ctx, req)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) && execErr.Kind == ExecAmbiguousTimeout {
			ack, err = e.resolveAmbiguous(ctx, req)
		}
	}
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) && execErr.Kind == ExecAmbiguousTimeout {
			res.Status = "ambiguous"
		} else {
			res.Status = "rejected"
		}
		res.Error = err.Error()
		log.Printf("❌ %s %s: %v", intent.Instrument, intent.Purpose, err)
		return res
	}

	// Market orders occasionally ack before the fill lands; one status
	// query settles the final quantities.
	if ack.FilledQty == 0 {
		if status, serr := e.venue.OrderStatus(ctx, intent.Instrument, intent.Key); serr == nil {
			ack = status
		}
	}

	res.FilledSize = ack.FilledQty
	res.AvgPrice = ack.AvgPrice
	switch {
	case ack.FilledQty > 0 && ack.Remaining > 0 && intent.Type == "limit":
		// Remainder stays resting on the venue.
		res.Status = "partial"
	case ack.FilledQty > 0:
		res.Status = "filled"
	default:
		res.Status = "rejected"
		res.Error = fmt.Sprintf("order acked but nothing filled (status %s)", ack.Status)
	}
	return res
}

// resolveAmbiguous handles a timeout with no confirmation: first ask the
// venue whether the order exists, and only if it does not, resubmit once
// under the same key.
func (e *Engine) resolveAmbiguous(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if ack, err := e.venue.OrderStatus(ctx, req.Instrument, req.ClientOrderID); err == nil {
		log.Printf("  ✓ %s: order found on venue after timeout, no retry needed", req.ClientOrderID)
		return ack, nil
	}
	log.Printf("  🔁 %s: order not found on venue, retrying under the same key", req.ClientOrderID)
	return e.venue.PlaceOrder(ctx, req)
}

func (e *Engine) confirmedFlat(ctx context.Context, instrument string) bool {
	pos, err := e.venue.Position(ctx, instrument)
	if err != nil {
		log.Printf("  ⚠ %s: cannot confirm flat after close: %v", instrument, err)
		return false
	}
	return pos.Side == risk.SideFlat
}

// reconcile overwrites the local book with venue-reported size and entry
// price, then rebuilds the exit-rule set: a confirmed open or adjust
// installs the decision's replacement set atomically, a consumed rule is
// pruned, and a side change or flat position invalidates everything.
func (e *Engine) reconcile(ctx context.Context, dec risk.Decision, consumed []int, hasOpenIntent, openFilled bool) error {
	old := e.book.Position()

	vpos, err := e.venue.Position(ctx, old.Instrument)
	if err != nil {
		return err
	}

	next := risk.Position{
		Instrument: old.Instrument,
		Side:       vpos.Side,
		Size:       vpos.Size,
		EntryPrice: vpos.EntryPrice,
		Leverage:   vpos.Leverage,
		UpdatedAt:  time.Now(),
	}
	if next.Leverage == 0 {
		next.Leverage = old.Leverage
	}

	switch {
	case next.Flat():
		next.ExitRules = nil
		next.ExitRevision = old.ExitRevision + 1
	case dec.HasReplacement && (!hasOpenIntent || openFilled):
		next.ExitRules = append([]risk.ExitRule(nil), dec.ReplaceExits...)
		next.ExitRevision = old.ExitRevision + 1
	case next.Side == old.Side:
		next.ExitRules = pruneRules(old.ExitRules, consumed)
		next.ExitRevision = old.ExitRevision
		if len(consumed) > 0 {
			next.ExitRevision++
		}
	default:
		// Side changed without an accepted replacement set: old rules are
		// for the wrong side, drop them all.
		next.ExitRules = nil
		next.ExitRevision = old.ExitRevision + 1
	}

	if old.Side != next.Side || old.Size != next.Size {
		log.Printf("🔄 %s reconciled: %s %.6g @ %.6g (was %s %.6g)",
			next.Instrument, next.Side, next.Size, next.EntryPrice, old.Side, old.Size)
	}
	e.book.Set(next)
	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
	return nil
}

// Restore rebuilds the book from the venue, for startup. Locally cached
// position state is never trusted across restarts; exit rules are
// reinstalled separately by the orchestrator if the recorded side still
// matches.
func (e *Engine) Restore(ctx context.Context, rules []risk.ExitRule) (risk.Position, error) {
	old := e.book.Position()
	vpos, err := e.venue.Position(ctx, old.Instrument)
	if err != nil {
		return risk.Position{}, fmt.Errorf("restore %s: %w", old.Instrument, err)
	}
	next := risk.Position{
		Instrument: old.Instrument,
		Side:       vpos.Side,
		Size:       vpos.Size,
		EntryPrice: vpos.EntryPrice,
		Leverage:   vpos.Leverage,
		UpdatedAt:  time.Now(),
	}
	if !next.Flat() && len(rules) > 0 {
		next.ExitRules = append([]risk.ExitRule(nil), rules...)
	}
	next.ExitRevision = old.ExitRevision + 1
	e.book.Set(next)
	log.Printf("🔁 %s restored from venue: %s %.6g @ %.6g (%d exit rules)",
		next.Instrument, next.Side, next.Size, next.EntryPrice, len(next.ExitRules))
	return next, nil
}

func (e *Engine) alreadyDone(key string) (ExecutionResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.done[key]
	return res, ok
}

func (e *Engine) markDone(res ExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Bounded memory: completed exits are also pruned from the rule set,
	// so dropping old keys cannot resurrect an order.
	if len(e.done) > 1024 {
		e.done = make(map[string]ExecutionResult)
	}
	e.done[res.Key] = res
}

func pruneRules(rules []risk.ExitRule, consumed []int) []risk.ExitRule {
	if len(consumed) == 0 {
		return append([]risk.ExitRule(nil), rules...)
	}
	drop := make(map[int]bool, len(consumed))
	for _, i := range consumed {
		drop[i] = true
	}
	out := make([]risk.ExitRule, 0, len(rules))
	for i, r := range rules {
		if !drop[i] {
			out = append(out, r)
		}
	}
	return out
}
