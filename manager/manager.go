package manager

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"

	"aegis/config"
	"aegis/decision"
	"aegis/logger"
	"aegis/loop"
	"aegis/market"
	"aegis/mcp"
	"aegis/notify"
	"aegis/risk"
	"aegis/trader"
)

// Manager wires and owns one loop.Runner per configured instrument. The
// venue connection, inference client, audit store and notifier are shared;
// each instrument gets its own book, engine and runner.
type Manager struct {
	cfg      *config.Config
	store    *logger.Store
	notifier *notify.Notifier

	mu      sync.RWMutex
	runners map[string]*loop.Runner
	books   map[string]*risk.Book

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config) (*Manager, error) {
	store, err := logger.NewStore(logger.StoreOptions{
		DataDir:     cfg.Store.DataDir,
		DatabaseURL: cfg.Store.DatabaseURL,
		SessionID:   uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("open cycle store: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		notifier: notify.NewNotifier(cfg.WebhookURL),
		runners:  make(map[string]*loop.Runner),
		books:    make(map[string]*risk.Book),
	}

	client, err := newInferenceClient(cfg.AI)
	if err != nil {
		store.Close()
		return nil, err
	}
	gateway := decision.NewGateway(client)

	// Market data always comes from the public futures API; keys are only
	// needed for the order path.
	marketClient := futures.NewClient(cfg.Exchange.BinanceAPIKey, cfg.Exchange.BinanceSecretKey)
	source := market.NewFuturesSource(marketClient)

	var venue trader.Venue
	var priceSink loop.PriceSink
	switch cfg.Exchange.Mode {
	case "binance":
		venue = trader.NewFuturesVenue(cfg.Exchange.BinanceAPIKey, cfg.Exchange.BinanceSecretKey)
		log.Printf("💰 Live trading on Binance futures")
	default:
		paper := trader.NewPaperVenue()
		venue = paper
		priceSink = paper
		log.Printf("📄 Paper trading (no real orders)")
	}

	for _, inst := range cfg.Instruments {
		timeframes := make([]market.Timeframe, 0, len(inst.Timeframes))
		for _, tf := range inst.Timeframes {
			timeframes = append(timeframes, market.Timeframe{
				Interval: tf.Interval,
				Bars:     tf.Bars,
				MaxAge:   time.Duration(tf.MaxAgeMinutes) * time.Minute,
			})
		}

		book := risk.NewBook(inst.Symbol)
		runner := loop.NewRunner(loop.Options{
			Instrument: inst,
			Builder:    market.NewBuilder(source, timeframes, 100),
			Gateway:    gateway,
			Risk: risk.NewManager(risk.Limits{
				MaxLeverage:         inst.MaxLeverage,
				MaxPositionNotional: inst.MaxPositionNotional,
				MinPositionNotional: inst.MinPositionNotional,
				MinConfidence:       inst.MinConfidence,
			}),
			Engine:    trader.NewEngine(venue, book),
			Book:      book,
			Venue:     venue,
			Store:     store,
			Notifier:  m.notifier,
			Equity:    cfg.Exchange.Equity,
			PriceSink: priceSink,
		})
		m.runners[inst.Symbol] = runner
		m.books[inst.Symbol] = book
		log.Printf("✓ %s loop configured (cadence %s, fast check %s)",
			inst.Symbol, inst.Cadence(), inst.FastCheckInterval())
	}
	return m, nil
}

func newInferenceClient(ai config.AIConfig) (*mcp.Client, error) {
	client := mcp.New()
	switch ai.Provider {
	case "deepseek":
		client.SetDeepSeekAPIKey(ai.APIKey)
	case "qwen":
		client.SetQwenAPIKey(ai.APIKey)
	case "groq":
		client.SetGroqAPIKey(ai.APIKey, ai.Model)
	case "custom":
		client.SetCustomAPI(ai.BaseURL, ai.APIKey, ai.Model)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", ai.Provider)
	}
	if ai.Model != "" && ai.Provider != "groq" && ai.Provider != "custom" {
		client.Model = ai.Model
	}
	client.Timeout = ai.InferenceTimeout()
	client.MaxRetries = ai.MaxRetries
	return client, nil
}

// StartAll launches every runner. A panicking runner is logged with its
// stack and restarted after a short pause rather than taking down the
// process.
func (m *Manager) StartAll(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	m.mu.RLock()
	defer m.mu.RUnlock()

	log.Printf("🚀 Starting %d instrument loop(s)...", len(m.runners))
	for sym, r := range m.runners {
		m.wg.Add(1)
		go m.runLoop(ctx, sym, r)
	}
}

func (m *Manager) runLoop(ctx context.Context, sym string, r *loop.Runner) {
	defer m.wg.Done()
	for ctx.Err() == nil {
		err := func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("panic: %v", rec)
					log.Printf("🚨 PANIC in %s loop: %v\n%s", sym, rec, stackTrace())
				}
			}()
			return r.Run(ctx)
		}()
		if ctx.Err() != nil {
			return
		}
		log.Printf("❌ %s loop stopped: %v, restarting in 5s", sym, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func stackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// StopAll cancels every runner and waits for cycles in flight to finish
// their current step and persist.
func (m *Manager) StopAll() {
	if m.cancel != nil {
		log.Println("⏹  Stopping all loops...")
		m.cancel()
	}
	m.wg.Wait()
	m.store.Close()
}

// Instruments returns configured symbols in config order.
func (m *Manager) Instruments() []string {
	out := make([]string, 0, len(m.cfg.Instruments))
	for _, inst := range m.cfg.Instruments {
		out = append(out, inst.Symbol)
	}
	return out
}

// RunnerState reports the loop state for one instrument.
func (m *Manager) RunnerState(instrument string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[instrument]
	if !ok {
		return "", false
	}
	return r.State(), true
}

// Position returns a copy of the current position for one instrument.
func (m *Manager) Position(instrument string) (risk.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	book, ok := m.books[instrument]
	if !ok {
		return risk.Position{}, false
	}
	return book.Position(), true
}

// Store exposes the audit store to the status API.
func (m *Manager) Store() *logger.Store { return m.store }
