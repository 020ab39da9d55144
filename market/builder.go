package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Source provides raw market data for one venue. Implementations must be
// safe for concurrent use; every call carries a context for timeout control.
type Source interface {
	Bars(ctx context.Context, instrument, interval string, limit int) ([]Bar, error)
	BookTop(ctx context.Context, instrument string) (BookTop, error)
	RecentTrades(ctx context.Context, instrument string, limit int) ([]Trade, error)
}

// Builder assembles point-in-time snapshots from a Source. The first
// timeframe in the list is the primary one: its close series feeds the
// indicator set and its latest close is the fallback reference price.
type Builder struct {
	source      Source
	timeframes  []Timeframe
	tradeWindow int
}

func NewBuilder(source Source, timeframes []Timeframe, tradeWindow int) *Builder {
	if tradeWindow <= 0 {
		tradeWindow = 100
	}
	return &Builder{source: source, timeframes: timeframes, tradeWindow: tradeWindow}
}

// Build collects bars for every configured timeframe plus book and trade
// data, computes indicators, and checks freshness. The returned snapshot
// is non-nil whenever at least the primary timeframe was fetched, even if
// the data is stale: a stale snapshot still carries the last known price
// so exit checks can run. The error is a *StaleDataError when any
// timeframe's latest bar is older than its bound or when a configured
// secondary timeframe came back unfetchable or empty.
func (b *Builder) Build(ctx context.Context, instrument string, now time.Time) (*Snapshot, error) {
	if len(b.timeframes) == 0 {
		return nil, fmt.Errorf("no timeframes configured for %s", instrument)
	}

	snap := &Snapshot{
		Instrument:  instrument,
		Series:      make(map[string][]Bar, len(b.timeframes)),
		CollectedAt: now,
	}

	var staleErr *StaleDataError
	for i, tf := range b.timeframes {
		bars, err := b.source.Bars(ctx, instrument, tf.Interval, tf.Bars)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("fetch %s %s bars: %w", instrument, tf.Interval, err)
			}
			// A configured timeframe the model cannot see is as dangerous as
			// an old one: directive admission must be blocked.
			log.Printf("⚠️  %s: %s bars unavailable: %v", instrument, tf.Interval, err)
			if staleErr == nil {
				staleErr = &StaleDataError{Instrument: instrument, Interval: tf.Interval, Err: err}
			}
			continue
		}
		if len(bars) == 0 {
			if i == 0 {
				return nil, fmt.Errorf("fetch %s %s bars: empty result", instrument, tf.Interval)
			}
			log.Printf("⚠️  %s: %s bars empty", instrument, tf.Interval)
			if staleErr == nil {
				staleErr = &StaleDataError{Instrument: instrument, Interval: tf.Interval,
					Err: errors.New("empty result")}
			}
			continue
		}
		snap.Series[tf.Interval] = bars

		age := now.Sub(bars[len(bars)-1].OpenTime)
		if tf.MaxAge > 0 && age > tf.MaxAge && staleErr == nil {
			staleErr = &StaleDataError{
				Instrument: instrument,
				Interval:   tf.Interval,
				Age:        age,
				MaxAge:     tf.MaxAge,
			}
		}
	}

	primary := snap.Series[b.timeframes[0].Interval]
	closes := Closes(primary)
	snap.LastPrice = closes[len(closes)-1]
	snap.Indicators = Indicators{
		EMA20:       EMA(closes, 20),
		EMA50:       EMA(closes, 50),
		RSI7:        RSI(closes, 7),
		RSI14:       RSI(closes, 14),
		ATR14:       ATR(primary, 14),
		RealizedVol: RealizedVol(closes),
	}
	snap.Indicators.MACD, snap.Indicators.MACDSignal = MACD(closes)

	// Book and trade data refine the snapshot but their absence does not
	// fail the cycle.
	if book, err := b.source.BookTop(ctx, instrument); err != nil {
		log.Printf("⚠️  %s: order book unavailable: %v", instrument, err)
	} else {
		snap.Book = book
	}
	if trades, err := b.source.RecentTrades(ctx, instrument, b.tradeWindow); err != nil {
		log.Printf("⚠️  %s: recent trades unavailable: %v", instrument, err)
	} else {
		snap.Flow = computeFlow(trades)
	}

	if staleErr != nil {
		snap.Stale = true
		snap.StaleReason = staleErr.Error()
		return snap, staleErr
	}
	return snap, nil
}

func computeFlow(trades []Trade) TradeFlow {
	var flow TradeFlow
	for _, t := range trades {
		if t.BuyerMaker {
			flow.SellVolume += t.Qty
		} else {
			flow.BuyVolume += t.Qty
		}
	}
	total := flow.BuyVolume + flow.SellVolume
	if total > 0 {
		flow.Imbalance = (flow.BuyVolume - flow.SellVolume) / total
	}
	return flow
}
