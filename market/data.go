package market

import (
	"fmt"
	"time"
)

// Bar one OHLCV candle
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Timeframe a candle interval tracked by the snapshot builder
type Timeframe struct {
	Interval string        `json:"interval"` // Binance kline interval, e.g. "3m", "15m", "4h"
	Bars     int           `json:"bars"`     // Rolling window size
	MaxAge   time.Duration `json:"-"`        // Freshness bound for the latest bar
}

// BookTop best bid/ask at snapshot time
type BookTop struct {
	BidPrice float64 `json:"bid_price"`
	BidQty   float64 `json:"bid_qty"`
	AskPrice float64 `json:"ask_price"`
	AskQty   float64 `json:"ask_qty"`
}

// Trade one recent aggregated trade
type Trade struct {
	Price      float64
	Qty        float64
	Time       time.Time
	BuyerMaker bool // true = sell aggression (buyer was the resting order)
}

// TradeFlow aggregated taker flow over the recent trade window
type TradeFlow struct {
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
	Imbalance  float64 `json:"imbalance"` // (buy-sell)/(buy+sell), range [-1, 1]
}

// Indicators computed technical indicator set (primary timeframe)
type Indicators struct {
	EMA20       float64 `json:"ema20"`
	EMA50       float64 `json:"ema50"`
	RSI7        float64 `json:"rsi7"`
	RSI14       float64 `json:"rsi14"`
	MACD        float64 `json:"macd"`
	MACDSignal  float64 `json:"macd_signal"`
	ATR14       float64 `json:"atr14"`
	RealizedVol float64 `json:"realized_vol"` // Std dev of log returns over the window
}

// Snapshot one instrument's market state at a point in time
type Snapshot struct {
	Instrument  string           `json:"instrument"`
	Series      map[string][]Bar `json:"series"` // Keyed by interval, oldest first
	Book        BookTop          `json:"book"`
	Flow        TradeFlow        `json:"flow"`
	Indicators  Indicators       `json:"indicators"`
	LastPrice   float64          `json:"last_price"`
	CollectedAt time.Time        `json:"collected_at"`
	Stale       bool             `json:"stale"`
	StaleReason string           `json:"stale_reason,omitempty"`
}

// Price returns the best available reference price: mid if the book is
// populated, otherwise the last close. Exit checks rely on this never
// being zero when at least one timeframe was fetched.
func (s *Snapshot) Price() float64 {
	if s.Book.BidPrice > 0 && s.Book.AskPrice > 0 {
		return (s.Book.BidPrice + s.Book.AskPrice) / 2
	}
	return s.LastPrice
}

// StaleDataError reports a timeframe whose latest bar exceeded its
// freshness bound, or a configured timeframe that could not be fetched
// at all. New directives are blocked on stale data; exit checks still
// run off the snapshot's last known price.
type StaleDataError struct {
	Instrument string
	Interval   string
	Age        time.Duration
	MaxAge     time.Duration
	Err        error // Set when the timeframe was unfetchable rather than old
}

func (e *StaleDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stale market data: %s %s bars unavailable: %v",
			e.Instrument, e.Interval, e.Err)
	}
	return fmt.Sprintf("stale market data: %s %s latest bar is %s old (max %s)",
		e.Instrument, e.Interval, e.Age.Round(time.Second), e.MaxAge)
}

func (e *StaleDataError) Unwrap() error { return e.Err }
