package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// FuturesSource adapts the Binance USDⓈ-M futures REST API to Source.
type FuturesSource struct {
	client *futures.Client
}

func NewFuturesSource(client *futures.Client) *FuturesSource {
	return &FuturesSource{client: client}
}

func (s *FuturesSource) Bars(ctx context.Context, instrument, interval string, limit int) ([]Bar, error) {
	klines, err := s.client.NewKlinesService().
		Symbol(instrument).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", instrument, interval, err)
	}
	bars := make([]Bar, 0, len(klines))
	for _, k := range klines {
		bars = append(bars, Bar{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseF(k.Open),
			High:     parseF(k.High),
			Low:      parseF(k.Low),
			Close:    parseF(k.Close),
			Volume:   parseF(k.Volume),
		})
	}
	return bars, nil
}

func (s *FuturesSource) BookTop(ctx context.Context, instrument string) (BookTop, error) {
	depth, err := s.client.NewDepthService().Symbol(instrument).Limit(5).Do(ctx)
	if err != nil {
		return BookTop{}, fmt.Errorf("depth %s: %w", instrument, err)
	}
	var top BookTop
	if len(depth.Bids) > 0 {
		top.BidPrice = parseF(depth.Bids[0].Price)
		top.BidQty = parseF(depth.Bids[0].Quantity)
	}
	if len(depth.Asks) > 0 {
		top.AskPrice = parseF(depth.Asks[0].Price)
		top.AskQty = parseF(depth.Asks[0].Quantity)
	}
	return top, nil
}

func (s *FuturesSource) RecentTrades(ctx context.Context, instrument string, limit int) ([]Trade, error) {
	aggs, err := s.client.NewAggTradesService().Symbol(instrument).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("agg trades %s: %w", instrument, err)
	}
	trades := make([]Trade, 0, len(aggs))
	for _, a := range aggs {
		trades = append(trades, Trade{
			Price:      parseF(a.Price),
			Qty:        parseF(a.Quantity),
			Time:       time.UnixMilli(a.Timestamp),
			BuyerMaker: a.IsBuyerMaker,
		})
	}
	return trades, nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
