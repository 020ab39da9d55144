package trader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"aegis/risk"
)

// FuturesVenue implements Venue on the Binance USDⓈ-M futures API.
// Orders run in one-way position mode with ReduceOnly for closes.
type FuturesVenue struct {
	client *futures.Client

	// LOT_SIZE step per symbol, fetched once from exchange info
	stepSizes map[string]decimal.Decimal
	stepMutex sync.RWMutex

	lastTimeSync  time.Time
	timeSyncMutex sync.Mutex
}

func NewFuturesVenue(apiKey, secretKey string) *FuturesVenue {
	client := futures.NewClient(apiKey, secretKey)
	v := &FuturesVenue{
		client:    client,
		stepSizes: make(map[string]decimal.Decimal),
	}
	v.syncServerTime()
	return v
}

// syncServerTime reports clock drift against the venue. Large drift is
// the usual cause of -1021 timestamp rejections.
func (v *FuturesVenue) syncServerTime() {
	serverTime, err := v.client.NewServerTimeService().Do(context.Background())
	if err != nil {
		log.Printf("⚠️  Failed to get Binance server time: %v (will continue without sync)", err)
		return
	}
	offset := serverTime - time.Now().UnixMilli()
	if offset > 1000 || offset < -1000 {
		log.Printf("⚠️  Time offset detected: %d ms vs Binance server, sync your system clock", offset)
	} else {
		log.Printf("✓ Time synchronized with Binance server (offset: %d ms)", offset)
	}
}

// reSyncServerTime re-checks drift after a timestamp error, at most once
// per minute.
func (v *FuturesVenue) reSyncServerTime() {
	v.timeSyncMutex.Lock()
	defer v.timeSyncMutex.Unlock()
	if time.Since(v.lastTimeSync) < time.Minute {
		return
	}
	log.Printf("🔄 Re-syncing with Binance server time due to timestamp error...")
	v.syncServerTime()
	v.lastTimeSync = time.Now()
}

func isTimestampError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "-1021") ||
		strings.Contains(err.Error(), "Timestamp for this request"))
}

func (v *FuturesVenue) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	qty, err := v.formatQuantity(ctx, req.Instrument, req.Quantity)
	if err != nil {
		return nil, &ExecutionError{Kind: ExecRejected, OrderKey: req.ClientOrderID,
			Msg: "quantity formatting failed", Err: err}
	}

	side := futures.SideTypeBuy
	if req.Side == risk.OrderSell {
		side = futures.SideTypeSell
	}
	orderType := futures.OrderTypeMarket
	if req.Type == "limit" {
		orderType = futures.OrderTypeLimit
	}

	build := func() *futures.CreateOrderService {
		svc := v.client.NewCreateOrderService().
			Symbol(req.Instrument).
			Side(side).
			Type(orderType).
			Quantity(qty).
			NewClientOrderID(req.ClientOrderID)
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		if orderType == futures.OrderTypeLimit {
			svc = svc.Price(fmt.Sprintf("%.8f", req.Price)).
				TimeInForce(futures.TimeInForceTypeGTC)
		}
		return svc
	}

	order, err := build().Do(ctx)
	if isTimestampError(err) {
		v.reSyncServerTime()
		order, err = build().Do(ctx)
	}
	if err != nil {
		return nil, classifyOrderError(req.ClientOrderID, err)
	}

	log.Printf("✓ Order placed: %s %s %s qty=%s (id %d, status %s)",
		req.Instrument, side, orderType, qty, order.OrderID, order.Status)
	return &OrderAck{
		OrderID:   order.OrderID,
		Status:    string(order.Status),
		FilledQty: parseFloat(order.ExecutedQuantity),
		AvgPrice:  parseFloat(order.AvgPrice),
		Remaining: parseFloat(order.OrigQuantity) - parseFloat(order.ExecutedQuantity),
	}, nil
}

func (v *FuturesVenue) OrderStatus(ctx context.Context, instrument, clientOrderID string) (*OrderAck, error) {
	order, err := v.client.NewGetOrderService().
		Symbol(instrument).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("order status %s: %w", clientOrderID, err)
	}
	return &OrderAck{
		OrderID:   order.OrderID,
		Status:    string(order.Status),
		FilledQty: parseFloat(order.ExecutedQuantity),
		AvgPrice:  parseFloat(order.AvgPrice),
		Remaining: parseFloat(order.OrigQuantity) - parseFloat(order.ExecutedQuantity),
	}, nil
}

func (v *FuturesVenue) Position(ctx context.Context, instrument string) (*VenuePosition, error) {
	risks, err := v.client.NewGetPositionRiskService().Symbol(instrument).Do(ctx)
	if isTimestampError(err) {
		v.reSyncServerTime()
		risks, err = v.client.NewGetPositionRiskService().Symbol(instrument).Do(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("position risk %s: %w", instrument, err)
	}

	pos := &VenuePosition{Side: risk.SideFlat}
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		pos.Size = math.Abs(amt)
		pos.EntryPrice = parseFloat(r.EntryPrice)
		pos.MarkPrice = parseFloat(r.MarkPrice)
		pos.Leverage = int(parseFloat(r.Leverage))
		if amt > 0 {
			pos.Side = risk.SideLong
		} else {
			pos.Side = risk.SideShort
		}
		break
	}
	return pos, nil
}

func (v *FuturesVenue) MarkPrice(ctx context.Context, instrument string) (float64, error) {
	prices, err := v.client.NewListPricesService().Symbol(instrument).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("price %s: %w", instrument, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("price %s: empty result", instrument)
	}
	return parseFloat(prices[0].Price), nil
}

func (v *FuturesVenue) SetLeverage(ctx context.Context, instrument string, leverage int) error {
	_, err := v.client.NewChangeLeverageService().
		Symbol(instrument).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "No need to change") {
			return nil
		}
		return fmt.Errorf("set leverage %s %dx: %w", instrument, leverage, err)
	}
	log.Printf("  ✓ %s leverage set to %dx", instrument, leverage)
	return nil
}

func (v *FuturesVenue) CancelAll(ctx context.Context, instrument string) error {
	if err := v.client.NewCancelAllOpenOrdersService().Symbol(instrument).Do(ctx); err != nil {
		return fmt.Errorf("cancel all %s: %w", instrument, err)
	}
	return nil
}

// formatQuantity rounds down to the symbol's LOT_SIZE step so the venue
// does not reject on precision.
func (v *FuturesVenue) formatQuantity(ctx context.Context, instrument string, quantity float64) (string, error) {
	step, err := v.stepSize(ctx, instrument)
	if err != nil {
		log.Printf("  ⚠ %s step size unavailable (%v), defaulting to 3 decimals", instrument, err)
		return fmt.Sprintf("%.3f", quantity), nil
	}
	q := decimal.NewFromFloat(quantity)
	rounded := q.Div(step).Floor().Mul(step)
	if rounded.IsZero() {
		return "", fmt.Errorf("quantity %.10f below step size %s", quantity, step)
	}
	return rounded.String(), nil
}

func (v *FuturesVenue) stepSize(ctx context.Context, instrument string) (decimal.Decimal, error) {
	v.stepMutex.RLock()
	step, ok := v.stepSizes[instrument]
	v.stepMutex.RUnlock()
	if ok {
		return step, nil
	}

	info, err := v.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != instrument {
			continue
		}
		for _, filter := range s.Filters {
			if filter["filterType"] == "LOT_SIZE" {
				raw, _ := filter["stepSize"].(string)
				step, err = decimal.NewFromString(raw)
				if err != nil {
					return decimal.Decimal{}, fmt.Errorf("parse step size %q: %w", raw, err)
				}
				v.stepMutex.Lock()
				v.stepSizes[instrument] = step
				v.stepMutex.Unlock()
				return step, nil
			}
		}
	}
	return decimal.Decimal{}, fmt.Errorf("no LOT_SIZE filter for %s", instrument)
}

// classifyOrderError sorts a submission failure into the execution
// taxonomy. Timeouts are ambiguous: the order may have reached the venue.
func classifyOrderError(key string, err error) *ExecutionError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ExecutionError{Kind: ExecAmbiguousTimeout, OrderKey: key,
			Msg: "no confirmation before timeout", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ExecutionError{Kind: ExecAmbiguousTimeout, OrderKey: key,
			Msg: "no confirmation before timeout", Err: err}
	}
	return &ExecutionError{Kind: ExecRejected, OrderKey: key, Msg: "venue rejected order", Err: err}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
