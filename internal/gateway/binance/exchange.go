// Package binance adapts the Binance USDⓈ-M futures API to the exchange
// contract.
package binance

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"tradeloop/internal/gateway/exchange"
	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/convert"
	symbolpkg "tradeloop/internal/pkg/symbol"
	"tradeloop/internal/resilience"
	"tradeloop/internal/types"
)

var (
	_ exchange.Exchange    = (*Exchange)(nil)
	_ exchange.MarketFeed  = (*Exchange)(nil)
	_ exchange.OrderReader = (*Exchange)(nil)
)

// Exchange implements exchange.Exchange on top of go-binance futures.
type Exchange struct {
	cfg    Config
	client *futures.Client

	mu          sync.Mutex
	tradeCancel context.CancelFunc

	statsMu sync.Mutex
	stats   FeedStats
}

func New(cfg Config) (*Exchange, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.SecretKey)
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Exchange{cfg: final, client: client}, nil
}

func (e *Exchange) Name() string { return "binance" }

// Authenticate issues a signed balance request; any auth rejection is
// surfaced as an AuthenticationError.
func (e *Exchange) Authenticate(ctx context.Context) error {
	if e.cfg.APIKey == "" || e.cfg.SecretKey == "" {
		return &resilience.AuthenticationError{Service: resilience.ServiceExchange, Err: fmt.Errorf("api key and secret are required")}
	}
	_, err := e.client.NewGetBalanceService().Do(ctx)
	return mapError(err)
}

func (e *Exchange) GetMarketData(ctx context.Context, sym string) (types.MarketSample, error) {
	internal := symbolpkg.Normalize(sym)
	clean := symbolpkg.Binance.ToExchange(sym)
	if internal == "" || clean == "" {
		return types.MarketSample{}, &types.ValidationError{Field: "symbol", Reason: "invalid symbol " + sym}
	}
	stats, err := e.client.NewListPriceChangeStatsService().Symbol(clean).Do(ctx)
	if err != nil {
		return types.MarketSample{}, mapError(err)
	}
	var st *futures.PriceChangeStats
	for _, item := range stats {
		if item != nil && strings.EqualFold(item.Symbol, clean) {
			st = item
			break
		}
	}
	if st == nil {
		return types.MarketSample{}, mapError(fmt.Errorf("no ticker for %s", clean))
	}
	price, err := convert.ParseFloat("lastPrice", st.LastPrice)
	if err != nil {
		return types.MarketSample{}, mapError(err)
	}
	sample := types.MarketSample{
		Symbol:    internal,
		Price:     price,
		Volume:    convert.FloatOrZero(st.Volume),
		High24h:   convert.FloatOrZero(st.HighPrice),
		Low24h:    convert.FloatOrZero(st.LowPrice),
		Change24h: convert.FloatOrZero(st.PriceChangePercent),
		Timestamp: time.UnixMilli(st.CloseTime),
	}
	if st.CloseTime <= 0 {
		sample.Timestamp = time.Now()
	}
	books, err := e.client.NewListBookTickersService().Symbol(clean).Do(ctx)
	if err != nil {
		logger.Debugf("[binance] book ticker %s: %v", clean, err)
		return sample, nil
	}
	for _, b := range books {
		if b != nil && strings.EqualFold(b.Symbol, clean) {
			sample.Bid = convert.FloatOrZero(b.BidPrice)
			sample.Ask = convert.FloatOrZero(b.AskPrice)
			break
		}
	}
	return sample, nil
}

func (e *Exchange) GetAccountBalance(ctx context.Context) (types.Balances, error) {
	res, err := e.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make(types.Balances, len(res))
	for _, b := range res {
		if b == nil {
			continue
		}
		total := convert.FloatOrZero(b.Balance)
		avail := convert.FloatOrZero(b.AvailableBalance)
		locked := total - avail
		if locked < 0 {
			locked = 0
		}
		out[strings.ToUpper(b.Asset)] = types.Balance{Available: avail, Locked: locked}
	}
	return out, nil
}

func (e *Exchange) PlaceBuyOrder(ctx context.Context, sym string, amount, price float64) (types.TradeExecution, error) {
	return e.placeOrder(ctx, sym, futures.SideTypeBuy, amount, price)
}

func (e *Exchange) PlaceSellOrder(ctx context.Context, sym string, amount, price float64) (types.TradeExecution, error) {
	return e.placeOrder(ctx, sym, futures.SideTypeSell, amount, price)
}

func (e *Exchange) placeOrder(ctx context.Context, sym string, side futures.SideType, amount, price float64) (types.TradeExecution, error) {
	if err := types.CheckPositive("amount", amount); err != nil {
		return types.TradeExecution{}, err
	}
	if err := types.CheckPositive("price", price); err != nil {
		return types.TradeExecution{}, err
	}
	clean := symbolpkg.Binance.ToExchange(sym)
	qty := convert.FormatFixed(amount, e.cfg.QuantityPrecision)
	if qty == "0" {
		return types.TradeExecution{}, &types.ValidationError{Field: "amount", Reason: "below exchange precision"}
	}
	res, err := e.client.NewCreateOrderService().
		Symbol(clean).
		Side(side).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(qty).
		Price(convert.FormatFixed(price, e.cfg.PricePrecision)).
		Do(ctx)
	if err != nil {
		return types.TradeExecution{}, mapError(err)
	}
	return e.executionFromOrder(sym, orderState{
		symbol:     res.Symbol,
		orderID:    res.OrderID,
		side:       res.Side,
		status:     res.Status,
		executed:   res.ExecutedQuantity,
		avgPrice:   res.AvgPrice,
		updateTime: res.UpdateTime,
	}, amount, price), nil
}

// GetOrder reports the state of an order id produced by the order methods.
// Amount is the executed quantity, zero while nothing has filled.
func (e *Exchange) GetOrder(ctx context.Context, orderID string) (types.TradeExecution, error) {
	sym, id, err := parseOrderID(orderID)
	if err != nil {
		return types.TradeExecution{}, err
	}
	o, err := e.client.NewGetOrderService().Symbol(sym).OrderID(id).Do(ctx)
	if err != nil {
		return types.TradeExecution{}, mapError(err)
	}
	exec := e.executionFromOrder(symbolpkg.Binance.FromExchange(o.Symbol), orderState{
		symbol:     o.Symbol,
		orderID:    o.OrderID,
		side:       o.Side,
		status:     o.Status,
		executed:   o.ExecutedQuantity,
		avgPrice:   o.AvgPrice,
		updateTime: o.UpdateTime,
	}, 0, convert.FloatOrZero(o.Price))
	return exec, nil
}

// orderState is the part of a futures order response the adapter reads.
type orderState struct {
	symbol     string
	orderID    int64
	side       futures.SideType
	status     futures.OrderStatusType
	executed   string
	avgPrice   string
	updateTime int64
}

// executionFromOrder falls back to the requested amount and price when the
// venue reports nothing executed yet.
func (e *Exchange) executionFromOrder(sym string, o orderState, amount, price float64) types.TradeExecution {
	filled := convert.FloatOrZero(o.executed)
	if filled <= 0 {
		filled = amount
	}
	fillPrice := convert.FloatOrZero(o.avgPrice)
	if fillPrice <= 0 {
		fillPrice = price
	}
	side := types.SideBuy
	if o.side == futures.SideTypeSell {
		side = types.SideSell
	}
	ts := time.UnixMilli(o.updateTime)
	if o.updateTime <= 0 {
		ts = time.Now()
	}
	orderID := formatOrderID(o.symbol, o.orderID)
	return types.TradeExecution{
		ID:        orderID,
		OrderID:   orderID,
		Symbol:    symbolpkg.Normalize(sym),
		Side:      side,
		Amount:    filled,
		Price:     fillPrice,
		Fee:       filled * fillPrice * e.cfg.FeeRate,
		Status:    mapOrderStatus(o.status),
		Timestamp: ts,
	}
}

func mapOrderStatus(s futures.OrderStatusType) types.ExecutionStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return types.ExecutionFilled
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return types.ExecutionPending
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return types.ExecutionCancelled
	default:
		return types.ExecutionFailed
	}
}

// GetOpenPositions returns non-zero futures positions. Negative position
// amounts are reported as sell-side positions.
func (e *Exchange) GetOpenPositions(ctx context.Context) ([]types.TradingPosition, error) {
	risks, err := e.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]types.TradingPosition, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		amt := convert.FloatOrZero(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := types.SideBuy
		if amt < 0 {
			side = types.SideSell
		}
		internal := symbolpkg.Binance.FromExchange(r.Symbol)
		pos := types.TradingPosition{
			ID:            "binance-" + r.Symbol + "-" + string(side),
			Symbol:        internal,
			Side:          side,
			Amount:        math.Abs(amt),
			EntryPrice:    convert.FloatOrZero(r.EntryPrice),
			CurrentPrice:  convert.FloatOrZero(r.MarkPrice),
			UnrealizedPnL: convert.FloatOrZero(r.UnRealizedProfit),
			Status:        types.PositionOpen,
			Timestamp:     time.Now(),
		}
		out = append(out, pos)
	}
	return out, nil
}

// CancelOrder takes ids of the form "SYMBOL:orderId" as produced by the
// order methods.
func (e *Exchange) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	sym, id, err := parseOrderID(orderID)
	if err != nil {
		return false, err
	}
	res, err := e.client.NewCancelOrderService().Symbol(sym).OrderID(id).Do(ctx)
	if err != nil {
		return false, mapError(err)
	}
	return res != nil && res.Status == futures.OrderStatusTypeCanceled, nil
}

func formatOrderID(sym string, id int64) string {
	return strings.ToUpper(sym) + ":" + strconv.FormatInt(id, 10)
}

func parseOrderID(raw string) (string, int64, error) {
	sym, idStr, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || sym == "" {
		return "", 0, &types.ValidationError{Field: "order_id", Reason: "expected SYMBOL:id, got " + raw}
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, &types.ValidationError{Field: "order_id", Reason: "invalid numeric id in " + raw}
	}
	return symbolpkg.Binance.ToExchange(sym), id, nil
}

func (e *Exchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tradeCancel != nil {
		e.tradeCancel()
		e.tradeCancel = nil
	}
	return nil
}
