package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/symbol"
	"tradeloop/internal/pkg/trading"
	"tradeloop/internal/resilience"
	"tradeloop/internal/types"
)

// PaperConfig seeds the simulated account.
type PaperConfig struct {
	QuoteCurrency  string
	InitialBalance float64
	FeeRate        float64
	Prices         map[string]float64
	FeedInterval   time.Duration
	Volatility     float64
}

type paperOrder struct {
	exec types.TradeExecution
}

// Paper is an in-memory exchange that fills every order immediately at the
// requested price. Long positions only; sells reduce holdings.
type Paper struct {
	mu        sync.Mutex
	cfg       PaperConfig
	balances  types.Balances
	positions map[string]*types.TradingPosition
	prices    map[string]float64
	orders    map[string]paperOrder
	authErr   error
	failNext  error
	rng       *rand.Rand
	nowFn     func() time.Time
}

func NewPaper(cfg PaperConfig) *Paper {
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USDT"
	}
	if cfg.FeedInterval <= 0 {
		cfg.FeedInterval = 5 * time.Second
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.002
	}
	p := &Paper{
		cfg:       cfg,
		balances:  types.Balances{cfg.QuoteCurrency: {Available: cfg.InitialBalance}},
		positions: make(map[string]*types.TradingPosition),
		prices:    make(map[string]float64),
		orders:    make(map[string]paperOrder),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:     time.Now,
	}
	for s, px := range cfg.Prices {
		p.prices[symbol.Normalize(s)] = px
	}
	return p
}

func (p *Paper) Name() string { return "paper" }

// SetAuthError makes Authenticate fail; nil restores success.
func (p *Paper) SetAuthError(err error) {
	p.mu.Lock()
	p.authErr = err
	p.mu.Unlock()
}

// FailNext makes the next order call return err.
func (p *Paper) FailNext(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

// SetPrice moves the simulated market and marks positions to it.
func (p *Paper) SetPrice(sym string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym = symbol.Normalize(sym)
	p.prices[sym] = price
	if pos, ok := p.positions[sym]; ok {
		pos.MarkToMarket(price)
	}
}

func (p *Paper) Authenticate(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authErr != nil {
		return &resilience.AuthenticationError{Service: resilience.ServiceExchange, Err: p.authErr}
	}
	return nil
}

func (p *Paper) GetMarketData(_ context.Context, sym string) (types.MarketSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampleLocked(symbol.Normalize(sym))
}

func (p *Paper) sampleLocked(sym string) (types.MarketSample, error) {
	px, ok := p.prices[sym]
	if !ok || px <= 0 {
		return types.MarketSample{}, &resilience.ServiceError{Service: resilience.ServiceExchange, Err: fmt.Errorf("no price for %s", sym)}
	}
	return types.MarketSample{
		Symbol:    sym,
		Price:     px,
		Volume:    1,
		Bid:       px * 0.9995,
		Ask:       px * 1.0005,
		Timestamp: p.nowFn(),
	}, nil
}

func (p *Paper) GetAccountBalance(context.Context) (types.Balances, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances.Clone(), nil
}

func (p *Paper) takeFailure() error {
	err := p.failNext
	p.failNext = nil
	return err
}

func (p *Paper) PlaceBuyOrder(_ context.Context, sym string, amount, price float64) (types.TradeExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return types.TradeExecution{}, err
	}
	if err := checkOrder(amount, price); err != nil {
		return types.TradeExecution{}, err
	}
	sym = symbol.Normalize(sym)
	notional := trading.Notional(amount, price)
	fee := trading.Fee(notional, p.cfg.FeeRate)
	quote := p.balances[p.cfg.QuoteCurrency]
	if quote.Available < notional+fee {
		return types.TradeExecution{}, &types.ValidationError{Field: "balance", Reason: fmt.Sprintf("insufficient %s: need %.2f have %.2f", p.cfg.QuoteCurrency, notional+fee, quote.Available)}
	}
	quote.Available -= notional + fee
	p.balances[p.cfg.QuoteCurrency] = quote

	now := p.nowFn()
	if pos, ok := p.positions[sym]; ok {
		pos.EntryPrice = trading.WeightedEntry(pos.Amount, pos.EntryPrice, amount, price)
		pos.Amount += amount
		pos.MarkToMarket(p.markLocked(sym, price))
	} else {
		pos := &types.TradingPosition{
			ID:         uuid.NewString(),
			Symbol:     sym,
			Side:       types.SideBuy,
			Amount:     amount,
			EntryPrice: price,
			Status:     types.PositionOpen,
			Timestamp:  now,
		}
		pos.MarkToMarket(p.markLocked(sym, price))
		p.positions[sym] = pos
	}
	return p.recordLocked(sym, types.SideBuy, amount, price, fee, now), nil
}

func (p *Paper) PlaceSellOrder(_ context.Context, sym string, amount, price float64) (types.TradeExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return types.TradeExecution{}, err
	}
	if err := checkOrder(amount, price); err != nil {
		return types.TradeExecution{}, err
	}
	sym = symbol.Normalize(sym)
	pos, ok := p.positions[sym]
	if !ok || pos.Amount <= 0 {
		return types.TradeExecution{}, &types.ValidationError{Field: "position", Reason: "no holdings for " + sym}
	}
	if amount > pos.Amount {
		amount = pos.Amount
	}
	notional := trading.Notional(amount, price)
	fee := trading.Fee(notional, p.cfg.FeeRate)
	quote := p.balances[p.cfg.QuoteCurrency]
	quote.Available += notional - fee
	p.balances[p.cfg.QuoteCurrency] = quote

	pos.Amount = trading.Reduce(pos.Amount, amount)
	if pos.Amount <= 0 {
		delete(p.positions, sym)
	} else {
		pos.MarkToMarket(p.markLocked(sym, price))
	}
	return p.recordLocked(sym, types.SideSell, amount, price, fee, p.nowFn()), nil
}

func (p *Paper) markLocked(sym string, fallback float64) float64 {
	if px, ok := p.prices[sym]; ok && px > 0 {
		return px
	}
	p.prices[sym] = fallback
	return fallback
}

func (p *Paper) recordLocked(sym string, side types.Side, amount, price, fee float64, at time.Time) types.TradeExecution {
	exec := types.TradeExecution{
		ID:        uuid.NewString(),
		OrderID:   uuid.NewString(),
		Symbol:    sym,
		Side:      side,
		Amount:    amount,
		Price:     price,
		Fee:       fee,
		Status:    types.ExecutionFilled,
		Timestamp: at,
	}
	p.orders[exec.OrderID] = paperOrder{exec: exec}
	logger.Debugf("paper %s %s amount=%.6f price=%.4f fee=%.4f", side, sym, amount, price, fee)
	return exec
}

func checkOrder(amount, price float64) error {
	if err := types.CheckPositive("amount", amount); err != nil {
		return err
	}
	return types.CheckPositive("price", price)
}

func (p *Paper) GetOpenPositions(context.Context) ([]types.TradingPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.TradingPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *Paper) GetOrder(_ context.Context, orderID string) (types.TradeExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return types.TradeExecution{}, &types.ValidationError{Field: "order_id", Reason: "unknown order " + orderID}
	}
	return o.exec, nil
}

// CancelOrder only succeeds for orders that are still pending; paper orders
// fill immediately so known ids report false.
func (p *Paper) CancelOrder(_ context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return false, &types.ValidationError{Field: "order_id", Reason: "unknown order " + orderID}
	}
	if o.exec.Status != types.ExecutionPending {
		return false, nil
	}
	o.exec.Status = types.ExecutionCancelled
	p.orders[orderID] = o
	return true, nil
}

// SubscribeMarketData emits a random-walk sample per symbol every feed
// interval until stopped.
func (p *Paper) SubscribeMarketData(ctx context.Context, symbols []string, handler func(types.MarketSample)) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("paper feed: nil handler")
	}
	syms := symbol.NormalizeList(symbols)
	fctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(p.cfg.FeedInterval)
		defer ticker.Stop()
		for {
			select {
			case <-fctx.Done():
				return
			case <-ticker.C:
			}
			for _, s := range syms {
				p.mu.Lock()
				if px, ok := p.prices[s]; ok && px > 0 {
					step := 1 + (p.rng.Float64()*2-1)*p.cfg.Volatility
					p.prices[s] = px * step
					if pos, ok := p.positions[s]; ok {
						pos.MarkToMarket(p.prices[s])
					}
				}
				sample, err := p.sampleLocked(s)
				p.mu.Unlock()
				if err != nil {
					continue
				}
				handler(sample)
			}
		}
	}()
	return cancel, nil
}
