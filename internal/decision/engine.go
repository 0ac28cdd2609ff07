// Package decision turns signals and market samples into trading decisions
// and runs the periodic stop-loss / take-profit sweep.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeloop/internal/logger"
	"tradeloop/internal/metrics"
	"tradeloop/internal/pkg/trading"
	"tradeloop/internal/risk"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/types"
)

var log = logger.Named("decision")

var (
	// ErrThrottled means a non-hold decision for the symbol was issued less
	// than the throttle window ago. The signal may be retried later.
	ErrThrottled = errors.New("decision throttled")
	// ErrStaleSignal means the signal is older than the max age and must be
	// dropped.
	ErrStaleSignal = errors.New("stale signal")
)

// RiskChecker is the subset of the risk engine used here.
type RiskChecker interface {
	SizePosition(signal types.TradingSignal, availableBalance float64) float64
	Validate(req risk.TradeRequest) risk.Verdict
	CheckStopLoss(p types.TradingPosition) bool
	Limits() risk.Limits
}

type Config struct {
	MinConfidence         float64
	MaxPositionsPerSymbol int
	MinTradeValue         float64
	ThrottleWindow        time.Duration
	SignalMaxAge          time.Duration
	SweepInterval         time.Duration

	IncreaseMinGainPct    float64
	IncreaseMinConfidence float64
	IncreaseMinBalance    float64

	TakeProfitPct        float64
	TakeProfitFraction   float64
	TakeProfitConfidence float64
	ConcentrationPct     float64
}

func DefaultConfig() Config {
	return Config{
		MinConfidence:         0.6,
		MaxPositionsPerSymbol: 1,
		MinTradeValue:         10,
		ThrottleWindow:        time.Minute,
		SignalMaxAge:          5 * time.Minute,
		SweepInterval:         30 * time.Second,
		IncreaseMinGainPct:    2,
		IncreaseMinConfidence: 0.8,
		IncreaseMinBalance:    50,
		TakeProfitPct:         10,
		TakeProfitFraction:    0.5,
		TakeProfitConfidence:  0.8,
		ConcentrationPct:      30,
	}
}

// View is a read-only copy of session state handed to the engine.
type View struct {
	Positions        []types.TradingPosition
	AvailableBalance float64
}

func (v View) openFor(symbol string) []types.TradingPosition {
	var out []types.TradingPosition
	for _, p := range v.Positions {
		if p.Symbol == symbol && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

func (v View) find(symbol string, side types.Side) (types.TradingPosition, bool) {
	for _, p := range v.openFor(symbol) {
		if p.Side == side {
			return p, true
		}
	}
	return types.TradingPosition{}, false
}

// Engine is safe for concurrent use; its throttle map and sample cache sit
// behind one mutex.
type Engine struct {
	cfg  Config
	risk RiskChecker

	mu            sync.Mutex
	lastDecision  map[string]time.Time
	lastRebalance map[string]time.Time
	samples       map[string]types.MarketSample

	out   chan types.TradingDecision
	nowFn func() time.Time
}

func NewEngine(cfg Config, rc RiskChecker) *Engine {
	return &Engine{
		cfg:           cfg,
		risk:          rc,
		lastDecision:  make(map[string]time.Time),
		lastRebalance: make(map[string]time.Time),
		samples:       make(map[string]types.MarketSample),
		out:           make(chan types.TradingDecision, 64),
		nowFn:         time.Now,
	}
}

// Decisions streams sweep decisions. The session is the only subscriber.
func (e *Engine) Decisions() <-chan types.TradingDecision {
	return e.out
}

// UpdateSample refreshes the price cache used by the sweep.
func (e *Engine) UpdateSample(s types.MarketSample) {
	e.mu.Lock()
	e.samples[s.Symbol] = s
	e.mu.Unlock()
}

func (e *Engine) sample(symbol string) (types.MarketSample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.samples[symbol]
	return s, ok
}

func (e *Engine) hold(symbol, reason string, conf float64) types.TradingDecision {
	return types.TradingDecision{
		ID:         uuid.NewString(),
		Action:     types.ActionHold,
		Symbol:     symbol,
		Confidence: conf,
		Reasoning:  reason,
		Timestamp:  e.nowFn(),
		Source:     types.SourceSignal,
	}
}

func (e *Engine) throttled(symbol string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastDecision[symbol]
	return ok && now.Sub(last) < e.cfg.ThrottleWindow
}

func (e *Engine) markIssued(symbol string, at time.Time) {
	e.mu.Lock()
	e.lastDecision[symbol] = at
	e.mu.Unlock()
}

// rebalanceDue reports whether a rebalance flag for symbol may be raised
// again and, if so, records it. Flags share the throttle window but not the
// signal throttle, so they never hold back trading.
func (e *Engine) rebalanceDue(symbol string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastRebalance[symbol]; ok && now.Sub(last) < e.cfg.ThrottleWindow {
		return false
	}
	e.lastRebalance[symbol] = now
	return true
}

// Evaluate routes signal by action after the staleness and throttle gates.
func (e *Engine) Evaluate(signal types.TradingSignal, sample types.MarketSample, view View) (types.TradingDecision, error) {
	now := e.nowFn()
	if e.cfg.SignalMaxAge > 0 && now.Sub(signal.Timestamp) > e.cfg.SignalMaxAge {
		return types.TradingDecision{}, fmt.Errorf("%w: %s signal from %s", ErrStaleSignal, signal.Symbol, signal.Timestamp.Format(time.RFC3339))
	}
	if e.throttled(signal.Symbol, now) {
		return types.TradingDecision{}, ErrThrottled
	}
	signal.Confidence = types.NormalizeConfidence(signal.Confidence)

	var d types.TradingDecision
	switch signal.Action {
	case types.ActionBuy:
		d = e.EvaluateBuy(signal, sample, view)
	case types.ActionSell:
		d = e.EvaluateSell(signal, sample, view)
	default:
		d = e.hold(signal.Symbol, "signal is hold", signal.Confidence)
	}
	if !d.IsHold() {
		e.markIssued(d.Symbol, now)
	}
	metrics.ObserveDecision(string(d.Action), string(d.Source))
	return d, nil
}

// EvaluateBuy opens (or, with a same-side position, increases) a long.
func (e *Engine) EvaluateBuy(signal types.TradingSignal, sample types.MarketSample, view View) types.TradingDecision {
	conf := types.NormalizeConfidence(signal.Confidence)
	if conf < e.cfg.MinConfidence {
		return e.hold(signal.Symbol, fmt.Sprintf("confidence %.2f below threshold %.2f", conf, e.cfg.MinConfidence), conf)
	}
	if pos, ok := view.find(signal.Symbol, types.SideBuy); ok {
		return e.EvaluateExistingPositionIncrease(pos, signal, sample, view)
	}
	maxPer := e.cfg.MaxPositionsPerSymbol
	if maxPer <= 0 {
		maxPer = 1
	}
	if n := len(view.openFor(signal.Symbol)); n >= maxPer {
		return e.hold(signal.Symbol, fmt.Sprintf("symbol already has %d open position(s)", n), conf)
	}
	if view.AvailableBalance < e.cfg.MinTradeValue {
		return e.hold(signal.Symbol, fmt.Sprintf("available balance %.2f below minimum %.2f", view.AvailableBalance, e.cfg.MinTradeValue), conf)
	}
	price := signal.TargetPrice
	if price <= 0 {
		price = sample.Price
	}
	value := e.risk.SizePosition(signal, view.AvailableBalance)
	amount := trading.Units(value, price)
	verdict := e.risk.Validate(risk.TradeRequest{
		Symbol:      signal.Symbol,
		Side:        types.SideBuy,
		Amount:      amount,
		Price:       price,
		MarketPrice: sample.Price,
	})
	if !verdict.Valid {
		return e.hold(signal.Symbol, verdict.Reason, conf)
	}
	return types.TradingDecision{
		ID:         uuid.NewString(),
		Action:     types.ActionBuy,
		Symbol:     signal.Symbol,
		Amount:     amount,
		Price:      price,
		Confidence: conf,
		Reasoning:  fmt.Sprintf("buy %.2f%% confidence: %s", conf*100, signal.Reasoning),
		Timestamp:  e.nowFn(),
		Source:     types.SourceSignal,
	}
}

// EvaluateSell reduces or closes an open long on the symbol.
func (e *Engine) EvaluateSell(signal types.TradingSignal, sample types.MarketSample, view View) types.TradingDecision {
	conf := types.NormalizeConfidence(signal.Confidence)
	if conf < e.cfg.MinConfidence {
		return e.hold(signal.Symbol, fmt.Sprintf("confidence %.2f below threshold %.2f", conf, e.cfg.MinConfidence), conf)
	}
	pos, ok := view.find(signal.Symbol, types.SideBuy)
	if !ok {
		return e.hold(signal.Symbol, "no open position to sell", conf)
	}
	if sample.Price > 0 {
		pos.MarkToMarket(sample.Price)
	}
	pnl := pos.PnLPercentage()
	stopLoss := e.risk.CheckStopLoss(pos)

	var rule string
	switch {
	case stopLoss:
		rule = "stop-loss"
	case conf > 0.8 && pnl > 1:
		rule = "high-confidence profit"
	case pnl > 15:
		rule = "large profit"
	case pnl < -5 && conf >= 0.7:
		rule = "loss cut"
	default:
		return e.hold(signal.Symbol, fmt.Sprintf("no sell rule matched (pnl %.2f%%)", pnl), conf)
	}

	var fraction float64
	switch {
	case stopLoss || pnl < -10:
		fraction = 1
	case pnl > 10:
		fraction = 0.6
	case conf > 0.9:
		fraction = 1
	default:
		fraction = 0.5
	}
	price := sample.Price
	if price <= 0 {
		price = pos.CurrentPrice
	}
	source := types.SourceSignal
	if stopLoss {
		source = types.SourceStopLoss
	}
	return types.TradingDecision{
		ID:         uuid.NewString(),
		Action:     types.ActionSell,
		Symbol:     signal.Symbol,
		Amount:     trading.CalcCloseAmount(pos.Amount, fraction),
		Price:      price,
		Confidence: conf,
		Reasoning:  fmt.Sprintf("%s: pnl %.2f%%, selling %.0f%%", rule, pnl, fraction*100),
		Timestamp:  e.nowFn(),
		Source:     source,
	}
}

// EvaluateExistingPositionIncrease adds to a winning position. The add is the
// smaller of half a normal entry and 30% of the held amount, then clamped to
// the max position size headroom.
func (e *Engine) EvaluateExistingPositionIncrease(pos types.TradingPosition, signal types.TradingSignal, sample types.MarketSample, view View) types.TradingDecision {
	conf := types.NormalizeConfidence(signal.Confidence)
	if sample.Price > 0 {
		pos.MarkToMarket(sample.Price)
	}
	gain := pos.PnLPercentage()
	if gain <= e.cfg.IncreaseMinGainPct || conf <= e.cfg.IncreaseMinConfidence || view.AvailableBalance <= e.cfg.IncreaseMinBalance {
		return e.hold(signal.Symbol, fmt.Sprintf("increase not warranted (gain %.2f%%, confidence %.2f, balance %.2f)", gain, conf, view.AvailableBalance), conf)
	}
	price := signal.TargetPrice
	if price <= 0 {
		price = sample.Price
	}
	normal := trading.Units(e.risk.SizePosition(signal, view.AvailableBalance), price)
	amount := trading.Min(normal*0.5, pos.Amount*0.3)

	limits := e.risk.Limits()
	if limits.MaxPositionSize > 0 {
		headroom := limits.MaxPositionSize - pos.Value()
		if headroom <= 0 {
			return e.hold(signal.Symbol, "position already at max size", conf)
		}
		amount = trading.Min(amount, trading.Units(headroom, price))
	}
	verdict := e.risk.Validate(risk.TradeRequest{
		Symbol:      signal.Symbol,
		Side:        types.SideBuy,
		Amount:      amount,
		Price:       price,
		MarketPrice: sample.Price,
	})
	if !verdict.Valid {
		return e.hold(signal.Symbol, verdict.Reason, conf)
	}
	return types.TradingDecision{
		ID:         uuid.NewString(),
		Action:     types.ActionBuy,
		Symbol:     signal.Symbol,
		Amount:     amount,
		Price:      price,
		Confidence: conf,
		Reasoning:  fmt.Sprintf("increase winning position (gain %.2f%%)", gain),
		Timestamp:  e.nowFn(),
		Source:     types.SourceSignal,
	}
}

func closingAction(side types.Side) types.Action {
	if side == types.SideSell {
		return types.ActionBuy
	}
	return types.ActionSell
}

// Sweep re-checks every open position independent of signals.
func (e *Engine) Sweep(view View) []types.TradingDecision {
	now := e.nowFn()
	var total float64
	positions := make([]types.TradingPosition, 0, len(view.Positions))
	for _, p := range view.Positions {
		if !p.IsOpen() {
			continue
		}
		if s, ok := e.sample(p.Symbol); ok && s.Price > 0 {
			p.MarkToMarket(s.Price)
		}
		total += p.Value()
		positions = append(positions, p)
	}
	total += view.AvailableBalance

	var out []types.TradingDecision
	for _, p := range positions {
		pnl := p.PnLPercentage()
		switch {
		case e.risk.CheckStopLoss(p):
			out = append(out, types.TradingDecision{
				ID:         uuid.NewString(),
				Action:     closingAction(p.Side),
				Symbol:     p.Symbol,
				Amount:     p.Amount,
				Price:      p.CurrentPrice,
				Confidence: 1,
				Reasoning:  fmt.Sprintf("stop-loss triggered at %.2f%%", pnl),
				Timestamp:  now,
				Source:     types.SourceStopLoss,
			})
			continue
		case pnl > e.cfg.TakeProfitPct && !e.throttled(p.Symbol, now):
			out = append(out, types.TradingDecision{
				ID:         uuid.NewString(),
				Action:     closingAction(p.Side),
				Symbol:     p.Symbol,
				Amount:     trading.CalcCloseAmount(p.Amount, e.cfg.TakeProfitFraction),
				Price:      p.CurrentPrice,
				Confidence: e.cfg.TakeProfitConfidence,
				Reasoning:  fmt.Sprintf("take-profit at %.2f%%", pnl),
				Timestamp:  now,
				Source:     types.SourceSweep,
			})
			e.markIssued(p.Symbol, now)
			continue
		}
		share := trading.Percent(p.Value(), total)
		if e.cfg.ConcentrationPct > 0 && share > e.cfg.ConcentrationPct && e.rebalanceDue(p.Symbol, now) {
			out = append(out, types.TradingDecision{
				ID:         uuid.NewString(),
				Action:     types.ActionRebalance,
				Symbol:     p.Symbol,
				Amount:     p.Amount,
				Price:      p.CurrentPrice,
				Confidence: 0.5,
				Reasoning:  fmt.Sprintf("position is %.1f%% of portfolio", share),
				Timestamp:  now,
				Source:     types.SourceSweep,
			})
		}
	}
	for _, d := range out {
		metrics.ObserveDecision(string(d.Action), string(d.Source))
	}
	return out
}

// Run sweeps every interval using source for the current view and publishes
// each decision on Decisions. It blocks until ctx ends; decisions nobody
// consumed by then are discarded so a later run never sees them.
func (e *Engine) Run(ctx context.Context, source func() View) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	defer e.drain()
	s := scheduler.NewIntervalScheduler(ctx, "decision-sweep", interval)
	s.Start(func(ctx context.Context) {
		for _, d := range e.Sweep(source()) {
			log.Infof("sweep %s %s amount=%.6f: %s", d.Action, d.Symbol, d.Amount, d.Reasoning)
			select {
			case e.out <- d:
			case <-ctx.Done():
				return
			}
		}
	})
}

func (e *Engine) drain() {
	for {
		select {
		case d := <-e.out:
			log.Debugf("discarding unconsumed sweep %s %s", d.Action, d.Symbol)
		default:
			return
		}
	}
}
