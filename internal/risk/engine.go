// Package risk sizes positions, validates trade requests against configured
// limits and owns the emergency stop.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"tradeloop/internal/events"
	"tradeloop/internal/logger"
	"tradeloop/internal/metrics"
	"tradeloop/internal/pkg/trading"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/types"
)

var log = logger.Named("risk")

const ReasonEmergencyStop = "Emergency stop is active"

// valueEpsilon absorbs rounding when an amount was derived from headroom.
const valueEpsilon = 1e-6

// Limits are the configured risk bounds. Money values are in quote currency.
type Limits struct {
	MaxPositionSize    float64
	MaxOpenPositions   int
	MaxDailyLoss       float64
	StopLossPercentage float64
	MinTradeValue      float64
	SlippagePercent    float64
	FeeRate            float64
	SizingFraction     float64
	SafetyEnabled      bool
	Timezone           string
}

func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:    1000,
		MaxOpenPositions:   5,
		MaxDailyLoss:       500,
		StopLossPercentage: 5,
		MinTradeValue:      10,
		SlippagePercent:    2,
		FeeRate:            0.001,
		SizingFraction:     0.1,
		SafetyEnabled:      true,
		Timezone:           "UTC",
	}
}

// TradeRequest is a proposed order checked by Validate.
type TradeRequest struct {
	Symbol      string
	Side        types.Side
	Amount      float64
	Price       float64
	MarketPrice float64
}

// PendingOrder is a resting order on the exchange. Its notional counts
// towards the position limits until it fills or is cancelled.
type PendingOrder struct {
	Symbol   string
	Side     types.Side
	Notional float64
}

// Verdict is the answer to Validate. AdjustedAmount is set when a smaller
// amount would pass the position size limit.
type Verdict struct {
	Valid          bool    `json:"valid"`
	Reason         string  `json:"reason,omitempty"`
	AdjustedAmount float64 `json:"adjusted_amount,omitempty"`
}

func reject(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Engine holds tracked positions, balance, daily loss and the emergency flag
// behind one mutex.
type Engine struct {
	mu           sync.RWMutex
	limits       Limits
	loc          *time.Location
	positions    map[string]types.TradingPosition
	pending      []PendingOrder
	available    float64
	realizedLoss float64
	dayOpen      time.Time
	emergency    bool
	reason       string
	stoppedAt    time.Time

	bus   *events.Bus
	nowFn func() time.Time
}

func NewEngine(limits Limits, bus *events.Bus) *Engine {
	e := &Engine{
		positions: make(map[string]types.TradingPosition),
		bus:       bus,
		nowFn:     time.Now,
	}
	e.applyLimits(limits)
	e.dayOpen = e.todayOpen(e.nowFn())
	return e
}

func (e *Engine) applyLimits(l Limits) {
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil || l.Timezone == "" {
		loc = time.UTC
	}
	e.limits = l
	e.loc = loc
}

// UpdateLimits swaps limits in place, e.g. after a config reload.
func (e *Engine) UpdateLimits(l Limits) {
	e.mu.Lock()
	e.applyLimits(l)
	e.mu.Unlock()
	log.Infof("limits updated: max_position=%.2f max_open=%d max_daily_loss=%.2f stop_loss=%.2f%%",
		l.MaxPositionSize, l.MaxOpenPositions, l.MaxDailyLoss, l.StopLossPercentage)
}

func (e *Engine) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

func (e *Engine) todayOpen(now time.Time) time.Time {
	y, m, d := now.In(e.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.loc)
}

// SizePosition returns the quote value to commit for signal.
func (e *Engine) SizePosition(signal types.TradingSignal, availableBalance float64) float64 {
	l := e.Limits()
	conf := types.NormalizeConfidence(signal.Confidence)
	if availableBalance <= 0 || math.IsNaN(availableBalance) {
		return 0
	}
	value := availableBalance * l.SizingFraction * conf
	if l.MaxPositionSize > 0 && value > l.MaxPositionSize {
		value = l.MaxPositionSize
	}
	if value < l.MinTradeValue {
		value = l.MinTradeValue
	}
	return value
}

// Validate checks req against the limits. Checks run in a fixed order and
// the first failure wins.
func (e *Engine) Validate(req TradeRequest) Verdict {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l := e.limits

	if e.emergency && l.SafetyEnabled {
		return Verdict{Reason: ReasonEmergencyStop}
	}
	if err := types.CheckPositive("amount", req.Amount); err != nil {
		return Verdict{Reason: err.Error()}
	}
	if err := types.CheckPositive("price", req.Price); err != nil {
		return Verdict{Reason: err.Error()}
	}
	notional := trading.Notional(req.Amount, req.Price)
	if notional < l.MinTradeValue {
		return reject("Trade value %.2f below minimum %.2f", notional, l.MinTradeValue)
	}
	if req.MarketPrice > 0 && l.SlippagePercent > 0 {
		band := l.SlippagePercent / 100
		switch req.Side {
		case types.SideBuy:
			if ceiling := req.MarketPrice * (1 + band); req.Price > ceiling {
				return reject("Buy price %.4f exceeds slippage ceiling %.4f", req.Price, ceiling)
			}
		case types.SideSell:
			if floor := req.MarketPrice * (1 - band); req.Price < floor {
				return reject("Sell price %.4f below slippage floor %.4f", req.Price, floor)
			}
		}
	}

	existing, hasPosition := e.symbolExposureLocked(req.Symbol, req.Side)
	if l.MaxPositionSize > 0 && existing+notional > l.MaxPositionSize+valueEpsilon {
		v := reject("Position value %.2f exceeds maximum %.2f", existing+notional, l.MaxPositionSize)
		if headroom := l.MaxPositionSize - existing; headroom > 0 {
			v.AdjustedAmount = trading.Units(headroom, req.Price)
		}
		return v
	}
	if !hasPosition && l.MaxOpenPositions > 0 && e.openCountLocked()+1 > l.MaxOpenPositions {
		return reject("Open positions would exceed maximum %d", l.MaxOpenPositions)
	}
	fee := trading.Fee(notional, l.FeeRate)
	if e.available < notional+fee {
		return reject("Insufficient balance: need %.2f, have %.2f", notional+fee, e.available)
	}
	return Verdict{Valid: true}
}

func (e *Engine) symbolExposureLocked(symbol string, side types.Side) (float64, bool) {
	var value float64
	found := false
	for _, p := range e.positions {
		if p.Symbol != symbol || !p.IsOpen() {
			continue
		}
		found = true
		if p.Side == side {
			value += p.Value()
		}
	}
	for _, o := range e.pending {
		if o.Symbol != symbol {
			continue
		}
		found = true
		if o.Side == side {
			value += o.Notional
		}
	}
	return value, found
}

// openCountLocked counts symbols with an open position or a resting order.
func (e *Engine) openCountLocked() int {
	symbols := make(map[string]struct{}, len(e.positions)+len(e.pending))
	for _, p := range e.positions {
		if p.IsOpen() {
			symbols[p.Symbol] = struct{}{}
		}
	}
	for _, o := range e.pending {
		symbols[o.Symbol] = struct{}{}
	}
	return len(symbols)
}

// CheckStopLoss reports whether the position's loss reached the stop-loss
// percentage.
func (e *Engine) CheckStopLoss(p types.TradingPosition) bool {
	l := e.Limits()
	if l.StopLossPercentage <= 0 || p.EntryPrice <= 0 || p.CurrentPrice <= 0 {
		return false
	}
	return -p.PnLPercentage() >= l.StopLossPercentage
}

// SyncPositions replaces the tracked position set.
func (e *Engine) SyncPositions(positions []types.TradingPosition) {
	next := make(map[string]types.TradingPosition, len(positions))
	for _, p := range positions {
		key := p.ID
		if key == "" {
			key = p.Symbol + ":" + string(p.Side)
		}
		next[key] = p
	}
	e.mu.Lock()
	e.positions = next
	e.mu.Unlock()
}

// SyncPendingOrders replaces the set of resting orders.
func (e *Engine) SyncPendingOrders(orders []PendingOrder) {
	next := make([]PendingOrder, 0, len(orders))
	for _, o := range orders {
		if o.Symbol == "" || !(o.Notional > 0) {
			continue
		}
		next = append(next, o)
	}
	e.mu.Lock()
	e.pending = next
	e.mu.Unlock()
}

func (e *Engine) UpdateBalance(available float64) {
	if math.IsNaN(available) || math.IsInf(available, 0) {
		return
	}
	e.mu.Lock()
	e.available = available
	e.mu.Unlock()
}

// RecordRealizedPnL adds a closed trade's pnl to today's realized loss.
func (e *Engine) RecordRealizedPnL(pnl float64) {
	if pnl >= 0 || math.IsNaN(pnl) {
		return
	}
	e.mu.Lock()
	e.rolloverLocked(e.nowFn())
	e.realizedLoss += -pnl
	e.mu.Unlock()
}

func (e *Engine) rolloverLocked(now time.Time) bool {
	open := e.todayOpen(now)
	if open.Equal(e.dayOpen) {
		return false
	}
	e.dayOpen = open
	e.realizedLoss = 0
	return true
}

// ResetDay starts a new accounting day if the boundary has passed.
func (e *Engine) ResetDay() {
	e.mu.Lock()
	rolled := e.rolloverLocked(e.nowFn())
	e.mu.Unlock()
	if rolled {
		log.Infof("new trading day, daily loss counter reset")
	}
}

// DailyLoss is today's realized losses plus current unrealized losses.
func (e *Engine) DailyLoss() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dailyLossLocked()
}

func (e *Engine) dailyLossLocked() float64 {
	loss := e.realizedLoss
	for _, p := range e.positions {
		if p.IsOpen() && p.UnrealizedPnL < 0 {
			loss += -p.UnrealizedPnL
		}
	}
	return loss
}

// EnforceLimits recomputes daily loss and trips the emergency stop when it
// exceeds the configured maximum.
func (e *Engine) EnforceLimits() float64 {
	e.mu.Lock()
	e.rolloverLocked(e.nowFn())
	loss := e.dailyLossLocked()
	limit := e.limits.MaxDailyLoss
	e.mu.Unlock()
	if limit > 0 && loss > limit {
		e.EmergencyStop(fmt.Sprintf("daily loss %.2f exceeds limit %.2f", loss, limit))
	}
	return loss
}

func (e *Engine) EmergencyStop(reason string) {
	e.mu.Lock()
	if !e.limits.SafetyEnabled {
		e.mu.Unlock()
		log.Warnf("emergency stop requested (%s) but safety is disabled", reason)
		return
	}
	if e.emergency {
		e.mu.Unlock()
		return
	}
	e.emergency = true
	e.reason = reason
	e.stoppedAt = e.nowFn()
	e.mu.Unlock()

	metrics.SetEmergencyStop(true)
	log.Errorf("EMERGENCY STOP: %s", reason)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:     events.TypeEmergencyStop,
			Severity: events.SeverityCritical,
			Service:  "risk",
			Message:  reason,
		})
	}
}

func (e *Engine) ResetEmergencyStop() {
	e.mu.Lock()
	if !e.limits.SafetyEnabled || !e.emergency {
		e.mu.Unlock()
		return
	}
	e.emergency = false
	e.reason = ""
	e.stoppedAt = time.Time{}
	e.mu.Unlock()

	metrics.SetEmergencyStop(false)
	log.Infof("emergency stop reset")
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.TypeEmergencyReset, Service: "risk", Message: "emergency stop reset"})
	}
}

func (e *Engine) IsEmergencyStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergency
}

// Status is a read-only view for the control surface.
type Status struct {
	EmergencyStop    bool       `json:"emergency_stop"`
	Reason           string     `json:"reason,omitempty"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	DailyLoss        float64    `json:"daily_loss"`
	RealizedLoss     float64    `json:"realized_loss"`
	AvailableBalance float64    `json:"available_balance"`
	TrackedPositions int        `json:"tracked_positions"`
	PendingOrders    int        `json:"pending_orders"`
	PendingNotional  float64    `json:"pending_notional"`
	DayOpen          time.Time  `json:"day_open"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Status{
		EmergencyStop:    e.emergency,
		Reason:           e.reason,
		DailyLoss:        e.dailyLossLocked(),
		RealizedLoss:     e.realizedLoss,
		AvailableBalance: e.available,
		TrackedPositions: len(e.positions),
		PendingOrders:    len(e.pending),
		DayOpen:          e.dayOpen,
	}
	for _, o := range e.pending {
		st.PendingNotional += o.Notional
	}
	if !e.stoppedAt.IsZero() {
		t := e.stoppedAt
		st.StoppedAt = &t
	}
	return st
}

// Run enforces limits every interval and resets the daily counter at each
// local midnight. It blocks until ctx ends.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	e.mu.RLock()
	_, offset := e.nowFn().In(e.loc).Zone()
	e.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		daily := scheduler.NewAlignedScheduler(ctx, "risk-day-boundary", 24*time.Hour, -time.Duration(offset)*time.Second)
		daily.Start(func(context.Context) { e.ResetDay() })
	}()
	s := scheduler.NewIntervalScheduler(ctx, "risk-enforce", interval)
	s.Start(func(context.Context) { e.EnforceLimits() })
	<-done
}
