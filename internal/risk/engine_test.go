package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/events"
	"tradeloop/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	e := NewEngine(DefaultLimits(), bus)
	e.UpdateBalance(10000)
	return e, bus
}

func openPos(symbol string, amount, entry, current float64) types.TradingPosition {
	p := types.TradingPosition{
		ID:         symbol,
		Symbol:     symbol,
		Side:       types.SideBuy,
		Amount:     amount,
		EntryPrice: entry,
		Status:     types.PositionOpen,
	}
	p.MarkToMarket(current)
	return p
}

func TestSizePosition(t *testing.T) {
	e, _ := newTestEngine(t)
	sig := types.TradingSignal{Confidence: 0.8}
	assert.InDelta(t, 800.0, e.SizePosition(sig, 10000), 1e-9)

	sig.Confidence = 80
	assert.InDelta(t, 800.0, e.SizePosition(sig, 10000), 1e-9, "percent confidence is scaled")

	sig.Confidence = 1
	assert.Equal(t, 1000.0, e.SizePosition(sig, 50000), "capped at max position size")

	sig.Confidence = 0.6
	assert.Equal(t, 10.0, e.SizePosition(sig, 50), "floored at minimum trade value")
	assert.Zero(t, e.SizePosition(sig, 0))
}

func TestValidateOrder(t *testing.T) {
	base := TradeRequest{Symbol: "BTC/USDT", Side: types.SideBuy, Amount: 0.01, Price: 50000, MarketPrice: 50000}

	cases := []struct {
		name   string
		mutate func(e *Engine, r *TradeRequest)
		valid  bool
		reason string
	}{
		{name: "ok", valid: true},
		{name: "emergency", mutate: func(e *Engine, _ *TradeRequest) { e.EmergencyStop("test") }, reason: ReasonEmergencyStop},
		{name: "non-positive amount", mutate: func(_ *Engine, r *TradeRequest) { r.Amount = 0 }, reason: "amount"},
		{name: "below minimum", mutate: func(_ *Engine, r *TradeRequest) { r.Amount = 0.0001 }, reason: "below minimum"},
		{name: "buy slippage", mutate: func(_ *Engine, r *TradeRequest) { r.Price = 51100 }, reason: "slippage ceiling"},
		{name: "sell slippage", mutate: func(_ *Engine, r *TradeRequest) { r.Side = types.SideSell; r.Price = 48900 }, reason: "slippage floor"},
		{name: "too large", mutate: func(_ *Engine, r *TradeRequest) { r.Amount = 0.05 }, reason: "exceeds maximum"},
		{name: "too many positions", mutate: func(e *Engine, _ *TradeRequest) {
			var ps []types.TradingPosition
			for _, s := range []string{"A/USDT", "B/USDT", "C/USDT", "D/USDT", "E/USDT"} {
				ps = append(ps, openPos(s, 1, 10, 10))
			}
			e.SyncPositions(ps)
		}, reason: "Open positions"},
		{name: "insufficient balance", mutate: func(e *Engine, _ *TradeRequest) { e.UpdateBalance(100) }, reason: "Insufficient balance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			req := base
			if tc.mutate != nil {
				tc.mutate(e, &req)
			}
			v := e.Validate(req)
			assert.Equal(t, tc.valid, v.Valid)
			if tc.reason != "" {
				assert.Contains(t, v.Reason, tc.reason)
			}
		})
	}
}

func TestValidateSuggestsAdjustedAmount(t *testing.T) {
	e, _ := newTestEngine(t)
	e.SyncPositions([]types.TradingPosition{openPos("BTC/USDT", 0.01, 50000, 50000)})
	v := e.Validate(TradeRequest{Symbol: "BTC/USDT", Side: types.SideBuy, Amount: 0.02, Price: 50000, MarketPrice: 50000})
	require.False(t, v.Valid)
	assert.InDelta(t, 0.01, v.AdjustedAmount, 1e-12)
}

func TestPendingOrdersCountTowardsLimits(t *testing.T) {
	e, _ := newTestEngine(t)
	e.SyncPendingOrders([]PendingOrder{
		{Symbol: "BTC/USDT", Side: types.SideBuy, Notional: 900},
		{Symbol: "", Side: types.SideBuy, Notional: 50},
		{Symbol: "ETH/USDT", Side: types.SideBuy, Notional: 0},
	})

	v := e.Validate(TradeRequest{Symbol: "BTC/USDT", Side: types.SideBuy, Amount: 0.01, Price: 50000, MarketPrice: 50000})
	require.False(t, v.Valid)
	assert.Contains(t, v.Reason, "exceeds maximum")
	assert.InDelta(t, 0.002, v.AdjustedAmount, 1e-12)

	var ps []types.TradingPosition
	for _, s := range []string{"A/USDT", "B/USDT", "C/USDT", "D/USDT"} {
		ps = append(ps, openPos(s, 1, 10, 10))
	}
	e.SyncPositions(ps)
	v = e.Validate(TradeRequest{Symbol: "SOL/USDT", Side: types.SideBuy, Amount: 1, Price: 100, MarketPrice: 100})
	require.False(t, v.Valid)
	assert.Contains(t, v.Reason, "Open positions")

	st := e.Status()
	assert.Equal(t, 1, st.PendingOrders)
	assert.InDelta(t, 900.0, st.PendingNotional, 1e-9)

	e.SyncPendingOrders(nil)
	assert.True(t, e.Validate(TradeRequest{Symbol: "BTC/USDT", Side: types.SideBuy, Amount: 0.01, Price: 50000, MarketPrice: 50000}).Valid)
}

func TestCheckStopLoss(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.True(t, e.CheckStopLoss(openPos("BTC/USDT", 0.1, 50000, 47500)))
	assert.False(t, e.CheckStopLoss(openPos("BTC/USDT", 0.1, 50000, 47600)))

	short := openPos("BTC/USDT", 0.1, 50000, 52500)
	short.Side = types.SideSell
	assert.True(t, e.CheckStopLoss(short))
}

func TestEnforceLimitsTripsEmergencyStop(t *testing.T) {
	e, bus := newTestEngine(t)
	ch, cancel := bus.Subscribe(4, events.CriticalOnly)
	defer cancel()

	e.SyncPositions([]types.TradingPosition{openPos("BTC/USDT", 1, 50000, 49700)})
	assert.InDelta(t, 300.0, e.EnforceLimits(), 1e-9)
	assert.False(t, e.IsEmergencyStopped())

	e.RecordRealizedPnL(-250)
	assert.InDelta(t, 550.0, e.EnforceLimits(), 1e-9)
	require.True(t, e.IsEmergencyStopped())

	select {
	case evt := <-ch:
		assert.Equal(t, events.TypeEmergencyStop, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("missing emergency event")
	}

	for _, amount := range []float64{0.001, 0.01} {
		v := e.Validate(TradeRequest{Symbol: "ETH/USDT", Side: types.SideBuy, Amount: amount, Price: 3000, MarketPrice: 3000})
		assert.False(t, v.Valid)
		assert.Equal(t, ReasonEmergencyStop, v.Reason)
	}

	e.ResetEmergencyStop()
	assert.False(t, e.IsEmergencyStopped())
}

func TestEmergencyStopDisabledSafety(t *testing.T) {
	limits := DefaultLimits()
	limits.SafetyEnabled = false
	e := NewEngine(limits, nil)
	e.EmergencyStop("ignored")
	assert.False(t, e.IsEmergencyStopped())
}

func TestDayBoundaryResetsRealizedLoss(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	e.nowFn = func() time.Time { return now }
	e.dayOpen = e.todayOpen(now)

	e.RecordRealizedPnL(-100)
	e.RecordRealizedPnL(40)
	assert.InDelta(t, 100.0, e.DailyLoss(), 1e-9)

	now = now.Add(2 * time.Hour)
	e.ResetDay()
	assert.Zero(t, e.DailyLoss())
}

func TestUpdateLimits(t *testing.T) {
	e, _ := newTestEngine(t)
	l := e.Limits()
	l.StopLossPercentage = 10
	e.UpdateLimits(l)
	assert.False(t, e.CheckStopLoss(openPos("BTC/USDT", 0.1, 50000, 47500)))
}
