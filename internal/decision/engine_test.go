package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/risk"
	"tradeloop/internal/types"
)

var testNow = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *risk.Engine) {
	t.Helper()
	re := risk.NewEngine(risk.DefaultLimits(), nil)
	re.UpdateBalance(10000)
	e := NewEngine(DefaultConfig(), re)
	e.nowFn = func() time.Time { return testNow }
	return e, re
}

func btcPosition(current float64) types.TradingPosition {
	p := types.TradingPosition{
		ID:         "pos-1",
		Symbol:     "BTC/USDT",
		Side:       types.SideBuy,
		Amount:     0.1,
		EntryPrice: 50000,
		Status:     types.PositionOpen,
	}
	p.MarkToMarket(current)
	return p
}

func sample(symbol string, price float64) types.MarketSample {
	return types.MarketSample{Symbol: symbol, Price: price, Volume: 10, Timestamp: testNow}
}

func signal(action types.Action, conf, target float64) types.TradingSignal {
	return types.TradingSignal{
		Symbol:      "BTC/USDT",
		Action:      action,
		Confidence:  conf,
		TargetPrice: target,
		Timestamp:   testNow,
	}
}

func TestLowConfidenceAlwaysHolds(t *testing.T) {
	e, _ := newTestEngine(t)
	view := View{Positions: []types.TradingPosition{btcPosition(56000)}, AvailableBalance: 10000}
	for _, conf := range []float64{0, 0.3, 0.59} {
		assert.Equal(t, types.ActionHold, e.EvaluateBuy(signal(types.ActionBuy, conf, 50000), sample("BTC/USDT", 50000), View{AvailableBalance: 10000}).Action)
		assert.Equal(t, types.ActionHold, e.EvaluateSell(signal(types.ActionSell, conf, 56000), sample("BTC/USDT", 56000), view).Action)
	}
}

func TestEvaluateBuyAccepted(t *testing.T) {
	e, _ := newTestEngine(t)
	d := e.EvaluateBuy(signal(types.ActionBuy, 0.8, 50000), sample("BTC/USDT", 50000), View{AvailableBalance: 10000})
	require.Equal(t, types.ActionBuy, d.Action)
	assert.Equal(t, 50000.0, d.Price)
	assert.InDelta(t, 800.0/50000, d.Amount, 1e-12)
	assert.LessOrEqual(t, d.Amount*d.Price, risk.DefaultLimits().MaxPositionSize)
}

func TestEvaluateBuyNotionalNeverExceedsMax(t *testing.T) {
	e, re := newTestEngine(t)
	re.UpdateBalance(1_000_000)
	for _, conf := range []float64{0.6, 0.75, 0.9, 1} {
		d := e.EvaluateBuy(signal(types.ActionBuy, conf, 50000), sample("BTC/USDT", 50000), View{AvailableBalance: 1_000_000})
		require.Equal(t, types.ActionBuy, d.Action)
		assert.LessOrEqual(t, d.Amount*d.Price, risk.DefaultLimits().MaxPositionSize+1e-6)
	}
}

func TestEvaluateBuyRejections(t *testing.T) {
	e, re := newTestEngine(t)

	short := btcPosition(50000)
	short.Side = types.SideSell
	d := e.EvaluateBuy(signal(types.ActionBuy, 0.8, 50000), sample("BTC/USDT", 50000), View{Positions: []types.TradingPosition{short}, AvailableBalance: 10000})
	assert.Equal(t, types.ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "open position")

	d = e.EvaluateBuy(signal(types.ActionBuy, 0.8, 50000), sample("BTC/USDT", 50000), View{AvailableBalance: 5})
	assert.Equal(t, types.ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "balance")

	re.EmergencyStop("test")
	d = e.EvaluateBuy(signal(types.ActionBuy, 0.8, 50000), sample("BTC/USDT", 50000), View{AvailableBalance: 10000})
	assert.Equal(t, types.ActionHold, d.Action)
	assert.Equal(t, risk.ReasonEmergencyStop, d.Reasoning)
}

func TestEvaluateSellHighConfidenceProfit(t *testing.T) {
	e, _ := newTestEngine(t)
	view := View{Positions: []types.TradingPosition{btcPosition(56000)}, AvailableBalance: 1000}
	d := e.EvaluateSell(signal(types.ActionSell, 0.85, 56000), sample("BTC/USDT", 56000), view)
	require.Equal(t, types.ActionSell, d.Action)
	assert.InDelta(t, 0.06, d.Amount, 1e-12)
	assert.Contains(t, d.Reasoning, "pnl 12.00%")
}

func TestEvaluateSellLossCut(t *testing.T) {
	e, _ := newTestEngine(t)
	view := View{Positions: []types.TradingPosition{btcPosition(44000)}, AvailableBalance: 1000}
	d := e.EvaluateSell(signal(types.ActionSell, 0.7, 44000), sample("BTC/USDT", 44000), view)
	require.Equal(t, types.ActionSell, d.Action)
	assert.InDelta(t, 0.1, d.Amount, 1e-12)
}

func TestEvaluateSellAmountPolicy(t *testing.T) {
	cases := []struct {
		name    string
		current float64
		conf    float64
		want    float64
		action  types.Action
	}{
		{"large profit any confidence", 58000, 0.65, 0.06, types.ActionSell},
		{"small profit very confident", 51000, 0.95, 0.1, types.ActionSell},
		{"small profit confident", 51000, 0.85, 0.05, types.ActionSell},
		{"small profit moderate", 51000, 0.7, 0, types.ActionHold},
		{"mild loss", 48000, 0.9, 0, types.ActionHold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			view := View{Positions: []types.TradingPosition{btcPosition(tc.current)}}
			d := e.EvaluateSell(signal(types.ActionSell, tc.conf, tc.current), sample("BTC/USDT", tc.current), view)
			assert.Equal(t, tc.action, d.Action)
			if tc.action == types.ActionSell {
				assert.InDelta(t, tc.want, d.Amount, 1e-12)
			}
		})
	}
}

func TestEvaluateSellWithoutPosition(t *testing.T) {
	e, _ := newTestEngine(t)
	d := e.EvaluateSell(signal(types.ActionSell, 0.9, 50000), sample("BTC/USDT", 50000), View{})
	assert.Equal(t, types.ActionHold, d.Action)
}

func TestExistingPositionIncrease(t *testing.T) {
	e, re := newTestEngine(t)
	pos := btcPosition(51500)
	pos.Amount = 0.01
	re.SyncPositions([]types.TradingPosition{pos})
	view := View{Positions: []types.TradingPosition{pos}, AvailableBalance: 10000}

	d := e.EvaluateBuy(signal(types.ActionBuy, 0.85, 51500), sample("BTC/USDT", 51500), view)
	require.Equal(t, types.ActionBuy, d.Action)
	normal := 850.0 / 51500
	assert.InDelta(t, min(normal*0.5, 0.01*0.3), d.Amount, 1e-12)

	d = e.EvaluateBuy(signal(types.ActionBuy, 0.75, 51500), sample("BTC/USDT", 51500), view)
	assert.Equal(t, types.ActionHold, d.Action, "confidence must exceed 0.8")

	flat := btcPosition(50500)
	d = e.EvaluateExistingPositionIncrease(flat, signal(types.ActionBuy, 0.9, 50500), sample("BTC/USDT", 50500), view)
	assert.Equal(t, types.ActionHold, d.Action, "gain must exceed 2%")
}

func TestIncreaseClampedByMaxPositionSize(t *testing.T) {
	e, re := newTestEngine(t)
	pos := btcPosition(53000)
	pos.Amount = 0.018
	re.SyncPositions([]types.TradingPosition{pos})
	view := View{Positions: []types.TradingPosition{pos}, AvailableBalance: 100000}

	d := e.EvaluateBuy(signal(types.ActionBuy, 0.95, 53000), sample("BTC/USDT", 53000), view)
	require.Equal(t, types.ActionBuy, d.Action)
	assert.LessOrEqual(t, (pos.Amount+d.Amount)*53000, 1000.0+1e-6)

	pos.Amount = 0.02
	view.Positions = []types.TradingPosition{pos}
	d = e.EvaluateExistingPositionIncrease(pos, signal(types.ActionBuy, 0.95, 53000), sample("BTC/USDT", 53000), view)
	assert.Equal(t, types.ActionHold, d.Action)
}

func TestEvaluateThrottleAndStaleness(t *testing.T) {
	e, _ := newTestEngine(t)
	view := View{AvailableBalance: 10000}

	stale := signal(types.ActionBuy, 0.8, 50000)
	stale.Timestamp = testNow.Add(-6 * time.Minute)
	_, err := e.Evaluate(stale, sample("BTC/USDT", 50000), view)
	assert.ErrorIs(t, err, ErrStaleSignal)

	d, err := e.Evaluate(signal(types.ActionBuy, 0.8, 50000), sample("BTC/USDT", 50000), view)
	require.NoError(t, err)
	require.Equal(t, types.ActionBuy, d.Action)

	_, err = e.Evaluate(signal(types.ActionBuy, 0.8, 50000), sample("BTC/USDT", 50000), view)
	assert.ErrorIs(t, err, ErrThrottled)

	e.nowFn = func() time.Time { return testNow.Add(61 * time.Second) }
	next := signal(types.ActionBuy, 0.8, 50000)
	next.Timestamp = testNow.Add(61 * time.Second)
	_, err = e.Evaluate(next, sample("BTC/USDT", 50000), view)
	assert.NoError(t, err)
}

func TestHoldDoesNotThrottle(t *testing.T) {
	e, _ := newTestEngine(t)
	d, err := e.Evaluate(signal(types.ActionHold, 0.9, 50000), sample("BTC/USDT", 50000), View{})
	require.NoError(t, err)
	assert.True(t, d.IsHold())
	_, err = e.Evaluate(signal(types.ActionBuy, 0.8, 50000), sample("BTC/USDT", 50000), View{AvailableBalance: 10000})
	assert.NoError(t, err)
}

func TestSweep(t *testing.T) {
	e, _ := newTestEngine(t)
	stop := btcPosition(47000)
	winner := types.TradingPosition{ID: "eth", Symbol: "ETH/USDT", Side: types.SideBuy, Amount: 1, EntryPrice: 3000, Status: types.PositionOpen}
	winner.MarkToMarket(3000)
	e.UpdateSample(sample("ETH/USDT", 3400))
	big := types.TradingPosition{ID: "sol", Symbol: "SOL/USDT", Side: types.SideBuy, Amount: 100, EntryPrice: 100, Status: types.PositionOpen}
	big.MarkToMarket(101)

	decisions := e.Sweep(View{Positions: []types.TradingPosition{stop, winner, big}, AvailableBalance: 1000})
	require.Len(t, decisions, 3)

	bySymbol := map[string]types.TradingDecision{}
	for _, d := range decisions {
		bySymbol[d.Symbol] = d
	}
	assert.Equal(t, types.ActionSell, bySymbol["BTC/USDT"].Action)
	assert.Equal(t, 0.1, bySymbol["BTC/USDT"].Amount)
	assert.Equal(t, types.SourceStopLoss, bySymbol["BTC/USDT"].Source)

	assert.Equal(t, types.ActionSell, bySymbol["ETH/USDT"].Action)
	assert.InDelta(t, 0.5, bySymbol["ETH/USDT"].Amount, 1e-12)
	assert.Equal(t, 0.8, bySymbol["ETH/USDT"].Confidence)

	assert.Equal(t, types.ActionRebalance, bySymbol["SOL/USDT"].Action)
}

func TestSweepStopLossClosesShortWithBuy(t *testing.T) {
	e, _ := newTestEngine(t)
	short := btcPosition(53000)
	short.Side = types.SideSell
	short.MarkToMarket(53000)
	decisions := e.Sweep(View{Positions: []types.TradingPosition{short}, AvailableBalance: 100000})
	require.Len(t, decisions, 1)
	assert.Equal(t, types.ActionBuy, decisions[0].Action)
	assert.Equal(t, types.SourceStopLoss, decisions[0].Source)
}

func TestRunPublishesSweepDecisions(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.SweepInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, func() View {
		return View{Positions: []types.TradingPosition{btcPosition(40000)}}
	})
	select {
	case d := <-e.Decisions():
		assert.Equal(t, types.SourceStopLoss, d.Source)
	case <-time.After(time.Second):
		t.Fatal("no sweep decision published")
	}
}

func TestRunDiscardsUnconsumedDecisionsOnExit(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.SweepInterval = time.Hour
	e.out <- types.TradingDecision{ID: "left-over", Action: types.ActionSell, Symbol: "BTC/USDT"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx, func() View { return View{} })

	select {
	case d := <-e.Decisions():
		t.Fatalf("decision %s survived the stopped run", d.ID)
	default:
	}
}

func TestSweepRebalanceIsThrottledPerSymbol(t *testing.T) {
	e, _ := newTestEngine(t)
	big := types.TradingPosition{ID: "sol", Symbol: "SOL/USDT", Side: types.SideBuy, Amount: 100, EntryPrice: 100, Status: types.PositionOpen}
	big.MarkToMarket(101)
	view := View{Positions: []types.TradingPosition{big}, AvailableBalance: 1000}

	first := e.Sweep(view)
	require.Len(t, first, 1)
	assert.Equal(t, types.ActionRebalance, first[0].Action)

	assert.Empty(t, e.Sweep(view))

	e.nowFn = func() time.Time { return testNow.Add(e.cfg.ThrottleWindow) }
	again := e.Sweep(view)
	require.Len(t, again, 1)
	assert.Equal(t, types.ActionRebalance, again[0].Action)

	// A rebalance flag does not hold back a signal-driven decision.
	assert.False(t, e.throttled("SOL/USDT", e.nowFn()))
}

type mockRisk struct {
	mock.Mock
}

func (m *mockRisk) SizePosition(signal types.TradingSignal, available float64) float64 {
	args := m.Called(signal, available)
	return args.Get(0).(float64)
}

func (m *mockRisk) Validate(req risk.TradeRequest) risk.Verdict {
	args := m.Called(req)
	return args.Get(0).(risk.Verdict)
}

func (m *mockRisk) CheckStopLoss(p types.TradingPosition) bool {
	args := m.Called(p)
	return args.Bool(0)
}

func (m *mockRisk) Limits() risk.Limits {
	args := m.Called()
	return args.Get(0).(risk.Limits)
}

func TestEvaluateBuyUsesVerdictReason(t *testing.T) {
	rc := &mockRisk{}
	rc.On("SizePosition", mock.Anything, 5000.0).Return(400.0)
	rc.On("Validate", mock.MatchedBy(func(req risk.TradeRequest) bool {
		return req.Symbol == "BTC/USDT" && req.Side == types.SideBuy && req.Price == 40000
	})).Return(risk.Verdict{Reason: "Open positions would exceed maximum 5"})

	e := NewEngine(DefaultConfig(), rc)
	e.nowFn = func() time.Time { return testNow }
	d := e.EvaluateBuy(signal(types.ActionBuy, 0.9, 40000), sample("BTC/USDT", 40000), View{AvailableBalance: 5000})
	assert.Equal(t, types.ActionHold, d.Action)
	assert.Equal(t, "Open positions would exceed maximum 5", d.Reasoning)
	rc.AssertExpectations(t)
}

func TestEvaluateSellStopLossIgnoresRules(t *testing.T) {
	rc := &mockRisk{}
	rc.On("CheckStopLoss", mock.Anything).Return(true)
	e := NewEngine(DefaultConfig(), rc)
	view := View{Positions: []types.TradingPosition{btcPosition(49000)}}
	d := e.EvaluateSell(signal(types.ActionSell, 0.65, 49000), sample("BTC/USDT", 49000), view)
	require.Equal(t, types.ActionSell, d.Action)
	assert.Equal(t, 0.1, d.Amount)
	assert.Equal(t, types.SourceStopLoss, d.Source)
}
