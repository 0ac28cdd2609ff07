package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/decision"
	"tradeloop/internal/events"
	"tradeloop/internal/gateway/exchange"
	"tradeloop/internal/resilience"
	"tradeloop/internal/risk"
	"tradeloop/internal/store"
	"tradeloop/internal/types"
)

const btc = "BTC/USDT"

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Authenticate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockProvider) AnalyzeMarket(ctx context.Context, sample types.MarketSample) (types.TradingSignal, error) {
	args := m.Called(ctx, sample)
	return args.Get(0).(types.TradingSignal), args.Error(1)
}

type fakeJournal struct {
	mu         sync.Mutex
	decisions  []types.TradingDecision
	executions []types.TradeExecution
}

func (j *fakeJournal) RecordDecision(_ context.Context, d types.TradingDecision) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.decisions = append(j.decisions, d)
	return int64(len(j.decisions)), nil
}

func (j *fakeJournal) RecordExecution(_ context.Context, _ string, exec types.TradeExecution, _ error) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.executions = append(j.executions, exec)
	return int64(len(j.executions)), nil
}

func (j *fakeJournal) sources() []types.DecisionSource {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.DecisionSource, 0, len(j.decisions))
	for _, d := range j.decisions {
		out = append(out, d.Source)
	}
	return out
}

type fixture struct {
	s       *Session
	paper   *exchange.Paper
	ai      *mockProvider
	bus     *events.Bus
	store   *store.MemoryStore
	journal *fakeJournal
}

// fixtureOption adjusts the session wiring before New runs.
type fixtureOption func(cfg *Config, deps *Deps, paper *exchange.Paper)

func newFixture(t *testing.T, withAI bool, opts ...fixtureOption) *fixture {
	t.Helper()
	bus := events.NewBus()
	paper := exchange.NewPaper(exchange.PaperConfig{
		InitialBalance: 10000,
		FeeRate:        0.001,
		Prices:         map[string]float64{btc: 100},
	})
	mem := store.NewMemoryStore()
	res := resilience.NewManager(resilience.Config{NetworkTimeout: 2 * time.Second}, bus, mem, nil)
	riskEngine := risk.NewEngine(risk.DefaultLimits(), bus)
	dcfg := decision.DefaultConfig()
	dcfg.SweepInterval = time.Hour
	journal := &fakeJournal{}

	deps := Deps{
		Exchange:   paper,
		Resilience: res,
		Risk:       riskEngine,
		Decision:   decision.NewEngine(dcfg, riskEngine),
		Journal:    journal,
		Bus:        bus,
	}
	var ai *mockProvider
	if withAI {
		ai = &mockProvider{}
		deps.Provider = ai
	}
	cfg := Config{
		SignalInterval:   time.Hour,
		PositionInterval: time.Hour,
		RiskInterval:     time.Hour,
		SignalsEnabled:   withAI,
		UseFeed:          false,
	}
	for _, opt := range opts {
		opt(&cfg, &deps, paper)
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.IsRunning() {
			_ = s.StopTrading(context.Background())
		}
	})
	return &fixture{s: s, paper: paper, ai: ai, bus: bus, store: mem, journal: journal}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.s.StartTrading(context.Background()))
	f.s.reconcile(context.Background())
}

func sample(price float64) types.MarketSample {
	return types.MarketSample{Symbol: btc, Price: price, Volume: 10, Timestamp: time.Now()}
}

func signalOf(action types.Action, conf float64, reason string) types.TradingSignal {
	return types.TradingSignal{
		Symbol:      btc,
		Action:      action,
		Confidence:  conf,
		TargetPrice: 100,
		Reasoning:   reason,
		Timestamp:   time.Now(),
	}
}

func TestStartTradingAuthFailureIsRetryable(t *testing.T) {
	f := newFixture(t, false)
	f.paper.SetAuthError(errors.New("bad key"))

	err := f.s.StartTrading(context.Background())
	require.Error(t, err)
	var startErr *resilience.StartupError
	require.ErrorAs(t, err, &startErr)
	assert.True(t, startErr.Retryable)
	assert.Equal(t, resilience.ServiceExchange, startErr.Service)
	assert.Equal(t, StatusStopped, f.s.Status())

	f.paper.SetAuthError(nil)
	require.NoError(t, f.s.StartTrading(context.Background()))
	assert.True(t, f.s.GetState().IsRunning)
}

func TestStartTradingAIAuthFailure(t *testing.T) {
	f := newFixture(t, true)
	f.ai.On("Authenticate", mock.Anything).Return(&resilience.AuthenticationError{Service: "ai", Err: errors.New("401")})

	err := f.s.StartTrading(context.Background())
	var startErr *resilience.StartupError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, resilience.ServiceAI, startErr.Service)
	assert.False(t, f.s.IsRunning())
}

func TestStartTwiceAndStopWhenStopped(t *testing.T) {
	f := newFixture(t, false)
	require.ErrorIs(t, f.s.StopTrading(context.Background()), ErrNotRunning)
	f.start(t)
	require.ErrorIs(t, f.s.StartTrading(context.Background()), ErrAlreadyRunning)
	require.NoError(t, f.s.StopTrading(context.Background()))
	assert.Equal(t, StatusStopped, f.s.Status())
	assert.Nil(t, f.s.GetState().StartTime)
}

func TestProcessMarketDataValidation(t *testing.T) {
	f := newFixture(t, false)
	bad := sample(100)
	bad.Price = -1
	var verr *types.ValidationError
	require.ErrorAs(t, f.s.ProcessMarketData(context.Background(), bad), &verr)
	require.ErrorIs(t, f.s.ProcessMarketData(context.Background(), sample(100)), ErrNotRunning)
}

func TestSignalToBuyFlow(t *testing.T) {
	f := newFixture(t, true)
	f.ai.On("Authenticate", mock.Anything).Return(nil)
	f.ai.On("AnalyzeMarket", mock.Anything, mock.Anything).Return(signalOf(types.ActionBuy, 0.9, "breakout"), nil).Once()
	f.ai.On("AnalyzeMarket", mock.Anything, mock.Anything).Return(signalOf(types.ActionHold, 0.5, "wait"), nil)
	f.start(t)

	require.NoError(t, f.s.ProcessMarketData(context.Background(), sample(100)))

	require.Eventually(t, func() bool { return len(f.s.GetActivePositions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	pos := f.s.GetActivePositions()[0]
	assert.Equal(t, btc, pos.Symbol)
	assert.Equal(t, types.SideBuy, pos.Side)
	assert.InDelta(t, 9.0, pos.Amount, 1e-9)
	assert.InDelta(t, 100.0, pos.EntryPrice, 1e-9)

	st := f.s.GetState()
	assert.Equal(t, 1, st.TotalTrades)
	assert.NotNil(t, st.LastMarketUpdate)
	assert.NotNil(t, st.LastSignalProcessed)

	f.s.reconcile(context.Background())
	after := f.s.GetActivePositions()
	require.Len(t, after, 1)
	assert.Equal(t, pos.ID, after[0].ID)
	assert.InDelta(t, 9.0, after[0].Amount, 1e-9)
}

func TestPendingSignalReplacedPerSymbol(t *testing.T) {
	f := newFixture(t, false)
	f.start(t)
	require.NoError(t, f.s.ProcessMarketData(context.Background(), sample(100)))

	send := func(sig types.TradingSignal) {
		require.NoError(t, f.s.actor.SendSync(context.Background(), Envelope{Type: cmdSignal, Payload: signalResult{symbol: btc, signal: sig}}))
	}
	send(signalOf(types.ActionBuy, 0.9, "first"))
	require.Eventually(t, func() bool { return len(f.s.GetActivePositions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// The buy started the throttle window, so later signals wait.
	send(signalOf(types.ActionSell, 0.9, "second"))
	send(signalOf(types.ActionSell, 0.95, "third"))

	pending := f.s.PendingSignals()
	require.Len(t, pending, 1)
	assert.Equal(t, "third", pending[0].Reasoning)
	assert.Equal(t, 1, f.s.GetState().PendingSignals)
}

func TestStaleSignalDropped(t *testing.T) {
	f := newFixture(t, false)
	f.start(t)
	require.NoError(t, f.s.ProcessMarketData(context.Background(), sample(100)))

	old := signalOf(types.ActionBuy, 0.9, "old")
	old.Timestamp = time.Now().Add(-time.Hour)
	require.NoError(t, f.s.actor.SendSync(context.Background(), Envelope{Type: cmdSignal, Payload: signalResult{symbol: btc, signal: old}}))

	assert.Empty(t, f.s.PendingSignals())
	assert.Empty(t, f.s.GetActivePositions())
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.paper.PlaceBuyOrder(context.Background(), btc, 2, 100)
	require.NoError(t, err)
	f.start(t)

	first := f.s.GetActivePositions()
	require.Len(t, first, 1)
	f.s.reconcile(context.Background())
	f.s.reconcile(context.Background())
	assert.Equal(t, first, f.s.GetActivePositions())
	assert.InDelta(t, 10000-200-0.2, f.s.GetState().Balances.Available("USDT"), 1e-6)
}

func TestReconcileRemovesExternallyClosedPosition(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.paper.PlaceBuyOrder(context.Background(), btc, 2, 100)
	require.NoError(t, err)
	f.start(t)
	require.Len(t, f.s.GetActivePositions(), 1)

	ch, cancel := f.bus.Subscribe(8, func(e events.Event) bool { return e.Type == events.TypePositionClosed })
	defer cancel()

	_, err = f.paper.PlaceSellOrder(context.Background(), btc, 2, 100)
	require.NoError(t, err)
	f.s.reconcile(context.Background())

	assert.Empty(t, f.s.GetActivePositions())
	select {
	case evt := <-ch:
		assert.Equal(t, btc, evt.Data["symbol"])
	case <-time.After(time.Second):
		t.Fatal("expected position_closed event")
	}
}

func TestStopLossForcesSell(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.paper.PlaceBuyOrder(context.Background(), btc, 5, 100)
	require.NoError(t, err)
	f.paper.SetPrice(btc, 90)

	f.start(t)

	require.Eventually(t, func() bool {
		remote, _ := f.paper.GetOpenPositions(context.Background())
		return len(remote) == 0 && len(f.s.GetActivePositions()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.journal.sources(), types.SourceStopLoss)

	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()
	require.NotEmpty(t, f.journal.executions)
	assert.InDelta(t, 89.1, f.journal.executions[0].Price, 1e-9)
}

func TestRestoreNeverReportsRunning(t *testing.T) {
	f := newFixture(t, false)
	started := time.Now().Add(-time.Hour)
	require.NoError(t, f.store.SaveSnapshot(context.Background(), resilience.SystemState{
		IsRunning: true,
		StartTime: &started,
		ActivePositions: []types.TradingPosition{{
			ID: "p1", Symbol: btc, Side: types.SideBuy, Amount: 1, EntryPrice: 100,
			CurrentPrice: 100, Status: types.PositionOpen, Timestamp: started,
		}},
		PendingSignals:  []types.TradingSignal{signalOf(types.ActionBuy, 0.8, "restored")},
		MarketDataCache: map[string]types.MarketSample{btc: sample(100)},
	}))
	f.paper.SetAuthError(errors.New("offline"))

	require.Error(t, f.s.StartTrading(context.Background()))

	st := f.s.GetState()
	assert.False(t, st.IsRunning)
	assert.Nil(t, st.StartTime)
	assert.Equal(t, 1, st.ActivePositions)
	assert.Equal(t, 1, st.PendingSignals)
	_, ok := f.s.MarketSample("btcusdt")
	assert.True(t, ok)
}

func TestStopPersistsFinalSnapshot(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.paper.PlaceBuyOrder(context.Background(), btc, 1, 100)
	require.NoError(t, err)
	f.start(t)
	require.NoError(t, f.s.StopTrading(context.Background()))

	snap, err := f.store.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.False(t, snap.IsRunning)
	require.Len(t, snap.ActivePositions, 1)
	assert.Equal(t, btc, snap.ActivePositions[0].Symbol)
}

func TestEmergencyStopBlocksBuys(t *testing.T) {
	f := newFixture(t, false)
	f.start(t)
	require.NoError(t, f.s.ProcessMarketData(context.Background(), sample(100)))

	f.s.EmergencyStop("")
	assert.True(t, f.s.GetState().EmergencyStop)

	require.NoError(t, f.s.actor.SendSync(context.Background(), Envelope{Type: cmdSignal, Payload: signalResult{symbol: btc, signal: signalOf(types.ActionBuy, 0.9, "blocked")}}))
	assert.Empty(t, f.s.GetActivePositions())

	f.s.ResetEmergencyStop()
	assert.False(t, f.s.RiskStatus().EmergencyStop)
}
