package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/events"
	"tradeloop/internal/types"
)

type scheduledCall struct {
	delay time.Duration
	fn    func()
}

type fakeTimers struct {
	mu    sync.Mutex
	calls []scheduledCall
}

func (f *fakeTimers) after(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	f.calls = append(f.calls, scheduledCall{delay: d, fn: fn})
	f.mu.Unlock()
	return func() bool { return true }
}

func (f *fakeTimers) pop(t *testing.T) scheduledCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls, "expected a scheduled recovery")
	c := f.calls[0]
	f.calls = f.calls[1:]
	return c
}

func (f *fakeTimers) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memPersister struct {
	mu    sync.Mutex
	state *SystemState
	err   error
}

func (p *memPersister) SaveSnapshot(_ context.Context, s SystemState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.state = &s
	return nil
}

func (p *memPersister) LoadSnapshot(context.Context) (*SystemState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return nil, nil
	}
	cp := *p.state
	return &cp, nil
}

func (p *memPersister) Close() error { return nil }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, persister Persister) (*Manager, *fakeTimers, *testClock, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	m := NewManager(Config{}, bus, persister, nil)
	timers := &fakeTimers{}
	clk := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m.after = timers.after
	m.nowFn = clk.Now
	return m, timers, clk, bus
}

func waitEvent(t *testing.T, ch <-chan events.Event, typ events.Type) events.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("event %s not received", typ)
		}
	}
}

func TestHandleErrorSchedulesBackoff(t *testing.T) {
	m, timers, _, _ := newTestManager(t, nil)
	m.HandleError(ServiceExchange, &ServiceError{Service: ServiceExchange, Err: errors.New("500")})

	c := timers.pop(t)
	assert.GreaterOrEqual(t, c.delay, time.Second)
	assert.LessOrEqual(t, c.delay, 1100*time.Millisecond)
	stats := m.ErrorStatistics()[ServiceExchange]
	assert.Equal(t, 1, stats.ErrorCount)
	assert.Equal(t, 1, stats.RecoveryAttempts)
	assert.True(t, stats.Recovering)
	assert.True(t, m.IsInRecoveryMode())

	m.HandleError(ServiceExchange, errors.New("again"))
	assert.Equal(t, 0, timers.len(), "one pending recovery per service")
}

func TestRateLimitCooldowns(t *testing.T) {
	m, timers, _, _ := newTestManager(t, nil)

	m.HandleError(ServiceAI, &RateLimitError{Service: ServiceAI, Err: errors.New("429")})
	assert.Equal(t, time.Minute, timers.pop(t).delay)

	m.HandleError(ServiceExchange, &RateLimitError{Service: ServiceExchange, Err: errors.New("429")})
	assert.Equal(t, 30*time.Second, timers.pop(t).delay)

	m.ResetServiceErrors(ServiceAI)
	m.HandleError(ServiceAI, &RateLimitError{Service: ServiceAI, RetryAfter: 7 * time.Second, Err: errors.New("429")})
	assert.Equal(t, 7*time.Second, timers.pop(t).delay)
}

func TestAuthenticationNeverRetried(t *testing.T) {
	m, timers, _, bus := newTestManager(t, nil)
	ch, cancel := bus.Subscribe(8, nil)
	defer cancel()

	m.HandleError(ServiceExchange, &AuthenticationError{Service: ServiceExchange, Err: errors.New("bad key")})
	assert.Equal(t, 0, timers.len())
	evt := waitEvent(t, ch, events.TypeAuthFailure)
	assert.True(t, evt.Critical())
	assert.Equal(t, 1, m.ErrorStatistics()[ServiceExchange].ErrorCount)
}

func TestBreakerOpenSkipsRecoveryUntilNextRetry(t *testing.T) {
	m, timers, clk, bus := newTestManager(t, nil)
	ch, cancel := bus.Subscribe(64, nil)
	defer cancel()

	m.HandleError(ServiceExchange, errors.New("boom"))
	first := timers.pop(t)
	for i := 0; i < 9; i++ {
		m.HandleError(ServiceExchange, errors.New("boom"))
	}
	waitEvent(t, ch, events.TypeCircuitOpen)
	stats := m.ErrorStatistics()[ServiceExchange]
	assert.True(t, stats.Breaker.IsOpen)
	assert.Equal(t, 10, stats.Breaker.FailureCount)

	probed := false
	m.RegisterProbe(ServiceExchange, func(context.Context) error { probed = true; return nil })
	first.fn()
	assert.False(t, probed, "no recovery attempt while the breaker is open")
	assert.ErrorIs(t, m.Call(context.Background(), ServiceExchange, func(context.Context) error { return nil }), ErrCircuitOpen)

	clk.Advance(5 * time.Minute)
	require.NoError(t, m.Call(context.Background(), ServiceExchange, func(context.Context) error { return nil }))
	stats = m.ErrorStatistics()[ServiceExchange]
	assert.False(t, stats.Breaker.IsOpen)
	assert.Zero(t, stats.Breaker.FailureCount)
	assert.Zero(t, stats.ErrorCount)
	assert.Zero(t, stats.RecoveryAttempts)
	waitEvent(t, ch, events.TypeServiceRecovered)
}

func TestRecoveryAbandonedAfterMaxAttempts(t *testing.T) {
	m, timers, _, bus := newTestManager(t, nil)
	ch, cancel := bus.Subscribe(64, nil)
	defer cancel()
	m.RegisterProbe(ServiceAI, func(context.Context) error {
		return &NetworkError{Service: ServiceAI, Retryable: true, Err: errors.New("down")}
	})

	m.HandleError(ServiceAI, errors.New("down"))
	for i := 0; i < 5; i++ {
		c := timers.pop(t)
		c.fn()
	}
	assert.Equal(t, 0, timers.len())
	waitEvent(t, ch, events.TypeRecoveryAbandoned)
	stats := m.ErrorStatistics()[ServiceAI]
	assert.Equal(t, 5, stats.RecoveryAttempts)
	assert.Equal(t, 6, stats.ErrorCount)
	assert.True(t, stats.Abandoned)
}

func TestProbeSuccessRecovers(t *testing.T) {
	m, timers, _, bus := newTestManager(t, nil)
	ch, cancel := bus.Subscribe(8, nil)
	defer cancel()
	m.RegisterProbe(ServiceExchange, func(context.Context) error { return nil })

	m.HandleError(ServiceExchange, errors.New("blip"))
	m.HandleError(ServiceExchange, errors.New("blip"))
	timers.pop(t).fn()

	waitEvent(t, ch, events.TypeServiceRecovered)
	stats := m.ErrorStatistics()[ServiceExchange]
	assert.Zero(t, stats.ErrorCount)
	assert.Zero(t, stats.RecoveryAttempts)
	assert.False(t, m.IsInRecoveryMode())
}

func TestCounterSurvivesPlainSuccess(t *testing.T) {
	m, timers, _, _ := newTestManager(t, nil)
	m.HandleError(ServiceExchange, errors.New("one"))
	timers.pop(t)
	m.ResetServiceErrors(ServiceExchange)

	m.HandleError(ServiceExchange, &types.ValidationError{Field: "amount", Reason: "too small"})
	require.NoError(t, m.Call(context.Background(), ServiceExchange, func(context.Context) error { return nil }))
	assert.Equal(t, 1, m.ErrorStatistics()[ServiceExchange].ErrorCount)
	assert.Equal(t, 0, timers.len(), "validation errors are not retried")
}

func TestCallTimeoutCountsAsNetworkError(t *testing.T) {
	bus := events.NewBus()
	m := NewManager(Config{NetworkTimeout: 20 * time.Millisecond}, bus, nil, nil)
	timers := &fakeTimers{}
	m.after = timers.after

	release := make(chan struct{})
	defer close(release)
	err := m.Call(context.Background(), ServiceAI, func(context.Context) error {
		<-release
		return nil
	})
	assert.Equal(t, KindNetwork, Classify(err))
	assert.Equal(t, 1, m.ErrorStatistics()[ServiceAI].ErrorCount)
	assert.Equal(t, 1, timers.len())
}

func TestCallValue(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)
	v, err := CallValue(context.Background(), m, ServiceExchange, func(context.Context) (float64, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestForceServiceRecovery(t *testing.T) {
	m, timers, _, _ := newTestManager(t, nil)
	assert.False(t, m.ForceServiceRecovery(context.Background(), "unknown"))

	for i := 0; i < 10; i++ {
		m.HandleError(ServiceExchange, errors.New("boom"))
	}
	timers.pop(t)
	healthy := false
	m.RegisterProbe(ServiceExchange, func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("still down")
	})
	assert.False(t, m.ForceServiceRecovery(context.Background(), ServiceExchange))
	assert.Equal(t, 11, m.ErrorStatistics()[ServiceExchange].ErrorCount)

	healthy = true
	assert.True(t, m.ForceServiceRecovery(context.Background(), ServiceExchange))
	stats := m.ErrorStatistics()[ServiceExchange]
	assert.Zero(t, stats.ErrorCount)
	assert.False(t, stats.Breaker.IsOpen)
}

func TestSnapshotRestoreResetsRunningFlag(t *testing.T) {
	persister := &memPersister{}
	m, timers, _, _ := newTestManager(t, persister)
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	pos := types.TradingPosition{ID: "p1", Symbol: "BTC/USDT", Side: types.SideBuy, Amount: 0.1, EntryPrice: 50000, Status: types.PositionOpen}
	sig := types.TradingSignal{Symbol: "ETH/USDT", Action: types.ActionBuy, Confidence: 0.7, TargetPrice: 3000, Timestamp: start}
	m.SetStateSource(func() SessionState {
		return SessionState{
			IsRunning:       true,
			StartTime:       &start,
			ActivePositions: []types.TradingPosition{pos},
			PendingSignals:  []types.TradingSignal{sig},
			MarketDataCache: map[string]types.MarketSample{"BTC/USDT": {Symbol: "BTC/USDT", Price: 50000, Volume: 1, Timestamp: start}},
		}
	})
	for i := 0; i < 3; i++ {
		m.HandleError(ServiceAI, errors.New("flaky"))
	}
	timers.pop(t)
	require.NoError(t, m.SaveState(context.Background()))
	require.True(t, persister.state.IsRunning)

	restartedM, _, _, _ := newTestManager(t, persister)
	restored, err := restartedM.Restore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, []types.TradingPosition{pos}, restored.Positions)
	assert.Equal(t, []types.TradingSignal{sig}, restored.Signals)
	assert.Contains(t, restored.MarketCache, "BTC/USDT")

	state := restartedM.BuildState()
	assert.False(t, state.IsRunning)
	assert.Nil(t, state.StartTime)
	assert.Equal(t, 3, state.ErrorCounts[ServiceAI])
	assert.Equal(t, 1, state.RecoveryAttempts[ServiceAI])
	assert.True(t, restartedM.IsInRecoveryMode())
}

func TestSaveStateFailureIsPersistenceError(t *testing.T) {
	persister := &memPersister{err: errors.New("disk full")}
	m, _, _, _ := newTestManager(t, persister)
	err := m.SaveState(context.Background())
	assert.Equal(t, KindPersistence, Classify(err))
}
