package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/decision"
	"tradeloop/internal/gateway/exchange"
	"tradeloop/internal/types"
)

// limitExchange accepts buys as resting limit orders that only fill when the
// test says so.
type limitExchange struct {
	*exchange.Paper

	mu      sync.Mutex
	orders  map[string]types.TradeExecution
	placed  int
	cancels []string
}

func (l *limitExchange) PlaceBuyOrder(_ context.Context, sym string, amount, price float64) (types.TradeExecution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.placed++
	exec := types.TradeExecution{
		ID:        fmt.Sprintf("exec-%d", l.placed),
		OrderID:   fmt.Sprintf("limit-%d", l.placed),
		Symbol:    sym,
		Side:      types.SideBuy,
		Amount:    0,
		Price:     price,
		Status:    types.ExecutionPending,
		Timestamp: time.Now(),
	}
	l.orders[exec.OrderID] = exec
	return exec, nil
}

func (l *limitExchange) GetOrder(_ context.Context, orderID string) (types.TradeExecution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exec, ok := l.orders[orderID]
	if !ok {
		return types.TradeExecution{}, &types.ValidationError{Field: "order_id", Reason: "unknown order " + orderID}
	}
	return exec, nil
}

func (l *limitExchange) CancelOrder(_ context.Context, orderID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancels = append(l.cancels, orderID)
	exec, ok := l.orders[orderID]
	if !ok || exec.Status != types.ExecutionPending {
		return false, nil
	}
	exec.Status = types.ExecutionCancelled
	l.orders[orderID] = exec
	return true, nil
}

// fill marks the order filled and books the position on the paper account.
func (l *limitExchange) fill(t *testing.T, orderID string, amount float64) {
	t.Helper()
	l.mu.Lock()
	exec := l.orders[orderID]
	exec.Status = types.ExecutionFilled
	exec.Amount = amount
	l.orders[orderID] = exec
	l.mu.Unlock()
	_, err := l.Paper.PlaceBuyOrder(context.Background(), exec.Symbol, amount, exec.Price)
	require.NoError(t, err)
}

func (l *limitExchange) counts() (placed, cancels int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.placed, len(l.cancels)
}

func (l *limitExchange) status(orderID string) types.ExecutionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orders[orderID].Status
}

func withLimitOrders(l *limitExchange, timeout time.Duration) fixtureOption {
	return func(cfg *Config, deps *Deps, paper *exchange.Paper) {
		l.Paper = paper
		l.orders = make(map[string]types.TradeExecution)
		deps.Exchange = l
		cfg.OrderTimeout = timeout
		dcfg := decision.DefaultConfig()
		dcfg.SweepInterval = time.Hour
		dcfg.ThrottleWindow = time.Millisecond
		deps.Decision = decision.NewEngine(dcfg, deps.Risk)
	}
}

func sendSignal(t *testing.T, f *fixture, sig types.TradingSignal) {
	t.Helper()
	require.NoError(t, f.s.actor.SendSync(context.Background(), Envelope{Type: cmdSignal, Payload: signalResult{symbol: btc, signal: sig}}))
}

func awaitResting(t *testing.T, f *fixture) RestingOrder {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.s.RestingOrders()) == 1 }, 2*time.Second, 10*time.Millisecond)
	return f.s.RestingOrders()[0]
}

func TestRestingOrderHoldsSymbolUntilFilled(t *testing.T) {
	l := &limitExchange{}
	f := newFixture(t, false, withLimitOrders(l, time.Hour))
	f.start(t)
	require.NoError(t, f.s.ProcessMarketData(context.Background(), sample(100)))

	sendSignal(t, f, signalOf(types.ActionBuy, 0.9, "first"))
	order := awaitResting(t, f)
	assert.Equal(t, btc, order.Symbol)
	assert.Equal(t, types.SideBuy, order.Side)
	assert.InDelta(t, 9.0, order.Amount, 1e-9)
	assert.Equal(t, 1, f.s.GetState().RestingOrders)
	assert.Empty(t, f.s.GetActivePositions())

	rs := f.s.RiskStatus()
	assert.Equal(t, 1, rs.PendingOrders)
	assert.InDelta(t, 900.0, rs.PendingNotional, 1e-9)

	// A fresh signal past the throttle window still waits on the resting order.
	time.Sleep(5 * time.Millisecond)
	sendSignal(t, f, signalOf(types.ActionBuy, 0.95, "second"))
	f.s.reconcile(context.Background())
	placed, cancels := l.counts()
	assert.Equal(t, 1, placed)
	assert.Zero(t, cancels)
	require.Len(t, f.s.PendingSignals(), 1)
	assert.Equal(t, "second", f.s.PendingSignals()[0].Reasoning)
	assert.Len(t, f.s.RestingOrders(), 1)

	l.fill(t, order.OrderID, 9)
	f.s.reconcile(context.Background())
	assert.Empty(t, f.s.RestingOrders())
	require.Len(t, f.s.GetActivePositions(), 1)
	assert.InDelta(t, 9.0, f.s.GetActivePositions()[0].Amount, 1e-9)
	assert.Equal(t, 1, f.s.GetState().TotalTrades)
	assert.Zero(t, f.s.RiskStatus().PendingOrders)
}

func TestStaleRestingOrderCancelledOnTimeout(t *testing.T) {
	l := &limitExchange{}
	f := newFixture(t, false, withLimitOrders(l, 10*time.Millisecond))
	f.start(t)
	require.NoError(t, f.s.ProcessMarketData(context.Background(), sample(100)))

	sendSignal(t, f, signalOf(types.ActionBuy, 0.9, "first"))
	order := awaitResting(t, f)

	time.Sleep(20 * time.Millisecond)
	f.s.reconcile(context.Background())

	_, cancels := l.counts()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, types.ExecutionCancelled, l.status(order.OrderID))
	assert.Empty(t, f.s.RestingOrders())
	assert.Zero(t, f.s.RiskStatus().PendingOrders)
	assert.Zero(t, f.s.GetState().TotalTrades)

	// The symbol takes orders again once the stale one is gone.
	sendSignal(t, f, signalOf(types.ActionBuy, 0.9, "retry"))
	require.Eventually(t, func() bool {
		placed, _ := l.counts()
		return placed == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopTradingCancelsRestingOrders(t *testing.T) {
	l := &limitExchange{}
	f := newFixture(t, false, withLimitOrders(l, time.Hour))
	f.start(t)
	require.NoError(t, f.s.ProcessMarketData(context.Background(), sample(100)))

	sendSignal(t, f, signalOf(types.ActionBuy, 0.9, "first"))
	order := awaitResting(t, f)

	require.NoError(t, f.s.StopTrading(context.Background()))

	_, cancels := l.counts()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, types.ExecutionCancelled, l.status(order.OrderID))
	assert.Empty(t, f.s.RestingOrders())
	assert.Zero(t, f.s.GetState().RestingOrders)
}

func TestStopLossCancelsRestingOrderFirst(t *testing.T) {
	l := &limitExchange{}
	f := newFixture(t, false, withLimitOrders(l, time.Hour))
	f.start(t)
	require.NoError(t, f.s.ProcessMarketData(context.Background(), sample(100)))

	sendSignal(t, f, signalOf(types.ActionBuy, 0.9, "first"))
	order := awaitResting(t, f)

	// A position opened elsewhere drops through its stop while the order rests.
	_, err := l.Paper.PlaceBuyOrder(context.Background(), btc, 2, 100)
	require.NoError(t, err)
	l.SetPrice(btc, 80)
	f.s.reconcile(context.Background())

	require.Eventually(t, func() bool { return l.status(order.OrderID) == types.ExecutionCancelled }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.s.RestingOrders()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
