package session

import (
	"context"
	"fmt"
	"time"

	"tradeloop/internal/events"
	"tradeloop/internal/gateway/exchange"
	"tradeloop/internal/metrics"
	"tradeloop/internal/pkg/trading"
	"tradeloop/internal/resilience"
	"tradeloop/internal/risk"
	"tradeloop/internal/types"
)

// RestingOrder is an order the exchange accepted without filling it. Its
// symbol stays busy and its notional counts against risk limits until the
// order fills, is cancelled or times out.
type RestingOrder struct {
	OrderID    string               `json:"orderId"`
	DecisionID string               `json:"decisionId"`
	Symbol     string               `json:"symbol"`
	Side       types.Side           `json:"side"`
	Amount     float64              `json:"amount"`
	Price      float64              `json:"price"`
	Source     types.DecisionSource `json:"source"`
	PlacedAt   time.Time            `json:"placedAt"`
	Cancelling bool                 `json:"cancelling"`
}

func (o RestingOrder) notional() float64 {
	return trading.Notional(o.Amount, o.Price)
}

// orderUpdate is the outcome of checking one resting order on the exchange.
type orderUpdate struct {
	order    RestingOrder
	status   types.ExecutionStatus
	filled   float64
	resolved bool
	outcome  string
	err      error
}

func (b *book) pendingOrders() []risk.PendingOrder {
	out := make([]risk.PendingOrder, 0, len(b.resting))
	for _, o := range b.resting {
		out = append(out, risk.PendingOrder{Symbol: o.Symbol, Side: o.Side, Notional: o.notional()})
	}
	return out
}

// trackResting runs on the actor.
func (s *Session) trackResting(d types.TradingDecision, exec types.TradeExecution) {
	if exec.OrderID == "" {
		log.Warnf("pending %s %s has no order id; position follows on reconcile", exec.Side, exec.Symbol)
		return
	}
	o := RestingOrder{
		OrderID:    exec.OrderID,
		DecisionID: d.ID,
		Symbol:     exec.Symbol,
		Side:       exec.Side,
		Amount:     d.Amount,
		Price:      d.Price,
		Source:     d.Source,
		PlacedAt:   s.nowFn(),
	}
	if o.Price <= 0 {
		o.Price = exec.Price
	}
	s.actor.book.resting[o.Symbol] = o
	log.Infof("order %s %s %s rests on the book (%.6f @ %.4f)", o.OrderID, o.Side, o.Symbol, o.Amount, o.Price)
	s.syncRisk()
}

// checkOrders reads each order's state from the exchange and cancels the ones
// still open past the order timeout, or all open ones when force is set.
// It runs off the actor.
func (s *Session) checkOrders(ctx context.Context, orders []RestingOrder, force bool) []orderUpdate {
	if len(orders) == 0 {
		return nil
	}
	reader, canRead := s.ex.(exchange.OrderReader)
	out := make([]orderUpdate, 0, len(orders))
	for _, o := range orders {
		up := orderUpdate{order: o}
		if canRead {
			exec, err := resilience.CallValue(ctx, s.res, resilience.ServiceExchange, func(ctx context.Context) (types.TradeExecution, error) {
				return reader.GetOrder(ctx, o.OrderID)
			})
			if err != nil {
				log.Warnf("order %s %s state: %v", o.OrderID, o.Symbol, err)
			} else {
				up.status, up.filled = exec.Status, exec.Amount
			}
		}
		switch up.status {
		case types.ExecutionFilled, types.ExecutionCancelled, types.ExecutionFailed:
			up.resolved, up.outcome = true, string(up.status)
			out = append(out, up)
			continue
		}
		if !force && s.nowFn().Sub(o.PlacedAt) < s.cfg.OrderTimeout {
			out = append(out, up)
			continue
		}
		cancelled, err := resilience.CallValue(ctx, s.res, resilience.ServiceExchange, func(ctx context.Context) (bool, error) {
			return s.ex.CancelOrder(ctx, o.OrderID)
		})
		switch {
		case err != nil:
			up.err = err
			log.Warnf("cancel order %s %s: %v", o.OrderID, o.Symbol, err)
		case cancelled:
			up.resolved, up.outcome = true, string(types.ExecutionCancelled)
		default:
			// The exchange no longer holds it open. Whatever filled shows up
			// in the position list.
			up.resolved, up.outcome = true, "closed"
		}
		out = append(out, up)
	}
	return out
}

// applyOrderUpdates runs on the actor.
func (s *Session) applyOrderUpdates(updates []orderUpdate) {
	if len(updates) == 0 {
		return
	}
	b := s.actor.book
	changed := false
	for _, up := range updates {
		cur, ok := b.resting[up.order.Symbol]
		if !ok || cur.OrderID != up.order.OrderID {
			continue
		}
		if !up.resolved {
			if cur.Cancelling && up.err != nil {
				cur.Cancelling = false
				b.resting[cur.Symbol] = cur
			}
			continue
		}
		delete(b.resting, cur.Symbol)
		changed = true
		if up.outcome == string(types.ExecutionFilled) {
			b.totalTrades++
		}
		metrics.ObserveExecution(string(cur.Side), up.outcome)
		sev := events.SeverityInfo
		if up.outcome != string(types.ExecutionFilled) {
			sev = events.SeverityWarning
		}
		s.publish(events.Event{
			Type:     events.TypeExecution,
			Severity: sev,
			Service:  resilience.ServiceExchange,
			Message:  fmt.Sprintf("resting %s %s order %s %s", cur.Side, cur.Symbol, cur.OrderID, up.outcome),
			Data: map[string]any{
				"decision_id": cur.DecisionID, "order_id": cur.OrderID, "symbol": cur.Symbol,
				"side": string(cur.Side), "filled": up.filled, "status": up.outcome,
			},
		})
		log.Infof("resting order %s %s %s: %s", cur.OrderID, cur.Side, cur.Symbol, up.outcome)
		s.journalOrderUpdate(cur, up)
	}
	if changed {
		s.syncRisk()
	}
}

func (s *Session) journalOrderUpdate(o RestingOrder, up orderUpdate) {
	if s.journal == nil {
		return
	}
	status := up.status
	if status == "" || status == types.ExecutionPending {
		status = types.ExecutionCancelled
	}
	exec := types.TradeExecution{
		OrderID:   o.OrderID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Amount:    up.filled,
		Price:     o.Price,
		Status:    status,
		Timestamp: s.nowFn(),
	}
	d := types.TradingDecision{ID: o.DecisionID, Symbol: o.Symbol}
	s.spawn(func(ctx context.Context) {
		s.recordExecution(ctx, d, exec, nil)
	})
}

func (s *Session) onOrderUpdate(payload any) error {
	updates, ok := payload.([]orderUpdate)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	s.applyOrderUpdates(updates)
	return nil
}

// cancelRestingAsync runs on the actor.
func (s *Session) cancelRestingAsync(sym, reason string) {
	b := s.actor.book
	o, ok := b.resting[sym]
	if !ok || o.Cancelling {
		return
	}
	o.Cancelling = true
	b.resting[sym] = o
	log.Infof("cancelling resting order %s %s: %s", o.OrderID, sym, reason)
	started := s.spawn(func(ctx context.Context) {
		updates := s.checkOrders(ctx, []RestingOrder{o}, true)
		if err := s.actor.Send(Envelope{Type: cmdOrderUpdate, Payload: updates}); err != nil {
			log.Warnf("order update for %s: %v", sym, err)
		}
	})
	if !started {
		o.Cancelling = false
		b.resting[sym] = o
	}
}

// cancelRestingOrders cancels every resting order during shutdown. Orders the
// exchange cannot cancel stay tracked and are checked again after a restart.
func (s *Session) cancelRestingOrders(ctx context.Context) {
	// Execution results queued by drained workers land before the barrier.
	if err := s.actor.SendSync(ctx, Envelope{Type: cmdBarrier}); err != nil {
		log.Warnf("stop: order barrier: %v", err)
	}
	orders := s.actor.Snapshot().Resting
	if len(orders) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	updates := s.checkOrders(ctx, orders, true)
	if err := s.actor.SendSync(ctx, Envelope{Type: cmdOrderUpdate, Payload: updates}); err != nil {
		log.Warnf("stop: apply order updates: %v", err)
	}
}
