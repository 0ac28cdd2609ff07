package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeloop/internal/decision"
	"tradeloop/internal/events"
	"tradeloop/internal/metrics"
	"tradeloop/internal/pkg/trading"
	"tradeloop/internal/resilience"
	"tradeloop/internal/types"
)

type signalResult struct {
	symbol string
	signal types.TradingSignal
	err    error
}

type executionResult struct {
	decision types.TradingDecision
	exec     types.TradeExecution
	err      error
}

type reconcileResult struct {
	orders      []orderUpdate
	fetchedAt   time.Time
	positions   []types.TradingPosition
	positionErr error
	balances    types.Balances
	balanceErr  error
}

// spawn runs fn as a tracked worker. It must be called from the actor and
// does nothing once the run context is cancelled.
func (s *Session) spawn(fn func(ctx context.Context)) bool {
	ctx := s.context()
	if ctx == nil {
		return false
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn(ctx)
	}()
	return true
}

func (s *Session) onMarketSample(payload any) error {
	sample, ok := payload.(types.MarketSample)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	b := s.actor.book
	if prev, ok := b.market[sample.Symbol]; ok && prev.Timestamp.After(sample.Timestamp) {
		return nil
	}
	b.market[sample.Symbol] = sample
	b.lastMarket = s.nowFn()
	s.decision.UpdateSample(sample)

	for key, p := range b.positions {
		if p.Symbol != sample.Symbol {
			continue
		}
		p.MarkToMarket(sample.Price)
		b.positions[key] = p
	}

	if !s.signalsEnabled() || b.requesting[sample.Symbol] {
		return nil
	}
	b.requesting[sample.Symbol] = true
	started := s.spawn(func(ctx context.Context) { s.requestSignal(ctx, sample) })
	if !started {
		delete(b.requesting, sample.Symbol)
	}
	return nil
}

func (s *Session) requestSignal(ctx context.Context, sample types.MarketSample) {
	sig, err := resilience.CallValue(ctx, s.res, resilience.ServiceAI, func(ctx context.Context) (types.TradingSignal, error) {
		return s.provider.AnalyzeMarket(ctx, sample)
	})
	if err == nil {
		sig.Symbol = sample.Symbol
		err = sig.Validate()
	}
	res := signalResult{symbol: sample.Symbol, signal: sig, err: err}
	if sendErr := s.actor.Send(Envelope{Type: cmdSignal, Payload: res}); sendErr != nil {
		log.Debugf("signal for %s discarded: %v", sample.Symbol, sendErr)
	}
}

func (s *Session) onSignal(payload any) error {
	res, ok := payload.(signalResult)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	b := s.actor.book
	delete(b.requesting, res.symbol)
	if res.err != nil {
		if errors.Is(res.err, resilience.ErrCircuitOpen) {
			log.Debugf("signal for %s skipped: ai circuit open", res.symbol)
		} else {
			log.Warnf("signal request for %s failed: %v", res.symbol, res.err)
		}
		return nil
	}
	if prev, ok := b.pending[res.symbol]; ok {
		log.Debugf("signal %s %s replaces pending %s", res.symbol, res.signal.Action, prev.Action)
	}
	b.pending[res.symbol] = res.signal
	s.evaluatePending(res.symbol)
	return nil
}

func (s *Session) signalTick(ctx context.Context) {
	if err := s.actor.SendSync(ctx, Envelope{Type: cmdSignalTick}); err != nil && ctx.Err() == nil {
		log.Warnf("signal tick: %v", err)
	}
}

func (s *Session) onSignalTick(any) error {
	for sym := range s.actor.book.pending {
		s.evaluatePending(sym)
	}
	return nil
}

// evaluatePending turns the pending signal for sym into a decision. Throttled
// signals stay pending; stale ones are dropped.
func (s *Session) evaluatePending(sym string) {
	b := s.actor.book
	sig, ok := b.pending[sym]
	if !ok {
		return
	}
	if b.busy(sym) {
		log.Debugf("signal %s waits: order in flight", sym)
		return
	}
	sample, ok := b.market[sym]
	if !ok {
		log.Debugf("signal %s waits: no market data", sym)
		return
	}
	d, err := s.decision.Evaluate(sig, sample, s.viewLocked())
	switch {
	case errors.Is(err, decision.ErrThrottled):
		return
	case errors.Is(err, decision.ErrStaleSignal):
		delete(b.pending, sym)
		log.Infof("dropped %v", err)
		return
	case err != nil:
		delete(b.pending, sym)
		log.Warnf("evaluate %s: %v", sym, err)
		return
	}
	delete(b.pending, sym)
	b.lastSignal = s.nowFn()
	s.handleDecision(d)
}

// viewLocked builds the engine view from the book. Actor only.
func (s *Session) viewLocked() decision.View {
	b := s.actor.book
	return decision.View{
		Positions:        b.positionList(),
		AvailableBalance: b.balances.Available(s.cfg.QuoteCurrency),
	}
}

func (s *Session) forwardDecisions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.decision.Decisions():
			if err := s.actor.Send(Envelope{Type: cmdDecision, Payload: d}); err != nil {
				log.Warnf("sweep decision %s %s dropped: %v", d.Action, d.Symbol, err)
			}
		}
	}
}

func (s *Session) onDecision(payload any) error {
	d, ok := payload.(types.TradingDecision)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	if started := s.started(); started.IsZero() || d.Timestamp.Before(started) {
		log.Infof("sweep %s %s from before this run dropped", d.Action, d.Symbol)
		return nil
	}
	s.handleDecision(d)
	return nil
}

func (s *Session) handleDecision(d types.TradingDecision) {
	if !d.IsHold() {
		s.publish(events.Event{
			Type:     events.TypeDecision,
			Severity: events.SeverityInfo,
			Message:  fmt.Sprintf("%s %s %.6f @ %.4f: %s", d.Action, d.Symbol, d.Amount, d.Price, d.Reasoning),
			Data: map[string]any{
				"id": d.ID, "symbol": d.Symbol, "action": string(d.Action),
				"amount": d.Amount, "price": d.Price, "source": string(d.Source),
			},
		})
	}
	if !d.Executable() {
		if d.Action == types.ActionRebalance {
			log.Infof("rebalance %s noted, no order placed: %s", d.Symbol, d.Reasoning)
		}
		if s.journal != nil {
			s.spawn(func(ctx context.Context) { s.recordDecision(ctx, d) })
		}
		return
	}
	s.dispatch(d)
}

// dispatch places one order per symbol at a time. In-flight orders finish
// even after stop is requested.
func (s *Session) dispatch(d types.TradingDecision) {
	b := s.actor.book
	if b.busy(d.Symbol) {
		log.Infof("skip %s %s: order already in flight", d.Action, d.Symbol)
		return
	}
	b.ordering[d.Symbol] = true
	started := s.spawn(func(ctx context.Context) {
		ctx = context.WithoutCancel(ctx)
		s.recordDecision(ctx, d)
		exec, err := resilience.CallValue(ctx, s.res, resilience.ServiceExchange, func(ctx context.Context) (types.TradeExecution, error) {
			if d.Action == types.ActionBuy {
				return s.ex.PlaceBuyOrder(ctx, d.Symbol, d.Amount, d.Price)
			}
			return s.ex.PlaceSellOrder(ctx, d.Symbol, d.Amount, d.Price)
		})
		s.recordExecution(ctx, d, exec, err)
		if sendErr := s.actor.Send(Envelope{Type: cmdExecution, Payload: executionResult{decision: d, exec: exec, err: err}}); sendErr != nil {
			log.Warnf("execution result for %s lost: %v", d.Symbol, sendErr)
		}
	})
	if !started {
		delete(b.ordering, d.Symbol)
	}
}

func (s *Session) recordDecision(ctx context.Context, d types.TradingDecision) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.RecordDecision(ctx, d); err != nil {
		log.Warnf("journal decision %s: %v", d.ID, err)
	}
}

func (s *Session) recordExecution(ctx context.Context, d types.TradingDecision, exec types.TradeExecution, execErr error) {
	if s.journal == nil {
		return
	}
	if exec.Symbol == "" {
		exec.Symbol = d.Symbol
		exec.Side = types.Side(d.Action)
		exec.Amount = d.Amount
		exec.Price = d.Price
		exec.Timestamp = s.nowFn()
	}
	if _, err := s.journal.RecordExecution(ctx, d.ID, exec, execErr); err != nil {
		log.Warnf("journal execution for %s: %v", d.ID, err)
	}
}

func (s *Session) onExecution(payload any) error {
	res, ok := payload.(executionResult)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	b := s.actor.book
	d := res.decision
	delete(b.ordering, d.Symbol)

	if res.err != nil {
		metrics.ObserveExecution(string(d.Action), string(types.ExecutionFailed))
		log.Errorf("%s %s %.6f failed: %v", d.Action, d.Symbol, d.Amount, res.err)
		s.publish(events.Event{
			Type:     events.TypeExecution,
			Severity: events.SeverityWarning,
			Service:  resilience.ServiceExchange,
			Message:  fmt.Sprintf("%s %s failed: %v", d.Action, d.Symbol, res.err),
			Data:     map[string]any{"decision_id": d.ID, "symbol": d.Symbol, "error": res.err.Error()},
		})
		return nil
	}
	exec := res.exec
	if exec.Symbol == "" {
		exec.Symbol = d.Symbol
	}
	if exec.Side == "" {
		exec.Side = types.Side(d.Action)
	}
	metrics.ObserveExecution(string(exec.Side), string(exec.Status))
	s.publish(events.Event{
		Type:     events.TypeExecution,
		Severity: events.SeverityInfo,
		Service:  resilience.ServiceExchange,
		Message:  fmt.Sprintf("%s %s %.6f @ %.4f %s", exec.Side, exec.Symbol, exec.Amount, exec.Price, exec.Status),
		Data: map[string]any{
			"decision_id": d.ID, "order_id": exec.OrderID, "symbol": exec.Symbol,
			"side": string(exec.Side), "amount": exec.Amount, "price": exec.Price, "status": string(exec.Status),
		},
	})
	switch exec.Status {
	case types.ExecutionFilled:
	case types.ExecutionPending:
		s.trackResting(d, exec)
		return nil
	default:
		log.Warnf("order %s %s ended %s without a fill", exec.OrderID, exec.Symbol, exec.Status)
		return nil
	}
	b.totalTrades++
	s.applyFill(exec, d.Source)
	s.syncRisk()
	return nil
}

// applyFill moves the book by one filled execution. A fill against the
// opposite side reduces that position first.
func (s *Session) applyFill(exec types.TradeExecution, source types.DecisionSource) {
	b := s.actor.book
	opposite := types.SideSell
	if exec.Side == types.SideSell {
		opposite = types.SideBuy
	}
	if pos, ok := b.positions[positionKey(exec.Symbol, opposite)]; ok && pos.IsOpen() {
		s.reducePosition(pos, exec, source)
		return
	}

	key := positionKey(exec.Symbol, exec.Side)
	now := s.nowFn()
	b.touched[key] = now
	pos, ok := b.positions[key]
	if ok {
		pos.EntryPrice = trading.WeightedEntry(pos.Amount, pos.EntryPrice, exec.Amount, exec.Price)
		pos.Amount += exec.Amount
	} else {
		pos = types.TradingPosition{
			ID:         uuid.NewString(),
			Symbol:     exec.Symbol,
			Side:       exec.Side,
			Amount:     exec.Amount,
			EntryPrice: exec.Price,
			Status:     types.PositionOpen,
			Timestamp:  exec.Timestamp,
		}
		if pos.Timestamp.IsZero() {
			pos.Timestamp = now
		}
	}
	pos.MarkToMarket(s.markPrice(exec.Symbol, exec.Price))
	b.positions[key] = pos
	log.Infof("position %s %s amount=%.6f entry=%.4f", pos.Side, pos.Symbol, pos.Amount, pos.EntryPrice)
}

func (s *Session) reducePosition(pos types.TradingPosition, exec types.TradeExecution, source types.DecisionSource) {
	b := s.actor.book
	key := positionKey(pos.Symbol, pos.Side)
	b.touched[key] = s.nowFn()

	closed := trading.Min(exec.Amount, pos.Amount)
	pnl := (exec.Price - pos.EntryPrice) * closed
	if pos.Side == types.SideSell {
		pnl = -pnl
	}
	pnl -= exec.Fee
	s.risk.RecordRealizedPnL(pnl)

	pos.Amount = trading.Reduce(pos.Amount, closed)
	if pos.Amount <= 0 {
		delete(b.positions, key)
		log.Infof("position %s %s closed pnl=%.4f source=%s", pos.Side, pos.Symbol, pnl, source)
		s.publish(events.Event{
			Type:     events.TypePositionClosed,
			Severity: events.SeverityInfo,
			Message:  fmt.Sprintf("%s %s closed, pnl %.4f", pos.Side, pos.Symbol, pnl),
			Data: map[string]any{
				"symbol": pos.Symbol, "side": string(pos.Side), "pnl": pnl,
				"exit_price": exec.Price, "source": string(source),
			},
		})
		return
	}
	pos.MarkToMarket(s.markPrice(pos.Symbol, exec.Price))
	b.positions[key] = pos
	log.Infof("position %s %s reduced to %.6f pnl=%.4f", pos.Side, pos.Symbol, pos.Amount, pnl)
}

func (s *Session) markPrice(sym string, fallback float64) float64 {
	if sample, ok := s.actor.book.market[sym]; ok && sample.Price > 0 {
		return sample.Price
	}
	return fallback
}

func (s *Session) syncRisk() {
	b := s.actor.book
	list := b.positionList()
	s.risk.SyncPositions(list)
	s.risk.SyncPendingOrders(b.pendingOrders())
	metrics.SetActivePositions(len(list))
}

// reconcile fetches exchange positions and balances outside the actor and
// applies them inside it.
func (s *Session) reconcile(ctx context.Context) {
	// Order states are read before positions so a fill seen here is already
	// part of the position list.
	orders := s.checkOrders(ctx, s.actor.Snapshot().Resting, false)
	res := reconcileResult{orders: orders, fetchedAt: s.nowFn()}
	res.positions, res.positionErr = resilience.CallValue(ctx, s.res, resilience.ServiceExchange, s.ex.GetOpenPositions)
	res.balances, res.balanceErr = resilience.CallValue(ctx, s.res, resilience.ServiceExchange, s.ex.GetAccountBalance)
	if err := s.actor.SendSync(ctx, Envelope{Type: cmdReconcile, Payload: res}); err != nil && ctx.Err() == nil {
		log.Warnf("reconcile: %v", err)
	}
}

func (s *Session) onReconcile(payload any) error {
	res, ok := payload.(reconcileResult)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	b := s.actor.book
	s.applyOrderUpdates(res.orders)
	if res.balanceErr != nil {
		log.Warnf("balance refresh failed: %v", res.balanceErr)
	} else if res.balances != nil {
		b.balances = res.balances.Clone()
		s.risk.UpdateBalance(b.balances.Available(s.cfg.QuoteCurrency))
	}
	if res.positionErr != nil {
		log.Warnf("position refresh failed, keeping local book: %v", res.positionErr)
		return nil
	}

	seen := make(map[string]bool, len(res.positions))
	for _, remote := range res.positions {
		if remote.Amount <= 0 || remote.Symbol == "" {
			continue
		}
		key := positionKey(remote.Symbol, remote.Side)
		seen[key] = true
		if s.changedSince(key, remote.Symbol, res.fetchedAt) {
			continue
		}
		price := remote.CurrentPrice
		if price <= 0 {
			price = s.markPrice(remote.Symbol, remote.EntryPrice)
		}
		if cur, ok := b.positions[key]; ok {
			cur.Amount = remote.Amount
			if remote.EntryPrice > 0 {
				cur.EntryPrice = remote.EntryPrice
			}
			cur.Status = types.PositionOpen
			cur.MarkToMarket(price)
			b.positions[key] = cur
			continue
		}
		p := remote
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = res.fetchedAt
		}
		p.Status = types.PositionOpen
		p.MarkToMarket(price)
		b.positions[key] = p
		log.Infof("adopted exchange position %s %s amount=%.6f", p.Side, p.Symbol, p.Amount)
	}
	for key, p := range b.positions {
		if seen[key] || s.changedSince(key, p.Symbol, res.fetchedAt) {
			continue
		}
		delete(b.positions, key)
		log.Infof("position %s %s closed outside the session", p.Side, p.Symbol)
		s.publish(events.Event{
			Type:     events.TypePositionClosed,
			Severity: events.SeverityWarning,
			Message:  fmt.Sprintf("%s %s no longer reported by exchange", p.Side, p.Symbol),
			Data:     map[string]any{"symbol": p.Symbol, "side": string(p.Side), "source": "reconcile"},
		})
	}
	s.syncRisk()
	s.enforceStopLoss()
	return nil
}

// changedSince reports whether the local book moved after the exchange data
// was fetched, in which case that data is already stale.
func (s *Session) changedSince(key, sym string, fetchedAt time.Time) bool {
	b := s.actor.book
	if b.ordering[sym] {
		return true
	}
	t, ok := b.touched[key]
	return ok && t.After(fetchedAt)
}

func (s *Session) enforceStopLoss() {
	slip := s.cfg.StopLossSlippage
	b := s.actor.book
	for _, p := range b.positionList() {
		if !p.IsOpen() || !s.risk.CheckStopLoss(p) || b.ordering[p.Symbol] {
			continue
		}
		if _, ok := b.resting[p.Symbol]; ok {
			// The forced exit follows once the resting order is gone.
			s.cancelRestingAsync(p.Symbol, "stop loss")
			continue
		}
		action, price := types.ActionSell, p.CurrentPrice*(1-slip)
		if p.Side == types.SideSell {
			action, price = types.ActionBuy, p.CurrentPrice*(1+slip)
		}
		d := types.TradingDecision{
			ID:         uuid.NewString(),
			Action:     action,
			Symbol:     p.Symbol,
			Amount:     p.Amount,
			Price:      price,
			Confidence: 1,
			Reasoning:  fmt.Sprintf("stop loss hit at %.2f%%", p.PnLPercentage()),
			Timestamp:  s.nowFn(),
			Source:     types.SourceStopLoss,
		}
		metrics.ObserveDecision(string(d.Action), string(d.Source))
		log.Warnf("stop loss %s %s amount=%.6f price=%.4f", p.Side, p.Symbol, p.Amount, price)
		s.handleDecision(d)
	}
}

func (s *Session) pollMarket(ctx context.Context) {
	for _, sym := range s.cfg.Symbols {
		sample, err := resilience.CallValue(ctx, s.res, resilience.ServiceExchange, func(ctx context.Context) (types.MarketSample, error) {
			return s.ex.GetMarketData(ctx, sym)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("market data %s: %v", sym, err)
			continue
		}
		if err := s.ProcessMarketData(ctx, sample); err != nil && ctx.Err() == nil {
			log.Warnf("process %s: %v", sym, err)
		}
	}
}
