// Package session orchestrates the trading loop. One actor goroutine owns
// positions, pending signals and the market cache; timers, the market feed
// and collaborator calls talk to it through envelopes.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeloop/internal/decision"
	"tradeloop/internal/events"
	"tradeloop/internal/gateway/exchange"
	"tradeloop/internal/gateway/provider"
	"tradeloop/internal/logger"
	"tradeloop/internal/metrics"
	"tradeloop/internal/pkg/symbol"
	"tradeloop/internal/resilience"
	"tradeloop/internal/risk"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/types"
)

var log = logger.Named("session")

// Deps are the collaborators of a session. Provider and Journal are optional.
type Deps struct {
	Exchange   exchange.Exchange
	Provider   provider.SignalProvider
	Resilience *resilience.Manager
	Risk       *risk.Engine
	Decision   *decision.Engine
	Journal    Journal
	Bus        *events.Bus
}

type Session struct {
	cfg      Config
	ex       exchange.Exchange
	provider provider.SignalProvider
	res      *resilience.Manager
	risk     *risk.Engine
	decision *decision.Engine
	journal  Journal
	bus      *events.Bus

	actor *actor

	mu        sync.Mutex
	status    Status
	startTime time.Time
	runCtx    context.Context
	cancel    context.CancelFunc
	stopFeed  func()
	restored  bool

	loops   sync.WaitGroup
	workers sync.WaitGroup

	nowFn func() time.Time
}

func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Exchange == nil {
		return nil, fmt.Errorf("session: exchange is required")
	}
	if deps.Resilience == nil || deps.Risk == nil || deps.Decision == nil {
		return nil, fmt.Errorf("session: resilience, risk and decision engines are required")
	}
	cfg = cfg.withDefaults()
	cfg.Symbols = symbol.NormalizeList(cfg.Symbols)
	s := &Session{
		cfg:      cfg,
		ex:       deps.Exchange,
		provider: deps.Provider,
		res:      deps.Resilience,
		risk:     deps.Risk,
		decision: deps.Decision,
		journal:  deps.Journal,
		bus:      deps.Bus,
		actor:    newActor(),
		status:   StatusStopped,
		nowFn:    time.Now,
	}
	s.registerHandlers()

	s.res.RegisterProbe(resilience.ServiceExchange, s.ex.Authenticate)
	if s.provider != nil {
		s.res.RegisterProbe(resilience.ServiceAI, s.provider.Authenticate)
	}
	s.res.SetStateSource(s.sessionState)
	return s, nil
}

func (s *Session) registerHandlers() {
	s.actor.register(cmdMarketSample, s.onMarketSample)
	s.actor.register(cmdSignal, s.onSignal)
	s.actor.register(cmdSignalTick, s.onSignalTick)
	s.actor.register(cmdDecision, s.onDecision)
	s.actor.register(cmdExecution, s.onExecution)
	s.actor.register(cmdReconcile, s.onReconcile)
	s.actor.register(cmdOrderUpdate, s.onOrderUpdate)
	s.actor.register(cmdBarrier, func(any) error { return nil })
}

func (s *Session) Config() Config { return s.cfg }

// setStatusLocked requires s.mu.
func (s *Session) setStatusLocked(st Status) {
	if s.status == st {
		return
	}
	prev := s.status
	s.status = st
	log.Infof("session %s -> %s", prev, st)
	s.publish(events.Event{
		Type:     events.TypeSessionState,
		Severity: events.SeverityInfo,
		Message:  fmt.Sprintf("session %s", st),
		Data:     map[string]any{"from": string(prev), "to": string(st)},
	})
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) IsRunning() bool {
	return s.Status() == StatusRunning
}

// context returns the run context, or nil when the session is not running.
func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil || s.runCtx.Err() != nil {
		return nil
	}
	return s.runCtx
}

// StartTrading restores the last snapshot on first start, authenticates the
// exchange and the AI provider, then starts the actor and every timer.
func (s *Session) StartTrading(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusStopped {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w (status=%s)", ErrAlreadyRunning, st)
	}
	s.setStatusLocked(StatusStarting)
	first := !s.restored
	s.restored = true
	s.mu.Unlock()

	if first {
		s.restore(ctx)
	}
	if err := s.authenticate(ctx); err != nil {
		s.mu.Lock()
		s.setStatusLocked(StatusError)
		s.setStatusLocked(StatusStopped)
		s.mu.Unlock()
		log.Errorf("start aborted: %v", err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.actor.start()

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.startTime = s.nowFn()
	s.setStatusLocked(StatusRunning)
	s.mu.Unlock()

	feeding := s.subscribeFeed(runCtx)
	s.startLoops(runCtx, !feeding)
	log.Infof("trading started: exchange=%s symbols=%v signals=%v feed=%v",
		s.ex.Name(), s.cfg.Symbols, s.signalsEnabled(), feeding)
	return nil
}

func (s *Session) authenticate(ctx context.Context) error {
	if err := s.res.Call(ctx, resilience.ServiceExchange, s.ex.Authenticate); err != nil {
		return &resilience.StartupError{Service: resilience.ServiceExchange, Retryable: true, Err: err}
	}
	if s.provider == nil {
		return nil
	}
	if err := s.res.Call(ctx, resilience.ServiceAI, s.provider.Authenticate); err != nil {
		return &resilience.StartupError{Service: resilience.ServiceAI, Retryable: true, Err: err}
	}
	return nil
}

// restore runs before the actor starts, so it may write the book directly.
func (s *Session) restore(ctx context.Context) {
	rs, err := s.res.Restore(ctx)
	if err != nil {
		log.Warnf("snapshot restore failed, starting empty: %v", err)
		return
	}
	if rs == nil {
		return
	}
	b := s.actor.book
	for _, p := range rs.Positions {
		if !p.IsOpen() {
			continue
		}
		b.positions[positionKey(p.Symbol, p.Side)] = p
	}
	for _, sig := range rs.Signals {
		if cur, ok := b.pending[sig.Symbol]; ok && cur.Timestamp.After(sig.Timestamp) {
			continue
		}
		b.pending[sig.Symbol] = sig
	}
	for sym, sample := range rs.MarketCache {
		b.market[sym] = sample
		s.decision.UpdateSample(sample)
	}
	s.risk.SyncPositions(b.positionList())
	metrics.SetActivePositions(len(b.positions))
	s.actor.refreshSnapshot()
}

func (s *Session) subscribeFeed(ctx context.Context) bool {
	if !s.cfg.UseFeed || len(s.cfg.Symbols) == 0 {
		return false
	}
	feed, ok := s.ex.(exchange.MarketFeed)
	if !ok {
		return false
	}
	stop, err := feed.SubscribeMarketData(ctx, s.cfg.Symbols, func(sample types.MarketSample) {
		if err := s.ProcessMarketData(ctx, sample); err != nil && ctx.Err() == nil {
			log.Debugf("feed sample %s dropped: %v", sample.Symbol, err)
		}
	})
	if err != nil {
		log.Warnf("market feed unavailable, falling back to polling: %v", err)
		return false
	}
	s.mu.Lock()
	s.stopFeed = stop
	s.mu.Unlock()
	return true
}

func (s *Session) goLoop(fn func()) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		fn()
	}()
}

func (s *Session) startLoops(ctx context.Context, poll bool) {
	s.goLoop(func() {
		scheduler.NewIntervalScheduler(ctx, "signal-processing", s.cfg.SignalInterval).
			Start(func(ctx context.Context) { s.signalTick(ctx) })
	})
	s.goLoop(func() {
		sched := scheduler.NewIntervalScheduler(ctx, "position-update", s.cfg.PositionInterval)
		sched.RunImmediately = true
		sched.Start(func(ctx context.Context) { s.reconcile(ctx) })
	})
	s.goLoop(func() { s.risk.Run(ctx, s.cfg.RiskInterval) })
	s.goLoop(func() { s.decision.Run(ctx, s.decisionView) })
	s.goLoop(func() { s.forwardDecisions(ctx) })
	s.goLoop(func() { s.res.Run(ctx) })
	if poll && len(s.cfg.Symbols) > 0 {
		s.goLoop(func() {
			sched := scheduler.NewIntervalScheduler(ctx, "market-poll", s.cfg.MarketPoll)
			sched.RunImmediately = true
			sched.Start(func(ctx context.Context) { s.pollMarket(ctx) })
		})
	}
}

// StopTrading cancels timers and the feed, lets in-flight orders finish,
// cancels resting orders, stops the actor and writes a final snapshot.
// Errors are logged only.
func (s *Session) StopTrading(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusRunning {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w (status=%s)", ErrNotRunning, st)
	}
	s.setStatusLocked(StatusStopping)
	cancel, stopFeed := s.cancel, s.stopFeed
	s.stopFeed = nil
	s.mu.Unlock()

	cancel()
	if stopFeed != nil {
		stopFeed()
	}
	s.loops.Wait()

	// Handlers that already passed the run-context check finish before this
	// returns; later ones see the cancelled context and spawn nothing.
	if err := s.actor.SendSync(context.WithoutCancel(ctx), Envelope{Type: cmdBarrier}); err != nil {
		log.Warnf("actor barrier: %v", err)
	}
	s.drainWorkers()
	s.cancelRestingOrders(context.WithoutCancel(ctx))
	s.actor.stop()

	s.mu.Lock()
	s.runCtx, s.cancel = nil, nil
	s.startTime = time.Time{}
	s.setStatusLocked(StatusStopped)
	s.mu.Unlock()

	if err := s.res.SaveState(context.WithoutCancel(ctx)); err != nil {
		log.Warnf("final snapshot failed: %v", err)
	}
	log.Infof("trading stopped")
	return nil
}

func (s *Session) drainWorkers() {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		log.Warnf("in-flight calls still running after %s, stopping anyway", s.cfg.DrainTimeout)
	}
}

// ProcessMarketData validates a sample and hands it to the actor.
func (s *Session) ProcessMarketData(ctx context.Context, sample types.MarketSample) error {
	start := s.nowFn()
	sample.Symbol = symbol.Normalize(sample.Symbol)
	if err := sample.Validate(); err != nil {
		return err
	}
	if !s.IsRunning() {
		return ErrNotRunning
	}
	if err := s.actor.SendSync(ctx, Envelope{Type: cmdMarketSample, Payload: sample}); err != nil {
		return err
	}
	elapsed := s.nowFn().Sub(start)
	metrics.ObserveSampleLatency(elapsed)
	if elapsed > s.cfg.LatencyBudget {
		log.Warnf("sample %s took %s (budget %s)", sample.Symbol, elapsed, s.cfg.LatencyBudget)
	}
	return nil
}

func (s *Session) GetState() State {
	snap := s.actor.Snapshot()
	s.mu.Lock()
	status, started := s.status, s.startTime
	s.mu.Unlock()
	return State{
		IsRunning:           status == StatusRunning,
		Status:              status,
		StartTime:           timePtr(started),
		TotalTrades:         snap.TotalTrades,
		ActivePositions:     len(snap.Positions),
		PendingSignals:      len(snap.Pending),
		RestingOrders:       len(snap.Resting),
		LastMarketUpdate:    timePtr(snap.LastMarketUpdate),
		LastSignalProcessed: timePtr(snap.LastSignalProcessed),
		EmergencyStop:       s.risk.IsEmergencyStopped(),
		Balances:            snap.Balances,
	}
}

func (s *Session) GetActivePositions() []types.TradingPosition {
	return types.ClonePositions(s.actor.Snapshot().Positions)
}

func (s *Session) PendingSignals() []types.TradingSignal {
	snap := s.actor.Snapshot()
	out := make([]types.TradingSignal, len(snap.Pending))
	copy(out, snap.Pending)
	return out
}

// RestingOrders lists orders accepted by the exchange but not yet filled.
func (s *Session) RestingOrders() []RestingOrder {
	return append([]RestingOrder(nil), s.actor.Snapshot().Resting...)
}

func (s *Session) MarketSample(sym string) (types.MarketSample, bool) {
	sample, ok := s.actor.Snapshot().Market[symbol.Normalize(sym)]
	return sample, ok
}

func (s *Session) GetRecoveryStatus() resilience.RecoveryStatus {
	return s.res.RecoveryStatus()
}

func (s *Session) ForceServiceRecovery(ctx context.Context, service string) bool {
	return s.res.ForceServiceRecovery(ctx, service)
}

// Services lists the dependencies tracked by the resilience layer.
func (s *Session) Services() []string {
	return s.res.Services()
}

func (s *Session) ResetServiceErrors(service string) {
	s.res.ResetServiceErrors(service)
}

func (s *Session) EmergencyStop(reason string) {
	if reason == "" {
		reason = "manual emergency stop"
	}
	s.risk.EmergencyStop(reason)
}

func (s *Session) ResetEmergencyStop() {
	s.risk.ResetEmergencyStop()
}

func (s *Session) RiskStatus() risk.Status {
	return s.risk.Status()
}

// sessionState feeds the resilience snapshot.
func (s *Session) sessionState() resilience.SessionState {
	snap := s.actor.Snapshot()
	s.mu.Lock()
	running, started := s.status == StatusRunning, s.startTime
	s.mu.Unlock()
	return resilience.SessionState{
		IsRunning:       running,
		StartTime:       timePtr(started),
		ActivePositions: types.ClonePositions(snap.Positions),
		PendingSignals:  append([]types.TradingSignal(nil), snap.Pending...),
		MarketDataCache: snap.Market,
	}
}

func (s *Session) decisionView() decision.View {
	snap := s.actor.Snapshot()
	return decision.View{
		Positions:        types.ClonePositions(snap.Positions),
		AvailableBalance: snap.Balances.Available(s.cfg.QuoteCurrency),
	}
}

func (s *Session) started() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

func (s *Session) signalsEnabled() bool {
	return s.cfg.SignalsEnabled && s.provider != nil
}

func (s *Session) publish(evt events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(evt)
}
