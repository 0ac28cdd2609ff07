package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeloop/internal/events"
	"tradeloop/internal/logger"
	"tradeloop/internal/metrics"
	"tradeloop/internal/pkg/circuit"
	"tradeloop/internal/scheduler"
)

var log = logger.Named("resilience")

// Config holds the tunables of the layer. Zero values fall back to defaults.
type Config struct {
	ErrorThreshold     int
	RecoveryTimeout    time.Duration
	NetworkTimeout     time.Duration
	BaseRetryDelay     time.Duration
	MaxRetryDelay      time.Duration
	MaxRetryAttempts   int
	RateLimitCooldowns map[string]time.Duration
	DefaultCooldown    time.Duration
	SnapshotInterval   time.Duration
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 10
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 5 * time.Minute
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = 10 * time.Second
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = time.Minute
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 5
	}
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = 30 * time.Second
	}
	if c.RateLimitCooldowns == nil {
		c.RateLimitCooldowns = map[string]time.Duration{
			ServiceAI:       time.Minute,
			ServiceExchange: 30 * time.Second,
		}
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

const (
	ServiceExchange = "exchange"
	ServiceAI       = "ai"
)

// ProbeFunc checks whether a dependency is healthy again.
type ProbeFunc func(ctx context.Context) error

// timerFunc schedules fn after d and returns a cancel func.
type timerFunc func(d time.Duration, fn func()) (stop func() bool)

func realTimer(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

type serviceState struct {
	breaker     *circuit.CircuitBreaker
	errorCount  int
	lastError   time.Time
	lastMessage string
	attempts    int
	recovering  bool
	abandoned   bool
	stopTimer   func() bool
	nextAttempt time.Time
}

// Manager is the resilience substrate shared by every component. It owns the
// breaker table, the error counters and the snapshot schedule.
type Manager struct {
	cfg       Config
	bus       *events.Bus
	persister Persister
	monitor   *NetworkMonitor
	retry     *RetryPolicy

	mu       sync.Mutex
	services map[string]*serviceState
	probes   map[string]ProbeFunc
	source   func() SessionState
	lastSave time.Time
	baseCtx  context.Context

	nowFn func() time.Time
	after timerFunc
}

func NewManager(cfg Config, bus *events.Bus, persister Persister, monitor *NetworkMonitor) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		bus:       bus,
		persister: persister,
		monitor:   monitor,
		retry:     NewRetryPolicy(cfg.BaseRetryDelay, cfg.MaxRetryDelay, time.Now().UnixNano()),
		services:  make(map[string]*serviceState),
		probes:    make(map[string]ProbeFunc),
		baseCtx:   context.Background(),
		nowFn:     time.Now,
		after:     realTimer,
	}
	if monitor != nil {
		monitor.OnChange(m.onNetworkChange)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// RegisterProbe sets the recovery probe for service.
func (m *Manager) RegisterProbe(service string, probe ProbeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[service] = probe
	m.serviceLocked(service)
}

// SetStateSource wires the session's snapshot provider.
func (m *Manager) SetStateSource(fn func() SessionState) {
	m.mu.Lock()
	m.source = fn
	m.mu.Unlock()
}

func (m *Manager) serviceLocked(name string) *serviceState {
	st, ok := m.services[name]
	if ok {
		return st
	}
	cb := circuit.NewCircuitBreaker(name, m.cfg.ErrorThreshold, m.cfg.RecoveryTimeout)
	cb.SetClock(func() time.Time { return m.nowFn() })
	cb.SetStateChangeHandler(m.onBreakerChange)
	st = &serviceState{breaker: cb}
	m.services[name] = st
	return st
}

func (m *Manager) breaker(name string) *circuit.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serviceLocked(name).breaker
}

// Call runs fn under the network timeout and the service's breaker.
func (m *Manager) Call(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	cb := m.breaker(service)
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.NetworkTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &ServiceError{Service: service, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		done <- fn(cctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		err = cctx.Err()
	}
	if err == nil {
		m.onCallSuccess(service)
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &NetworkError{Service: service, Retryable: true, Err: fmt.Errorf("timeout after %s: %w", m.cfg.NetworkTimeout, err)}
	}
	m.HandleError(service, err)
	return err
}

// CallValue is Call for functions returning a value.
func CallValue[T any](ctx context.Context, m *Manager, service string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Call(ctx, service, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (m *Manager) onCallSuccess(service string) {
	m.mu.Lock()
	st := m.serviceLocked(service)
	recovering := st.recovering || st.abandoned
	m.mu.Unlock()
	if recovering {
		m.markRecovered(service)
		return
	}
	st.breaker.RecordSuccess()
}

// HandleError records err against service and schedules recovery when the
// error class allows it.
func (m *Manager) HandleError(service string, err error) {
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		return
	}
	kind := Classify(err)
	metrics.ObserveServiceError(service, string(kind))

	m.mu.Lock()
	st := m.serviceLocked(service)
	st.errorCount++
	st.lastError = m.nowFn()
	st.lastMessage = err.Error()
	m.mu.Unlock()

	if kind == KindValidation {
		log.Debugf("%s validation error: %v", service, err)
		return
	}
	if kind == KindPersistence {
		log.Warnf("%s persistence error: %v", service, err)
		return
	}
	st.breaker.RecordFailure()

	if kind == KindAuthentication {
		log.Errorf("%s authentication failure, operator action required: %v", service, err)
		m.publish(events.Event{
			Type:     events.TypeAuthFailure,
			Severity: events.SeverityCritical,
			Service:  service,
			Message:  err.Error(),
		})
		return
	}
	if !IsRetryable(err) {
		log.Warnf("%s non-retryable error: %v", service, err)
		return
	}
	if !st.breaker.Allow() {
		log.Debugf("%s breaker open until %s, recovery not scheduled", service, st.breaker.NextRetry().Format(time.RFC3339))
		m.mu.Lock()
		st.recovering = true
		m.mu.Unlock()
		return
	}
	m.scheduleRecovery(service, kind, err)
}

func (m *Manager) scheduleRecovery(service string, kind Kind, err error) {
	m.mu.Lock()
	st := m.serviceLocked(service)
	if st.stopTimer != nil {
		m.mu.Unlock()
		return
	}
	if st.attempts >= m.cfg.MaxRetryAttempts {
		already := st.abandoned
		st.abandoned = true
		st.recovering = false
		attempts := st.attempts
		m.mu.Unlock()
		if !already {
			log.Errorf("%s recovery abandoned after %d attempts: %v", service, attempts, err)
			m.publish(events.Event{
				Type:     events.TypeRecoveryAbandoned,
				Severity: events.SeverityCritical,
				Service:  service,
				Message:  fmt.Sprintf("recovery abandoned after %d attempts", attempts),
			})
		}
		return
	}
	var delay time.Duration
	if kind == KindRateLimit {
		delay = retryAfter(err)
		if delay <= 0 {
			delay = m.cooldown(service)
		}
	} else {
		delay = m.retry.Delay(st.attempts)
	}
	st.attempts++
	st.recovering = true
	st.nextAttempt = m.nowFn().Add(delay)
	attempt := st.attempts
	st.stopTimer = m.after(delay, func() { m.runRecovery(service) })
	m.mu.Unlock()
	log.Infof("%s recovery attempt %d scheduled in %s (%s)", service, attempt, delay.Truncate(time.Millisecond), kind)
}

func (m *Manager) cooldown(service string) time.Duration {
	if d, ok := m.cfg.RateLimitCooldowns[service]; ok && d > 0 {
		return d
	}
	return m.cfg.DefaultCooldown
}

func (m *Manager) runRecovery(service string) {
	m.mu.Lock()
	st := m.serviceLocked(service)
	st.stopTimer = nil
	probe := m.probes[service]
	ctx := m.baseCtx
	m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if !st.breaker.Allow() {
		log.Debugf("%s breaker open, recovery attempt skipped", service)
		return
	}
	if probe == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.NetworkTimeout)
	err := probe(pctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &NetworkError{Service: service, Retryable: true, Err: err}
		}
		log.Warnf("%s recovery probe failed: %v", service, err)
		m.HandleError(service, err)
		return
	}
	m.markRecovered(service)
}

func (m *Manager) markRecovered(service string) {
	m.mu.Lock()
	st := m.serviceLocked(service)
	wasRecovering := st.recovering || st.abandoned
	m.resetLocked(st)
	m.mu.Unlock()
	st.breaker.RecordSuccess()
	if wasRecovering {
		log.Infof("%s recovered", service)
		m.publish(events.Event{Type: events.TypeServiceRecovered, Service: service, Message: service + " recovered"})
	}
}

func (m *Manager) resetLocked(st *serviceState) {
	if st.stopTimer != nil {
		st.stopTimer()
		st.stopTimer = nil
	}
	st.errorCount = 0
	st.attempts = 0
	st.recovering = false
	st.abandoned = false
	st.nextAttempt = time.Time{}
}

// ForceServiceRecovery probes service synchronously, ignoring its breaker.
func (m *Manager) ForceServiceRecovery(ctx context.Context, service string) bool {
	m.mu.Lock()
	probe := m.probes[service]
	st := m.serviceLocked(service)
	m.mu.Unlock()
	if probe == nil {
		log.Warnf("force recovery: no probe registered for %s", service)
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.NetworkTimeout)
	err := probe(pctx)
	cancel()
	if err != nil {
		m.mu.Lock()
		st.errorCount++
		st.lastError = m.nowFn()
		st.lastMessage = err.Error()
		m.mu.Unlock()
		log.Warnf("force recovery of %s failed: %v", service, err)
		return false
	}
	m.mu.Lock()
	st.recovering = true
	m.mu.Unlock()
	m.markRecovered(service)
	return true
}

// ResetServiceErrors clears counters and closes the breaker.
func (m *Manager) ResetServiceErrors(service string) {
	m.mu.Lock()
	st := m.serviceLocked(service)
	m.resetLocked(st)
	m.mu.Unlock()
	st.breaker.RecordSuccess()
	log.Infof("%s error counters reset", service)
}

func (m *Manager) IsInRecoveryMode() bool {
	m.mu.Lock()
	for _, st := range m.services {
		if st.recovering {
			m.mu.Unlock()
			return true
		}
	}
	m.mu.Unlock()
	return m.monitor != nil && m.monitor.Status() == NetworkUnstable
}

// ServiceStats is the per-dependency view exposed by RecoveryStatus.
type ServiceStats struct {
	ErrorCount       int              `json:"errorCount"`
	LastError        *time.Time       `json:"lastError,omitempty"`
	LastErrorMessage string           `json:"lastErrorMessage,omitempty"`
	RecoveryAttempts int              `json:"recoveryAttempts"`
	Recovering       bool             `json:"recovering"`
	Abandoned        bool             `json:"abandoned"`
	NextAttempt      *time.Time       `json:"nextAttempt,omitempty"`
	BreakerState     string           `json:"breakerState"`
	Breaker          circuit.Snapshot `json:"breaker"`
}

type RecoveryStatus struct {
	ConnectionStatus ConnectionStatus        `json:"connectionStatus"`
	ErrorStatistics  map[string]ServiceStats `json:"errorStatistics"`
	IsInRecoveryMode bool                    `json:"isInRecoveryMode"`
	SystemState      SystemState             `json:"systemState"`
}

func (m *Manager) ErrorStatistics() map[string]ServiceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServiceStats, len(m.services))
	for name, st := range m.services {
		s := ServiceStats{
			ErrorCount:       st.errorCount,
			LastErrorMessage: st.lastMessage,
			RecoveryAttempts: st.attempts,
			Recovering:       st.recovering,
			Abandoned:        st.abandoned,
			BreakerState:     strings.ToLower(st.breaker.State().String()),
			Breaker:          st.breaker.Snapshot(),
		}
		if !st.lastError.IsZero() {
			t := st.lastError
			s.LastError = &t
		}
		if !st.nextAttempt.IsZero() {
			t := st.nextAttempt
			s.NextAttempt = &t
		}
		out[name] = s
	}
	return out
}

func (m *Manager) RecoveryStatus() RecoveryStatus {
	rs := RecoveryStatus{
		ErrorStatistics:  m.ErrorStatistics(),
		IsInRecoveryMode: m.IsInRecoveryMode(),
		SystemState:      m.BuildState(),
	}
	if m.monitor != nil {
		rs.ConnectionStatus = m.monitor.Connection()
	} else {
		rs.ConnectionStatus = ConnectionStatus{Status: NetworkOnline}
	}
	return rs
}

// BuildState assembles the current SystemState.
func (m *Manager) BuildState() SystemState {
	m.mu.Lock()
	source := m.source
	m.mu.Unlock()
	var sess SessionState
	if source != nil {
		sess = source()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state := SystemState{
		IsRunning:        sess.IsRunning,
		StartTime:        sess.StartTime,
		ActivePositions:  sess.ActivePositions,
		PendingSignals:   sess.PendingSignals,
		MarketDataCache:  cloneSamples(sess.MarketDataCache),
		ErrorCounts:      make(map[string]int, len(m.services)),
		LastErrors:       make(map[string]time.Time, len(m.services)),
		RecoveryAttempts: make(map[string]int, len(m.services)),
		CircuitBreakers:  make(map[string]circuit.Snapshot, len(m.services)),
		LastSaveTime:     m.lastSave,
	}
	for name, st := range m.services {
		state.ErrorCounts[name] = st.errorCount
		state.RecoveryAttempts[name] = st.attempts
		if !st.lastError.IsZero() {
			state.LastErrors[name] = st.lastError
		}
		state.CircuitBreakers[name] = st.breaker.Snapshot()
	}
	return state
}

// SaveState persists a snapshot. Failures are logged and returned as
// PersistenceError; they never stop the loop.
func (m *Manager) SaveState(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	state := m.BuildState()
	state.LastSaveTime = m.nowFn()
	if err := m.persister.SaveSnapshot(ctx, state); err != nil {
		metrics.ObserveSnapshot(false)
		perr := &PersistenceError{Op: "save", Err: err}
		log.Warnf("%v", perr)
		return perr
	}
	metrics.ObserveSnapshot(true)
	m.mu.Lock()
	m.lastSave = state.LastSaveTime
	m.mu.Unlock()
	return nil
}

// Restore loads the latest snapshot, replays counters and breakers and
// returns the session-owned parts. A restored process is never running.
func (m *Manager) Restore(ctx context.Context) (*RestoredState, error) {
	if m.persister == nil {
		return nil, nil
	}
	state, err := m.persister.LoadSnapshot(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	if state == nil {
		return nil, nil
	}
	state.IsRunning = false
	state.StartTime = nil

	m.mu.Lock()
	names := make(map[string]struct{})
	for name := range state.ErrorCounts {
		names[name] = struct{}{}
	}
	for name := range state.RecoveryAttempts {
		names[name] = struct{}{}
	}
	for name := range state.CircuitBreakers {
		names[name] = struct{}{}
	}
	for name := range names {
		st := m.serviceLocked(name)
		st.errorCount = state.ErrorCounts[name]
		st.attempts = state.RecoveryAttempts[name]
		if t, ok := state.LastErrors[name]; ok {
			st.lastError = t
		}
		if snap, ok := state.CircuitBreakers[name]; ok {
			st.breaker.Restore(snap)
		}
		st.recovering = st.attempts > 0 || st.breaker.IsOpen()
	}
	m.lastSave = state.LastSaveTime
	m.mu.Unlock()

	log.Infof("restored snapshot from %s: positions=%d signals=%d samples=%d",
		state.LastSaveTime.Format(time.RFC3339), len(state.ActivePositions), len(state.PendingSignals), len(state.MarketDataCache))
	return &RestoredState{
		Positions:   state.ActivePositions,
		Signals:     state.PendingSignals,
		MarketCache: cloneSamples(state.MarketDataCache),
		SavedAt:     state.LastSaveTime,
	}, nil
}

// Run starts network monitoring and the snapshot timer and blocks until ctx
// ends. The final snapshot on shutdown is written by the session.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	var wg sync.WaitGroup
	if m.monitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.monitor.Run(ctx)
		}()
	}
	if m.persister != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := scheduler.NewIntervalScheduler(ctx, "state-snapshot", m.cfg.SnapshotInterval)
			s.Start(func(ctx context.Context) { _ = m.SaveState(ctx) })
		}()
	}
	<-ctx.Done()
	wg.Wait()
	m.stopTimers()
}

func (m *Manager) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.services {
		if st.stopTimer != nil {
			st.stopTimer()
			st.stopTimer = nil
		}
	}
}

// Services lists known dependency names in stable order.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.services))
	for name := range m.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) onBreakerChange(name string, from, to circuit.State) {
	level := 0
	switch to {
	case circuit.StateHalfOpen:
		level = 1
	case circuit.StateOpen:
		level = 2
	}
	metrics.SetBreakerState(name, level)
	switch to {
	case circuit.StateOpen:
		log.Errorf("circuit breaker %s opened (%s -> %s)", name, from, to)
		m.publish(events.Event{
			Type:     events.TypeCircuitOpen,
			Severity: events.SeverityCritical,
			Service:  name,
			Message:  fmt.Sprintf("circuit breaker for %s opened", name),
		})
	case circuit.StateClosed:
		log.Infof("circuit breaker %s closed", name)
		m.publish(events.Event{Type: events.TypeCircuitClosed, Service: name, Message: fmt.Sprintf("circuit breaker for %s closed", name)})
	}
}

func (m *Manager) onNetworkChange(from, to NetworkStatus) {
	metrics.SetNetworkStatus(to.level())
	sev := events.SeverityInfo
	switch to {
	case NetworkOffline:
		sev = events.SeverityCritical
		log.Errorf("network %s -> %s", from, to)
	case NetworkUnstable:
		sev = events.SeverityWarning
		log.Warnf("network %s -> %s", from, to)
	default:
		log.Infof("network %s -> %s", from, to)
	}
	m.publish(events.Event{
		Type:     events.TypeNetworkStatus,
		Severity: sev,
		Service:  "network",
		Message:  fmt.Sprintf("network %s -> %s", from, to),
		Data:     map[string]any{"from": string(from), "to": string(to)},
	})
}

func (m *Manager) publish(evt events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(evt)
}
