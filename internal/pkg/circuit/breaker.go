package circuit

import (
	"sync"
	"time"

	"tradeloop/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is the persisted form of a breaker.
type Snapshot struct {
	IsOpen        bool       `json:"isOpen"`
	FailureCount  int        `json:"failureCount"`
	LastFailure   *time.Time `json:"lastFailure,omitempty"`
	NextRetryTime *time.Time `json:"nextRetryTime,omitempty"`
}

// CircuitBreaker guards one dependency. It opens once failures reach the
// threshold and stays open until nextRetry; a single success closes it.
type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	threshold     int
	timeout       time.Duration
	open          bool
	failures      int
	lastFailure   time.Time
	nextRetry     time.Time
	nowFn         func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		nowFn:     time.Now,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// SetClock overrides the time source; used by tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	cb.mu.Lock()
	cb.nowFn = now
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

func (cb *CircuitBreaker) stateLocked(now time.Time) State {
	if !cb.open {
		return StateClosed
	}
	if now.Before(cb.nextRetry) {
		return StateOpen
	}
	return StateHalfOpen
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked(cb.nowFn())
}

// Allow reports whether a call or recovery attempt may be made now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked(cb.nowFn()) != StateOpen
}

func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) NextRetry() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nextRetry
}

// RecordSuccess resets the breaker to its zero state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	from := cb.stateLocked(cb.nowFn())
	cb.open = false
	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.nextRetry = time.Time{}
	if from != StateClosed {
		cb.transition(from, StateClosed)
	}
}

// RecordFailure counts a failure. Reaching the threshold (or failing a
// half-open probe) pushes nextRetry one timeout into the future.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.nowFn()
	from := cb.stateLocked(now)
	cb.failures++
	cb.lastFailure = now
	if cb.failures < cb.threshold {
		return
	}
	if from == StateOpen {
		return
	}
	cb.open = true
	cb.nextRetry = now.Add(cb.timeout)
	cb.transition(from, StateOpen)
}

// Snapshot exports the breaker for persistence.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Snapshot{IsOpen: cb.open, FailureCount: cb.failures}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		s.LastFailure = &t
	}
	if !cb.nextRetry.IsZero() {
		t := cb.nextRetry
		s.NextRetryTime = &t
	}
	return s
}

// Restore replays a persisted snapshot without firing state change handlers.
func (cb *CircuitBreaker) Restore(s Snapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = s.IsOpen
	cb.failures = s.FailureCount
	cb.lastFailure = time.Time{}
	cb.nextRetry = time.Time{}
	if s.LastFailure != nil {
		cb.lastFailure = *s.LastFailure
	}
	if s.NextRetryTime != nil {
		cb.nextRetry = *s.NextRetryTime
	}
	if cb.open && cb.nextRetry.IsZero() {
		cb.nextRetry = cb.nowFn().Add(cb.timeout)
	}
}

func (cb *CircuitBreaker) transition(from, to State) {
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
		return
	}
	logger.Warnf("CircuitBreaker %s state change: %s -> %s (failures=%d/%d, timeout=%s)",
		cb.name, from, to, cb.failures, cb.threshold, cb.timeout)
}
