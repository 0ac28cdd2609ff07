// Package events carries typed notifications between components. Publishers
// and subscribers hold an explicit *Bus; there is no package level registry.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	TypeEmergencyStop     Type = "emergency_stop"
	TypeEmergencyReset    Type = "emergency_reset"
	TypeCircuitOpen       Type = "circuit_open"
	TypeCircuitClosed     Type = "circuit_closed"
	TypeAuthFailure       Type = "auth_failure"
	TypeRecoveryAbandoned Type = "recovery_abandoned"
	TypeServiceRecovered  Type = "service_recovered"
	TypeNetworkStatus     Type = "network_status"
	TypeSessionState      Type = "session_state"
	TypeDecision          Type = "decision"
	TypeExecution         Type = "execution"
	TypePositionClosed    Type = "position_closed"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one notification. Data is a value copy owned by the receiver.
type Event struct {
	Type     Type           `json:"type"`
	Severity Severity       `json:"severity"`
	Service  string         `json:"service,omitempty"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

func (e Event) Critical() bool { return e.Severity == SeverityCritical }

// Filter selects which events a subscriber receives; nil means all.
type Filter func(Event) bool

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Bus fans out events to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped atomic.Uint64
	nowFn   func() time.Time
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber), nowFn: time.Now}
}

// Subscribe returns a receive channel and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int, filter Filter) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer), filter: filter}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = b.nowFn()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// CriticalOnly is a Filter for operator relays.
func CriticalOnly(e Event) bool { return e.Critical() }
