package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"tradeloop/internal/scheduler"
)

type NetworkStatus string

const (
	NetworkOnline   NetworkStatus = "online"
	NetworkOffline  NetworkStatus = "offline"
	NetworkUnstable NetworkStatus = "unstable"
)

func (s NetworkStatus) level() int {
	switch s {
	case NetworkOnline:
		return 2
	case NetworkUnstable:
		return 1
	default:
		return 0
	}
}

const probeWindow = 3

// Prober performs one reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber issues a GET and treats any 2xx/3xx as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return &NetworkError{Service: "network", Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return &NetworkError{Service: "network", Retryable: true, Err: fmt.Errorf("probe status %d", resp.StatusCode)}
	}
	return nil
}

// AnyProber reports reachable when at least one of its probers succeeds.
type AnyProber []Prober

func (a AnyProber) Probe(ctx context.Context) error {
	var errs []error
	for _, p := range a {
		err := p.Probe(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// NetworkMonitor polls a Prober and derives online/offline/unstable from the
// last three results: all ok is online, all failed is offline, mixed is
// unstable.
type NetworkMonitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	history   []bool
	status    NetworkStatus
	lastCheck time.Time
	lastErr   string
	onChange  func(from, to NetworkStatus)
	nowFn     func() time.Time
}

func NewNetworkMonitor(prober Prober, interval, timeout time.Duration) *NetworkMonitor {
	return &NetworkMonitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		status:   NetworkOnline,
		nowFn:    time.Now,
	}
}

func (m *NetworkMonitor) OnChange(fn func(from, to NetworkStatus)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *NetworkMonitor) Status() NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

type ConnectionStatus struct {
	Status    NetworkStatus `json:"status"`
	LastCheck *time.Time    `json:"lastCheck,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

func (m *NetworkMonitor) Connection() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs := ConnectionStatus{Status: m.status, LastError: m.lastErr}
	if !m.lastCheck.IsZero() {
		t := m.lastCheck
		cs.LastCheck = &t
	}
	return cs
}

// Check runs one probe and returns the resulting status.
func (m *NetworkMonitor) Check(ctx context.Context) NetworkStatus {
	if m.prober == nil {
		return m.Status()
	}
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(pctx)
	cancel()
	return m.record(err)
}

func (m *NetworkMonitor) record(err error) NetworkStatus {
	m.mu.Lock()
	m.history = append(m.history, err == nil)
	if len(m.history) > probeWindow {
		m.history = m.history[len(m.history)-probeWindow:]
	}
	m.lastCheck = m.nowFn()
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
	from := m.status
	to := deriveStatus(m.history)
	m.status = to
	cb := m.onChange
	m.mu.Unlock()
	if from != to && cb != nil {
		cb(from, to)
	}
	return to
}

func deriveStatus(history []bool) NetworkStatus {
	if len(history) == 0 {
		return NetworkOnline
	}
	ok := 0
	for _, h := range history {
		if h {
			ok++
		}
	}
	switch ok {
	case len(history):
		return NetworkOnline
	case 0:
		return NetworkOffline
	default:
		return NetworkUnstable
	}
}

// Run polls until ctx ends.
func (m *NetworkMonitor) Run(ctx context.Context) {
	if m.prober == nil || m.interval <= 0 {
		return
	}
	s := scheduler.NewIntervalScheduler(ctx, "network-monitor", m.interval)
	s.RunImmediately = true
	s.Start(func(ctx context.Context) { m.Check(ctx) })
}
