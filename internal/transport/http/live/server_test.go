package livehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/events"
	"tradeloop/internal/gateway/database"
	"tradeloop/internal/resilience"
	"tradeloop/internal/risk"
	"tradeloop/internal/session"
	"tradeloop/internal/types"
)

type fakeControl struct {
	mu        sync.Mutex
	startErr  error
	stopErr   error
	marketErr error
	samples   []types.MarketSample
	recovered []string
	reset     []string
	emergency string
	running   bool
}

func (f *fakeControl) StartTrading(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr == nil {
		f.running = true
	}
	return f.startErr
}

func (f *fakeControl) StopTrading(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr == nil {
		f.running = false
	}
	return f.stopErr
}

func (f *fakeControl) ProcessMarketData(_ context.Context, s types.MarketSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marketErr != nil {
		return f.marketErr
	}
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeControl) GetState() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := session.StatusStopped
	if f.running {
		status = session.StatusRunning
	}
	return session.State{IsRunning: f.running, Status: status, TotalTrades: 3}
}

func (f *fakeControl) GetActivePositions() []types.TradingPosition {
	return []types.TradingPosition{{ID: "p1", Symbol: "BTC/USDT", Side: types.SideBuy, Amount: 1, Status: types.PositionOpen}}
}

func (f *fakeControl) GetRecoveryStatus() resilience.RecoveryStatus {
	return resilience.RecoveryStatus{IsInRecoveryMode: true}
}

func (f *fakeControl) ForceServiceRecovery(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, name)
	return true
}

func (f *fakeControl) ResetServiceErrors(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset = append(f.reset, name)
}

func (f *fakeControl) Services() []string { return []string{"ai", "exchange"} }

func (f *fakeControl) EmergencyStop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergency = reason
}

func (f *fakeControl) ResetEmergencyStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergency = ""
}

func (f *fakeControl) RiskStatus() risk.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return risk.Status{EmergencyStop: f.emergency != "", Reason: f.emergency}
}

type fakeJournal struct{}

func (fakeJournal) ListExecutions(_ context.Context, symbol string, limit int) ([]database.ExecutionRecord, error) {
	return []database.ExecutionRecord{{Symbol: symbol, Side: types.SideBuy, Status: types.ExecutionFilled}}, nil
}

func (fakeJournal) ListDecisions(context.Context, string, int) ([]database.DecisionRecord, error) {
	return nil, errors.New("db locked")
}

func newTestServer(t *testing.T, ctl *fakeControl, bus *events.Bus) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{Control: ctl, Journal: fakeJournal{}, Bus: bus})
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestNewServerRequiresController(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeControl{}, nil)
	rec, body := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, _ = do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestStartStopLifecycle(t *testing.T) {
	ctl := &fakeControl{}
	srv := newTestServer(t, ctl, nil)

	rec, body := do(t, srv, http.MethodPost, "/api/live/start", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["isRunning"])

	ctl.startErr = session.ErrAlreadyRunning
	rec, _ = do(t, srv, http.MethodPost, "/api/live/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = do(t, srv, http.MethodPost, "/api/live/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["isRunning"])

	ctl.stopErr = session.ErrNotRunning
	rec, _ = do(t, srv, http.MethodPost, "/api/live/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartupErrorIsServiceUnavailable(t *testing.T) {
	ctl := &fakeControl{startErr: &resilience.StartupError{Service: "exchange", Retryable: true, Err: errors.New("401")}}
	srv := newTestServer(t, ctl, nil)
	rec, body := do(t, srv, http.MethodPost, "/api/live/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "exchange", body["service"])
	assert.Equal(t, true, body["retryable"])
}

func TestStateAndPositions(t *testing.T) {
	srv := newTestServer(t, &fakeControl{}, nil)
	rec, body := do(t, srv, http.MethodGet, "/api/live/state", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["totalTrades"])

	rec, body = do(t, srv, http.MethodGet, "/api/live/positions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, body = do(t, srv, http.MethodGet, "/api/live/recovery", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body, 4)
}

func TestMarketSample(t *testing.T) {
	ctl := &fakeControl{}
	srv := newTestServer(t, ctl, nil)

	rec, body := do(t, srv, http.MethodPost, "/api/live/market", map[string]any{"symbol": "ethusdt", "price": 2000, "volume": 3})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ETH/USDT", body["symbol"])
	require.Len(t, ctl.samples, 1)
	assert.False(t, ctl.samples[0].Timestamp.IsZero())

	ctl.marketErr = &types.ValidationError{Field: "price", Reason: "must be positive"}
	rec, body = do(t, srv, http.MethodPost, "/api/live/market", map[string]any{"symbol": "ethusdt", "price": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "price", body["field"])

	ctl.marketErr = session.ErrNotRunning
	rec, _ = do(t, srv, http.MethodPost, "/api/live/market", map[string]any{"symbol": "ethusdt", "price": 1, "volume": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServiceRecoveryEndpoints(t *testing.T) {
	ctl := &fakeControl{}
	srv := newTestServer(t, ctl, nil)

	rec, body := do(t, srv, http.MethodPost, "/api/live/services/exchange/recover", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["recovered"])
	assert.Equal(t, []string{"exchange"}, ctl.recovered)

	rec, _ = do(t, srv, http.MethodPost, "/api/live/services/ai/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ai"}, ctl.reset)

	rec, _ = do(t, srv, http.MethodPost, "/api/live/services/ftp/recover", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmergencyStopEndpoints(t *testing.T) {
	ctl := &fakeControl{}
	srv := newTestServer(t, ctl, nil)

	rec, body := do(t, srv, http.MethodPost, "/api/live/emergency-stop", map[string]string{"reason": "flash crash"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["emergency_stop"])
	assert.Equal(t, "flash crash", body["reason"])

	rec, body = do(t, srv, http.MethodDelete, "/api/live/emergency-stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["emergency_stop"])

	rec, _ = do(t, srv, http.MethodPost, "/api/live/emergency-stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "manual stop via api", ctl.emergency)
}

func TestJournalEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeControl{}, nil)
	rec, body := do(t, srv, http.MethodGet, "/api/live/executions?symbol=btcusdt&limit=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	execs := body["executions"].([]any)
	assert.Equal(t, "BTC/USDT", execs[0].(map[string]any)["symbol"])

	rec, _ = do(t, srv, http.MethodGet, "/api/live/decisions", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEventsStream(t *testing.T) {
	bus := events.NewBus()
	srv := newTestServer(t, &fakeControl{}, bus)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/live/events?type=emergency_stop"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade completes.
	deadline := time.Now().Add(2 * time.Second)
	var got events.Event
	for time.Now().Before(deadline) {
		bus.Publish(events.Event{Type: events.TypeDecision, Message: "ignored"})
		bus.Publish(events.Event{Type: events.TypeEmergencyStop, Severity: events.SeverityCritical, Message: "halt"})
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err := conn.ReadJSON(&got); err == nil {
			break
		}
		if !isTimeout(err) {
			require.NoError(t, err)
		}
	}
	assert.Equal(t, events.TypeEmergencyStop, got.Type)
	assert.Equal(t, "halt", got.Message)
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
