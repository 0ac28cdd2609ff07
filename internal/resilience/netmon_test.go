package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type scriptedProber struct {
	results []error
	idx     int
}

func (p *scriptedProber) Probe(context.Context) error {
	if p.idx >= len(p.results) {
		return nil
	}
	err := p.results[p.idx]
	p.idx++
	return err
}

func TestNetworkMonitorTransitions(t *testing.T) {
	down := errors.New("down")
	prober := &scriptedProber{results: []error{nil, down, down, down, nil, nil, nil}}
	m := NewNetworkMonitor(prober, time.Second, time.Second)
	var changes []NetworkStatus
	m.OnChange(func(_, to NetworkStatus) { changes = append(changes, to) })

	want := []NetworkStatus{
		NetworkOnline, NetworkUnstable, NetworkUnstable, NetworkOffline,
		NetworkUnstable, NetworkUnstable, NetworkOnline,
	}
	for i, w := range want {
		assert.Equal(t, w, m.Check(context.Background()), "probe %d", i)
	}
	assert.Equal(t, []NetworkStatus{NetworkUnstable, NetworkOffline, NetworkUnstable, NetworkOnline}, changes)
}

func TestHTTPProber(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	assert.NoError(t, HTTPProber{URL: ok.URL}.Probe(context.Background()))
	err := HTTPProber{URL: bad.URL}.Probe(context.Background())
	assert.Equal(t, KindNetwork, Classify(err))
}

func TestAnyProber(t *testing.T) {
	down := errors.New("down")
	fail := &scriptedProber{results: []error{down, down}}
	pass := &scriptedProber{}

	assert.NoError(t, AnyProber{fail, pass}.Probe(context.Background()))
	err := AnyProber{&scriptedProber{results: []error{down}}}.Probe(context.Background())
	assert.ErrorIs(t, err, down)
	assert.NoError(t, AnyProber{}.Probe(context.Background()))
}
