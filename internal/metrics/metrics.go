// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeloop_decisions_total",
		Help: "Decisions produced, by action and source",
	}, []string{"action", "source"})
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeloop_executions_total",
		Help: "Order executions, by side and status",
	}, []string{"side", "status"})
	serviceErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeloop_service_errors_total",
		Help: "Handled errors per dependency and kind",
	}, []string{"service", "kind"})
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeloop_breaker_state",
		Help: "0=closed, 1=half_open, 2=open",
	}, []string{"service"})
	emergencyStop = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradeloop_emergency_stop",
		Help: "1 while the emergency stop is active",
	})
	networkOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradeloop_network_status",
		Help: "0=offline, 1=unstable, 2=online",
	})
	activePositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradeloop_active_positions",
		Help: "Positions currently tracked by the session",
	})
	sampleLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeloop_sample_processing_seconds",
		Help:    "Wall clock time spent handling one market sample",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	snapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeloop_snapshots_total",
		Help: "SystemState snapshot writes, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		decisionsTotal, executionsTotal, serviceErrorsTotal, breakerState,
		emergencyStop, networkOnline, activePositions, sampleLatency, snapshotsTotal,
	)
}

func ObserveDecision(action, source string) {
	decisionsTotal.WithLabelValues(action, source).Inc()
}

func ObserveExecution(side, status string) {
	executionsTotal.WithLabelValues(side, status).Inc()
}

func ObserveServiceError(service, kind string) {
	serviceErrorsTotal.WithLabelValues(service, kind).Inc()
}

func SetBreakerState(service string, state int) {
	breakerState.WithLabelValues(service).Set(float64(state))
}

func SetEmergencyStop(active bool) {
	if active {
		emergencyStop.Set(1)
		return
	}
	emergencyStop.Set(0)
}

func SetNetworkStatus(level int) {
	networkOnline.Set(float64(level))
}

func SetActivePositions(n int) {
	activePositions.Set(float64(n))
}

func ObserveSampleLatency(d time.Duration) {
	sampleLatency.Observe(d.Seconds())
}

func ObserveSnapshot(ok bool) {
	if ok {
		snapshotsTotal.WithLabelValues("ok").Inc()
		return
	}
	snapshotsTotal.WithLabelValues("error").Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
