package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(decisionsTotal.WithLabelValues("buy", "signal"))
	ObserveDecision("buy", "signal")
	assert.Equal(t, before+1, testutil.ToFloat64(decisionsTotal.WithLabelValues("buy", "signal")))

	SetEmergencyStop(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(emergencyStop))
	SetEmergencyStop(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(emergencyStop))

	SetBreakerState("exchange", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(breakerState.WithLabelValues("exchange")))
}
