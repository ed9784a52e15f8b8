package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, Sources{})

	m.RemoteCall("openai", "success")
	m.RemoteCall("openai", "success")
	m.RemoteCall("openai", "timeout")
	m.AdmissionRefused("CIRCUIT_OPEN")
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.Spend("openai", 0.25)
	m.Spend("openai", 0)
	m.BreakerOpened()
	m.Result("REMOTE", "LOW_CONFIDENCE", 150*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("openai", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("openai", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionRefusals.WithLabelValues("CIRCUIT_OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.spendUSD.WithLabelValues("openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("REMOTE", "LOW_CONFIDENCE")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchDuration))
}

func TestMetrics_GaugeSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	state := 1.0
	New(reg, Sources{
		BreakerState:  func() float64 { return state },
		RequestsToday: func() float64 { return 42 },
	})

	expected := `
# HELP caption_dispatch_breaker_state Circuit breaker state (0=closed, 1=open, 2=half_open)
# TYPE caption_dispatch_breaker_state gauge
caption_dispatch_breaker_state 1
# HELP caption_dispatch_rate_requests_today Remote admissions in the current day window
# TYPE caption_dispatch_rate_requests_today gauge
caption_dispatch_rate_requests_today 42
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"caption_dispatch_breaker_state", "caption_dispatch_rate_requests_today"))

	state = 2
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "caption_dispatch_breaker_state" {
			assert.Equal(t, 2.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RemoteCall("p", "success")
		m.AdmissionRefused("x")
		m.CacheLookup(true)
		m.Result("LOCAL", "DEFAULT_LOCAL", time.Second)
		m.Spend("p", 1)
		m.BreakerOpened()
	})
}
