// Package metrics exposes the dispatch control plane to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "caption_dispatch"

// Sources supplies live gauge values. Any nil field is not registered.
type Sources struct {
	BreakerState       func() float64
	RequestsThisMinute func() float64
	RequestsToday      func() float64
	RemoteInFlight     func() float64
	SpentTodayUSD      func() float64
	BudgetRemainingUSD func() float64
}

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	remoteCalls       *prometheus.CounterVec
	admissionRefusals *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	results           *prometheus.CounterVec
	spendUSD          *prometheus.CounterVec
	breakerOpened     prometheus.Counter
	dispatchDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, src Sources) *Metrics {
	m := &Metrics{
		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Remote worker invocations by result",
			},
			[]string{"provider", "result"},
		),
		admissionRefusals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_refusals_total",
				Help:      "Remote admissions refused, by reason",
			},
			[]string{"reason"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "results_total",
				Help:      "Dispatch results by origin and reason",
			},
			[]string{"origin", "reason"},
		),
		spendUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spend_usd_total",
				Help:      "Cumulative remote spend in USD",
			},
			[]string{"provider"},
		),
		breakerOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_opened_total",
				Help:      "Times the circuit breaker opened",
			},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "duration_seconds",
				Help:      "End-to-end dispatch latency",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
			},
			[]string{"origin"},
		),
	}

	reg.MustRegister(
		m.remoteCalls,
		m.admissionRefusals,
		m.cacheLookups,
		m.results,
		m.spendUSD,
		m.breakerOpened,
		m.dispatchDuration,
	)

	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"breaker_state", "Circuit breaker state (0=closed, 1=open, 2=half_open)", src.BreakerState},
		{"rate_requests_this_minute", "Remote admissions in the current minute window", src.RequestsThisMinute},
		{"rate_requests_today", "Remote admissions in the current day window", src.RequestsToday},
		{"remote_in_flight", "Remote calls currently in progress", src.RemoteInFlight},
		{"budget_spent_today_usd", "Remote spend today in USD", src.SpentTodayUSD},
		{"budget_remaining_usd", "Remaining daily budget in USD", src.BudgetRemainingUSD},
	}
	for _, g := range gauges {
		if g.fn == nil {
			continue
		}
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: g.name, Help: g.help},
			g.fn,
		))
	}

	return m
}

// RemoteCall records one remote invocation; result is success, failure or timeout.
func (m *Metrics) RemoteCall(provider, result string) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(provider, result).Inc()
}

// AdmissionRefused records a refused remote admission.
func (m *Metrics) AdmissionRefused(reason string) {
	if m == nil {
		return
	}
	m.admissionRefusals.WithLabelValues(reason).Inc()
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// Result records a finished dispatch and its latency.
func (m *Metrics) Result(origin, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(origin, reason).Inc()
	m.dispatchDuration.WithLabelValues(origin).Observe(elapsed.Seconds())
}

// Spend adds settled remote cost.
func (m *Metrics) Spend(provider string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.spendUSD.WithLabelValues(provider).Add(usd)
}

// BreakerOpened counts a transition into OPEN.
func (m *Metrics) BreakerOpened() {
	if m == nil {
		return
	}
	m.breakerOpened.Inc()
}
