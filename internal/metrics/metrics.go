// Package metrics exposes race engine counters on a private prometheus
// registry. All recording methods are safe on a nil *Metrics so components
// can run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "racebot"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	racesStarted  *prometheus.CounterVec
	racesFinished *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	raceDuration  *prometheus.HistogramVec
	feeBid        *prometheus.GaugeVec
	backpressure  *prometheus.CounterVec
	rateWaits     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		racesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "races_started_total",
			Help:      "Races started, by action kind.",
		}, []string{"kind"}),
		racesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "races_finished_total",
			Help:      "Races finished, by action kind and outcome.",
		}, []string{"kind", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Ledger attempts made by race workers, by result.",
		}, []string{"kind", "result"}),
		raceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "race_duration_seconds",
			Help:      "Time from race start to the winning attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"kind"}),
		feeBid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fee_bid_units",
			Help:      "Most recent fee bid in base units.",
		}, []string{"kind"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flood_backpressure_total",
			Help:      "Backpressure sleeps taken by the flood guard.",
		}, []string{"endpoint"}),
		rateWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests denied by the rate limiter, by domain.",
		}, []string{"domain"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.racesStarted,
		m.racesFinished,
		m.attempts,
		m.raceDuration,
		m.feeBid,
		m.backpressure,
		m.rateWaits,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGauge adds a gauge whose value is read from fn at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) RaceStarted(kind string, fee uint64) {
	if m == nil {
		return
	}
	m.racesStarted.WithLabelValues(kind).Inc()
	m.feeBid.WithLabelValues(kind).Set(float64(fee))
}

func (m *Metrics) RaceFinished(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.racesFinished.WithLabelValues(kind, outcome).Inc()
	if outcome == "won" {
		m.raceDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Attempt(kind, result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Backpressure(endpoint string) {
	if m == nil {
		return
	}
	m.backpressure.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RateLimited(domain string) {
	if m == nil {
		return
	}
	m.rateWaits.WithLabelValues(domain).Inc()
}
