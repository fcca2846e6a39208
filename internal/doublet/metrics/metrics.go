// Package metrics provides Prometheus metrics for doublet lookups and the CRM
// calls behind them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Check outcomes.
const (
	OutcomeMatch   = "match"
	OutcomeNoMatch = "no_match"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Failsafe outcomes.
const (
	FailsafeMatch   = "match"
	FailsafeNoMatch = "no_match"
	FailsafeError   = "error"
)

// Tie-break stages.
const (
	StageSingle    = "single"
	StageCase      = "case"
	StageFreshness = "freshness"
)

// Metrics contains the doublet collectors.
type Metrics struct {
	ChecksTotal          *prometheus.CounterVec
	FailsafeTotal        *prometheus.CounterVec
	TiebreakTotal        *prometheus.CounterVec
	Candidates           prometheus.Histogram
	CheckDurationSeconds prometheus.Histogram

	// CRM transport
	CRMRequestsTotal          *prometheus.CounterVec
	CRMRequestDurationSeconds *prometheus.HistogramVec

	// Result cache
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doublet_checks_total",
			Help: "Total number of doublet checks by outcome",
		}, []string{"outcome"}),
		FailsafeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doublet_failsafe_total",
			Help: "Total number of free-text fallback searches by outcome",
		}, []string{"outcome"}),
		TiebreakTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doublet_tiebreak_total",
			Help: "Total number of resolutions by the stage that decided them",
		}, []string{"stage"}),
		Candidates: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "doublet_candidates",
			Help:    "Qualified candidates per lookup",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 25, 50, 100},
		}),
		CheckDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "doublet_check_duration_seconds",
			Help:    "Duration of a complete doublet lookup in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		CRMRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doublet_crm_requests_total",
			Help: "Total number of CRM requests by method and status code (0 for network failures)",
		}, []string{"method", "status"}),
		CRMRequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doublet_crm_request_duration_seconds",
			Help:    "Duration of CRM requests in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "doublet_cache_hits_total",
			Help: "Total number of result cache hits",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "doublet_cache_misses_total",
			Help: "Total number of result cache misses",
		}),
	}
}

func (m *Metrics) IncrementChecks(outcome string) {
	m.ChecksTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementFailsafe(outcome string) {
	m.FailsafeTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementTiebreak(stage string) {
	m.TiebreakTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveCandidates(n int) {
	m.Candidates.Observe(float64(n))
}

func (m *Metrics) ObserveCheckDuration(d time.Duration) {
	m.CheckDurationSeconds.Observe(d.Seconds())
}

// ObserveRequest records one CRM round trip. It satisfies transport.Observer.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	m.CRMRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.CRMRequestDurationSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}
