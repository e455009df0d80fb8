// Package metrics provides Prometheus observability for the resolution
// module. All observe helpers are nil-safe so callers can wire metrics
// optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution outcomes recorded by IncrementOutcome.
const (
	OutcomeCreated   = "created"   // record seeded a new entity
	OutcomeMatched   = "matched"   // record merged into an existing entity
	OutcomeRefreshed = "refreshed" // exact source hit, last-seen refreshed
)

// Metrics tracks resolution outcomes, similarity scores and critical path
// durations.
type Metrics struct {
	ResolveOutcomes  *prometheus.CounterVec
	MergesTotal      prometheus.Counter
	ResolveDuration  prometheus.Histogram
	MergeDuration    prometheus.Histogram
	MatchConfidence  prometheus.Histogram
	CandidatesScored prometheus.Histogram
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates a Metrics instance registered on the given registerer.
// Use a fresh registry per instance when several resolvers coexist in one
// process (tests, multi-tenant embedding).
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ResolveOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idem_resolve_outcomes_total",
			Help: "Total resolve calls by outcome (created, matched, refreshed)",
		}, []string{"outcome"}),
		MergesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "idem_merges_total",
			Help: "Total manual and automatic entity merges",
		}),
		ResolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "idem_resolve_duration_seconds",
			Help:    "Duration of Resolve operations (ingestion critical path)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "idem_merge_duration_seconds",
			Help:    "Duration of Merge operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		MatchConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "idem_match_confidence",
			Help:    "Similarity score of the winning candidate on merge decisions",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		CandidatesScored: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "idem_match_candidates_scored",
			Help:    "Number of candidates that survived blocking and were scored",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// IncrementOutcome records the outcome of a resolve call.
func (m *Metrics) IncrementOutcome(outcome string) {
	if m != nil {
		m.ResolveOutcomes.WithLabelValues(outcome).Inc()
	}
}

// IncrementMerged records a completed merge.
func (m *Metrics) IncrementMerged() {
	if m != nil {
		m.MergesTotal.Inc()
	}
}

// ObserveResolve records the duration of a Resolve operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveResolve(start time.Time) {
	if m != nil {
		m.ResolveDuration.Observe(time.Since(start).Seconds())
	}
}

// ObserveMerge records the duration of a Merge operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveMerge(start time.Time) {
	if m != nil {
		m.MergeDuration.Observe(time.Since(start).Seconds())
	}
}

// ObserveConfidence records the winning candidate's score on a merge
// decision.
func (m *Metrics) ObserveConfidence(score float64) {
	if m != nil {
		m.MatchConfidence.Observe(score)
	}
}

// ObserveCandidates records how many candidates survived blocking.
func (m *Metrics) ObserveCandidates(count int) {
	if m != nil {
		m.CandidatesScored.Observe(float64(count))
	}
}
