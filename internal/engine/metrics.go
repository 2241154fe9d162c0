package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/reconcile"
	"github.com/roach88/enrollsync/internal/store"
)

const namespace = "enrollsync"

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	jobs      *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	submitted *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of sync jobs by category and final status",
			},
			[]string{"program", "category", "status"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_total",
				Help:      "Total number of reconciled item outcomes by classification",
			},
			[]string{"program", "category", "outcome"},
		),
		submitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submitted_items_total",
				Help:      "Total number of items sent to the remote service",
			},
			[]string{"program", "category"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of sync jobs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"program", "category"},
		),
	}
}

func (m *Metrics) observeJob(program string, c model.Category, status store.JobStatus, seconds float64) {
	m.jobs.WithLabelValues(program, string(c), string(status)).Inc()
	m.duration.WithLabelValues(program, string(c)).Observe(seconds)
}

func (m *Metrics) observeSubmitted(program string, c model.Category, n int) {
	m.submitted.WithLabelValues(program, string(c)).Add(float64(n))
}

func (m *Metrics) observeOutcomes(program string, c model.Category, s reconcile.Summary) {
	counts := map[model.OutcomeKind]int{
		model.OutcomeImported:   s.Imported,
		model.OutcomeUpdated:    s.Updated,
		model.OutcomeIgnored:    s.Ignored,
		model.OutcomeConflicted: s.Conflicted,
	}
	for kind, n := range counts {
		if n > 0 {
			m.outcomes.WithLabelValues(program, string(c), string(kind)).Add(float64(n))
		}
	}
}
