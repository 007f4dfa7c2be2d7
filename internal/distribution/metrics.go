package distribution

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	opDistribute   = "distribute"
	opRedistribute = "redistribute"
	opRemove       = "remove_session"
	opDedup        = "clean_duplicates"
)

// Metrics holds engine counters. A nil *Metrics records nothing.
type Metrics struct {
	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	assigned   *prometheus.CounterVec
	notLoaded  *prometheus.CounterVec
	duplicates prometheus.Counter
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleagg_distribution_runs_total",
			Help: "Distribution operations by outcome.",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teleagg_distribution_run_seconds",
			Help:    "Wall time of lock-guarded distribution runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		assigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleagg_distribution_assigned_total",
			Help: "Targets written to a session.",
		}, []string{"operation"}),
		notLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleagg_distribution_not_loaded_total",
			Help: "Targets that could not be placed.",
		}, []string{"operation"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teleagg_distribution_duplicates_removed_total",
			Help: "Duplicate channel entries removed from sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.assigned, m.notLoaded, m.duplicates)
	}
	return m
}

func (m *Metrics) observeRun(op, status string, start time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(op, status).Inc()
	if status != StatusAlreadyRunning {
		m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) observeReport(op string, r Report) {
	if m == nil {
		return
	}
	assigned := 0
	for _, keys := range r.Distributed {
		assigned += len(keys)
	}
	m.assigned.WithLabelValues(op).Add(float64(assigned))
	m.notLoaded.WithLabelValues(op).Add(float64(len(r.NotLoaded)))
}

func (m *Metrics) observeRemoval(r RemovalReport) {
	if m == nil {
		return
	}
	reassigned := 0
	for _, keys := range r.Reassigned {
		reassigned += len(keys)
	}
	m.runs.WithLabelValues(opRemove, StatusOK).Inc()
	m.assigned.WithLabelValues(opRemove).Add(float64(reassigned))
	m.notLoaded.WithLabelValues(opRemove).Add(float64(len(r.Unassigned)))
}

func (m *Metrics) observeCleanup(r CleanupReport) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(opDedup, StatusOK).Inc()
	m.duplicates.Add(float64(r.CleanedCount))
}
