// Package metrics exposes prometheus collectors for the ingestion loop and
// background workers, and mirrors every observation onto an optional event
// channel so tests can wait on what happened instead of sleeping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Event is one observation, as sent on the event channel.
type Event struct {
	Name   string
	Labels []string
	Value  float64
}

// Metrics owns a registry and the collectors registered on it.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	admissions     *prometheus.CounterVec
	identity       *prometheus.CounterVec
	welcomes       *prometheus.CounterVec
	workerCycles   *prometheus.CounterVec
	commitLog      *prometheus.CounterVec
	readds         *prometheus.CounterVec
	orphans        prometheus.Gauge
	forkedGroups   prometheus.Gauge
	cycleDurations *prometheus.HistogramVec

	events chan<- Event
}

const namespace = "mlscore"

// New creates collectors on a fresh registry. events may be nil.
func New(events chan<- Event) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_admissions_total",
			Help:      "Envelope admission decisions by topic kind and outcome.",
		}, []string{"topic_kind", "outcome"}),
		identity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_updates_total",
			Help:      "Identity updates folded into association state by result.",
		}, []string{"result"}),
		welcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "welcomes_total",
			Help:      "Welcome validation results.",
		}, []string{"result"}),
		workerCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_cycles_total",
			Help:      "Background worker cycles by worker kind and result.",
		}, []string{"kind", "result"}),
		commitLog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_log_entries_total",
			Help:      "Commit log entries by direction (downloaded, skipped, published, publish_failed).",
		}, []string{"direction"}),
		readds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fork_recovery_readds_total",
			Help:      "Fork recovery readd requests and responses by result.",
		}, []string{"result"}),
		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "icebox_orphans",
			Help:      "Envelopes parked waiting for dependencies.",
		}),
		forkedGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forked_groups",
			Help:      "Groups whose local commit log diverges from the remote log.",
		}),
		cycleDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_cycle_seconds",
			Help:      "Duration of background worker cycles.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		events: events,
	}
	m.Registry.MustRegister(
		m.admissions,
		m.identity,
		m.welcomes,
		m.workerCycles,
		m.commitLog,
		m.readds,
		m.orphans,
		m.forkedGroups,
		m.cycleDurations,
	)
	return m
}

// emit never blocks: a full channel drops the event.
func (m *Metrics) emit(name string, value float64, labels ...string) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- Event{Name: name, Labels: labels, Value: value}:
	default:
	}
}

// Admission records an envelope admission outcome.
func (m *Metrics) Admission(topicKind, outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(topicKind, outcome).Inc()
	m.emit("admission", 1, topicKind, outcome)
}

// IdentityUpdate records a folded or rejected identity update.
func (m *Metrics) IdentityUpdate(result string) {
	if m == nil {
		return
	}
	m.identity.WithLabelValues(result).Inc()
	m.emit("identity_update", 1, result)
}

// Welcome records a welcome validation result.
func (m *Metrics) Welcome(result string) {
	if m == nil {
		return
	}
	m.welcomes.WithLabelValues(result).Inc()
	m.emit("welcome", 1, result)
}

// WorkerCycle records a completed worker cycle and its duration.
func (m *Metrics) WorkerCycle(kind, result string, seconds float64) {
	if m == nil {
		return
	}
	m.workerCycles.WithLabelValues(kind, result).Inc()
	m.cycleDurations.WithLabelValues(kind).Observe(seconds)
	m.emit("worker_cycle", seconds, kind, result)
}

// CommitLogEntries records n commit log entries moving in direction.
func (m *Metrics) CommitLogEntries(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.commitLog.WithLabelValues(direction).Add(float64(n))
	m.emit("commit_log_entries", float64(n), direction)
}

// Readd records a fork recovery step.
func (m *Metrics) Readd(result string) {
	if m == nil {
		return
	}
	m.readds.WithLabelValues(result).Inc()
	m.emit("readd", 1, result)
}

// Orphans sets the icebox size.
func (m *Metrics) Orphans(n int) {
	if m == nil {
		return
	}
	m.orphans.Set(float64(n))
	m.emit("orphans", float64(n))
}

// ForkedGroups sets the number of groups known to be forked.
func (m *Metrics) ForkedGroups(n int) {
	if m == nil {
		return
	}
	m.forkedGroups.Set(float64(n))
	m.emit("forked_groups", float64(n))
}
