// Package metrics holds the Prometheus collectors for the vault. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ledgervault"

// Metrics groups the vault collectors.
type Metrics struct {
	UnlockSeconds     prometheus.Histogram
	UnlocksTotal      *prometheus.CounterVec
	LocksTotal        *prometheus.CounterVec
	PersistTotal      *prometheus.CounterVec
	PersistSeconds    prometheus.Histogram
	CollisionsTotal   prometheus.Counter
	MigrationsTotal   *prometheus.CounterVec
	SchemaUpgrades    *prometheus.CounterVec
	Unlocked          prometheus.Gauge
	PersistQueueDepth prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration, which keeps tests free of global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UnlockSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unlock_seconds",
			Help:      "Duration of unlock attempts including key derivation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		UnlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_total",
			Help:      "Unlock attempts by result.",
		}, []string{"result"}),
		LocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_total",
			Help:      "Vault locks by reason.",
		}, []string{"reason"}),
		PersistTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Blob persistence attempts by result (ok, encrypt_error, write_error, collision).",
		}, []string{"result"}),
		PersistSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_seconds",
			Help:      "Duration of encrypt plus write of the root blob.",
			Buckets:   prometheus.DefBuckets,
		}),
		CollisionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_collisions_total",
			Help:      "Blob writes refused because another writer got there first.",
		}),
		MigrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_migrations_total",
			Help:      "Legacy plaintext migrations by result.",
		}, []string{"result"}),
		SchemaUpgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_upgrades_total",
			Help:      "Field schema upgrades applied, by field.",
		}, []string{"field"}),
		Unlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unlocked",
			Help:      "1 while the vault is unlocked.",
		}),
		PersistQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_queue_depth",
			Help:      "Tasks waiting on the persistence worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.UnlockSeconds, m.UnlocksTotal, m.LocksTotal, m.PersistTotal, m.PersistSeconds,
			m.CollisionsTotal, m.MigrationsTotal, m.SchemaUpgrades, m.Unlocked, m.PersistQueueDepth,
		)
	}
	return m
}

func (m *Metrics) ObserveUnlock(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.UnlockSeconds.Observe(d.Seconds())
	m.UnlocksTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.Unlocked.Set(1)
	}
}

func (m *Metrics) ObserveLock(reason string) {
	if m == nil {
		return
	}
	m.LocksTotal.WithLabelValues(reason).Inc()
	m.Unlocked.Set(0)
}

func (m *Metrics) ObservePersist(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PersistTotal.WithLabelValues(result).Inc()
	m.PersistSeconds.Observe(d.Seconds())
	if result == "collision" {
		m.CollisionsTotal.Inc()
	}
}

func (m *Metrics) ObserveMigration(result string) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSchemaUpgrade(field string) {
	if m == nil {
		return
	}
	m.SchemaUpgrades.WithLabelValues(field).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.PersistQueueDepth.Set(float64(n))
}
