package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the migration engine.
type Metrics struct {
	JobsByStatus     *prometheus.GaugeVec
	RecordsProcessed prometheus.Counter
	RecordsSucceeded prometheus.Counter
	RecordsFailed    prometheus.Counter
	BatchDuration    prometheus.Histogram
	CheckpointWrites prometheus.Counter
	Conflicts        *prometheus.CounterVec
	RollbacksTotal   prometheus.Counter
}

// New creates and registers all migration metrics.
func New() *Metrics {
	return &Metrics{
		JobsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "constitutional_migration_jobs",
			Help: "Current number of migration jobs by status",
		}, []string{"status"}),
		RecordsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "constitutional_migration_records_processed_total",
			Help: "Total records pulled through the migration pipeline",
		}),
		RecordsSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "constitutional_migration_records_succeeded_total",
			Help: "Total records successfully reconciled and loaded",
		}),
		RecordsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "constitutional_migration_records_failed_total",
			Help: "Total records dropped due to transform, validation, or load failures",
		}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "constitutional_migration_batch_duration_seconds",
			Help:    "Wall time per processed batch",
			Buckets: prometheus.DefBuckets,
		}),
		CheckpointWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "constitutional_migration_checkpoint_writes_total",
			Help: "Total checkpoints persisted",
		}),
		Conflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "constitutional_migration_conflicts_total",
			Help: "Reconciliation conflicts by resolution",
		}, []string{"resolution"}),
		RollbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "constitutional_migration_rollbacks_total",
			Help: "Total completed job rollbacks",
		}),
	}
}

// ObserveConflict counts one resolved conflict.
func (m *Metrics) ObserveConflict(resolution string) {
	m.Conflicts.WithLabelValues(resolution).Inc()
}
