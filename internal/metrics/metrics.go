// Package metrics exposes Prometheus instruments for the verification engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskproof"

var (
	// Transitions counts state machine transitions by target status.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verification",
		Name:      "transitions_total",
		Help:      "Verification state transitions by target status",
	}, []string{"to"})

	// Submissions counts photo submissions by phase and outcome.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verification",
		Name:      "submissions_total",
		Help:      "Photo submissions by phase and outcome",
	}, []string{"phase", "outcome"})

	// Timeouts counts expired countdowns by phase.
	Timeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verification",
		Name:      "timeouts_total",
		Help:      "Expired countdowns by phase",
	}, []string{"phase"})

	// HardAlerts counts strike-limit alerts.
	HardAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verification",
		Name:      "hard_alerts_total",
		Help:      "Consecutive verification failure alerts",
	})

	// ActiveRecords is the number of records tracked in memory.
	ActiveRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "verification",
		Name:      "active_records",
		Help:      "Verification records currently tracked",
	})

	// PersistenceErrors counts store failures the engine survived.
	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Non-fatal persistence errors by operation",
	}, []string{"op"})

	// Gold sums applied ledger amounts by kind.
	Gold = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "gold_total",
		Help:      "Gold applied to the ledger by kind",
	}, []string{"kind"})

	// PendingLedgerEntries is the outbox size observed on the last sweep.
	PendingLedgerEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "pending_entries",
		Help:      "Ledger entries waiting to be applied",
	})

	// StageDuration times each pipeline stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each pipeline stage",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"stage", "result"})

	// SchedulerQueueDepth is the number of armed deadlines.
	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Deadlines currently armed",
	})

	// NotificationsDropped counts notifications that could not be delivered.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications that failed to deliver",
	})
)

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StageDuration.WithLabelValues(stage, result).Observe(time.Since(start).Seconds())
}
