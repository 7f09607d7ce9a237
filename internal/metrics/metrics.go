package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchRunDuration tracks the latency of full dispatch runs per outcome.
	DispatchRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dispatch_run_duration_seconds",
			Help: "Duration of daily dispatch runs in seconds",
			Buckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5,
				1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
			},
		},
		[]string{"outcome"}, // completed, already_claimed, noop, error
	)

	// SendsTotal counts per-recipient send outcomes within dispatch runs.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sends_total",
			Help: "Per-recipient dispatch outcomes",
		},
		[]string{"result"}, // accepted, skipped, deferred, failed, conflict
	)

	// ClaimConflictsTotal counts batch claim attempts lost to another actor.
	ClaimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_claim_conflicts_total",
			Help: "Batch claims lost to a concurrent actor",
		},
	)

	// ReceiptsTotal counts processed delivery receipts by resulting status.
	ReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_receipts_total",
			Help: "Delivery receipts applied to the recipient registry",
		},
		[]string{"status"}, // sent, delivered, read, failed, stale, unknown
	)
)

// RecordDispatchRun records the duration of one dispatch run.
func RecordDispatchRun(outcome string, seconds float64) {
	DispatchRunDuration.WithLabelValues(outcome).Observe(seconds)
}
