package syncservice

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oosync_client_sync_attempts_total",
		Help: "Total sync attempts by outcome (success, failure, sync_in_progress).",
	}, []string{"outcome"})

	syncFailureStreak = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oosync_client_sync_failure_streak",
		Help: "Consecutive sync failures since the last success, reset on success.",
	})

	syncAppliedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oosync_client_applied_rows_total",
		Help: "Total rows successfully applied by the apply pipeline across all syncs.",
	})
)

func recordSyncMetrics(err error, appliedRows int) {
	switch {
	case err == nil:
		syncAttemptsTotal.WithLabelValues("success").Inc()
		syncFailureStreak.Set(0)
		syncAppliedRows.Add(float64(appliedRows))
	case errorIsSyncInProgress(err):
		syncAttemptsTotal.WithLabelValues("sync_in_progress").Inc()
	default:
		syncAttemptsTotal.WithLabelValues("failure").Inc()
	}
}

func errorIsSyncInProgress(err error) bool {
	return errors.Is(err, ErrSyncInProgress)
}
