// Package metrics holds the Prometheus collectors shared by the engine, the
// cleanup job and the HTTP server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dmchat"

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// MessageSends counts send attempts by result.
	MessageSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_sends_total",
		Help:      "Message sends by result.",
	}, []string{"result"})

	// MessageDeletes counts soft deletes by result.
	MessageDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_deletes_total",
		Help:      "Message soft deletes by result.",
	}, []string{"result"})

	// RealtimeEvents counts change events by what the engine did with them.
	RealtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_events_total",
		Help:      "Realtime change events by engine action.",
	}, []string{"action"})

	// CleanupRuns counts maintenance runs by result.
	CleanupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_runs_total",
		Help:      "Cleanup runs by result.",
	}, []string{"result"})

	// MessagesHardDeleted counts rows removed by the cleanup job.
	MessagesHardDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_hard_deleted_total",
		Help:      "Soft-deleted messages permanently removed.",
	})

	// CleanupDuration observes cleanup run time.
	CleanupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cleanup_duration_seconds",
		Help:      "Duration of cleanup runs.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
