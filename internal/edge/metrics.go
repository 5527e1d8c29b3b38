package edge

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oosync_edge_requests_total",
		Help: "Total edge requests by route and status class.",
	}, []string{"route", "status_class"})

	pushEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oosync_edge_push_changes_total",
		Help: "Total individual row changes accepted via push.",
	})

	pullRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oosync_edge_pull_requests_total",
		Help: "Total pull requests by mode (initial, incremental).",
	}, []string{"mode"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oosync_edge_request_duration_seconds",
		Help:    "Request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// MetricsHandler exposes the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
