package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Discovery counts WebFinger lookups.
	// Labels: outcome (found, cached, degraded)
	Discovery = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "followbridge",
		Subsystem: "webfinger",
		Name:      "lookups_total",
		Help:      "WebFinger lookups by outcome",
	}, []string{"outcome"})

	// ActorLookups counts actor profile lookups.
	// Labels: source (cached, fetched, failed)
	ActorLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "followbridge",
		Subsystem: "actors",
		Name:      "lookups_total",
		Help:      "Actor lookups by source",
	}, []string{"source"})

	// Deliveries counts inbox POSTs.
	// Labels: type (Follow, Undo), outcome (ok, failed)
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "followbridge",
		Subsystem: "delivery",
		Name:      "requests_total",
		Help:      "Inbox deliveries by activity type and outcome",
	}, []string{"type", "outcome"})

	// DeliveryDuration measures inbox POST latency.
	// Labels: type
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "followbridge",
		Subsystem: "delivery",
		Name:      "duration_seconds",
		Help:      "Inbox delivery latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"type"})

	// Flows counts finished follow and unfollow flows.
	// Labels: flow (follow, unfollow), outcome (committed, failed)
	Flows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "followbridge",
		Subsystem: "flow",
		Name:      "completed_total",
		Help:      "Follow and unfollow flows by outcome",
	}, []string{"flow", "outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
