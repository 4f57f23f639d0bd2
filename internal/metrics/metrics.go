package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reservia",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	engineOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reservia",
			Name:      "engine_operations_total",
			Help:      "Reservation engine operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	sweeperExpirations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reservia",
			Name:      "sweeper_expirations_total",
			Help:      "Reservations expired by the sweeper, by prior state.",
		},
		[]string{"state"},
	)

	promotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reservia",
			Name:      "promotions_total",
			Help:      "Queued reservations promoted to approved.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, engineOps, sweeperExpirations, promotions)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncEngineOp increments the engine operation counter.
func IncEngineOp(operation, outcome string) {
	engineOps.WithLabelValues(operation, outcome).Inc()
}

// IncExpired increments the sweeper expiration counter for a prior state.
func IncExpired(state string) {
	sweeperExpirations.WithLabelValues(state).Inc()
}

// IncPromoted increments the promotion counter.
func IncPromoted() {
	promotions.Inc()
}
