package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "reservation",
			Name:      "outcomes_total",
			Help:      "Reservation attempts by outcome (created, conflict, contention, invalid, error).",
		},
		[]string{"outcome"},
	)

	reservationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "reservation",
			Name:      "lock_retries_total",
			Help:      "Retries caused by raffle lock contention.",
		},
	)

	reservationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "raffle",
			Subsystem: "reservation",
			Name:      "duration_seconds",
			Help:      "End-to-end reservation latency including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	selections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "selection",
			Name:      "requests_total",
			Help:      "Random selections by strategy (sampling, shuffle, limited).",
		},
		[]string{"strategy"},
	)

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order status transitions.",
		},
		[]string{"to"},
	)

	draws = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "draw",
			Name:      "runs_total",
			Help:      "Draw attempts by outcome (winner, no_winner, failed).",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		reservations,
		reservationRetries,
		reservationDuration,
		selections,
		orderTransitions,
		draws,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the router with HTTP metrics collection. Routes
// are labelled by their chi pattern to keep cardinality bounded.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordReservation records one reservation call and the retries it needed.
func RecordReservation(outcome string, retries int, duration time.Duration) {
	reservations.WithLabelValues(outcome).Inc()
	if retries > 0 {
		reservationRetries.Add(float64(retries))
	}
	reservationDuration.Observe(duration.Seconds())
}

// RecordSelection records a random selection served with strategy.
func RecordSelection(strategy string) {
	selections.WithLabelValues(strategy).Inc()
}

// RecordTransition records an order moving to status to.
func RecordTransition(to string) {
	orderTransitions.WithLabelValues(to).Inc()
}

// RecordDraw records the outcome of one raffle draw.
func RecordDraw(outcome string) {
	draws.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
