package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/config"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geofences_http_requests_total",
		Help: "HTTP requests, labelled by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geofences_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	IntersectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geofences_intersection_duration_seconds",
		Help:    "Containment query latency by strategy.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"strategy"})

	IntersectionMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geofences_intersection_matches_total",
		Help: "Geofences matched by containment queries, labelled by strategy.",
	}, []string{"strategy"})

	IntegrationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geofences_integration_results_total",
		Help: "Integration results emitted by the trigger pipeline, labelled by event.",
	}, []string{"event"})

	ChangeLogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geofences_change_log_failures_total",
		Help: "Change log appends that failed and were dropped.",
	})

	CommandsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geofences_commands_consumed_total",
		Help: "Bus commands consumed, labelled by type and outcome.",
	}, []string{"type", "outcome"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geofences_events_published_total",
		Help: "Outbound events, labelled by event type and outcome.",
	}, []string{"event", "outcome"})

	Tuning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geofences_tuning",
		Help: "Live query tuning values, labelled by setting.",
	}, []string{"setting"})
)

// RecordTuning publishes the tuning currently in effect. It is registered
// as a config reload subscriber.
func RecordTuning(t config.Tuning) {
	Tuning.WithLabelValues("circle_search_radius_meters").Set(t.CircleSearchRadiusMeters)
	Tuning.WithLabelValues("max_bounds_results").Set(float64(t.MaxBoundsResults))
	Tuning.WithLabelValues("max_page_size").Set(float64(t.MaxPageSize))
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
