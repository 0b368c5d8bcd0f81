package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/circlecloud/circle/internal/activity"
)

const (
	metricsPath = "/metrics"
	unmatched   = "unmatched"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "circle_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_rpc_requests_total",
			Help: "Total number of Connect procedure calls by result code.",
		},
		[]string{"procedure", "code"},
	)

	activitiesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_activities_started_total",
			Help: "Activities written to the ledger.",
		},
		[]string{"activity_code"},
	)

	activitiesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_activities_finished_total",
			Help: "Finished activities by outcome.",
		},
		[]string{"activity_code", "succeeded"},
	)

	activityDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "circle_activity_duration_seconds",
			Help:    "Time from activity start to finish, in seconds.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"activity_code"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(rpcRequestsTotal)
	prometheus.MustRegister(activitiesStarted)
	prometheus.MustRegister(activitiesFinished)
	prometheus.MustRegister(activityDuration)
}

// metricsMiddleware records request count and duration. The mux pattern is
// used as the path label to keep cardinality bounded.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.Pattern
		if path == "" {
			path = unmatched
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// observeRPC counts one procedure call. err is the error returned to the client.
func observeRPC(procedure string, err error) {
	code := "ok"
	if err != nil {
		code = connect.CodeOf(err).String()
	}
	rpcRequestsTotal.WithLabelValues(procedure, code).Inc()
}

// metricsPublisher counts ledger events before handing them on.
type metricsPublisher struct {
	next activity.Publisher
}

var _ activity.Publisher = metricsPublisher{}

func (p metricsPublisher) PublishActivity(ctx context.Context, event activity.Event) error {
	if act := event.Activity; act != nil {
		switch event.Type {
		case activity.EventCreated:
			activitiesStarted.WithLabelValues(act.Code).Inc()
		case activity.EventFinished:
			succeeded := act.Succeeded != nil && *act.Succeeded
			activitiesFinished.WithLabelValues(act.Code, strconv.FormatBool(succeeded)).Inc()
			if act.Finished != nil {
				activityDuration.WithLabelValues(act.Code).Observe(act.Finished.Sub(act.Started).Seconds())
			}
		}
	}
	return p.next.PublishActivity(ctx, event)
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
