package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Booking metrics
var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sacristy_transitions_total",
			Help: "Lifecycle operations by action and result.",
		},
		[]string{"action", "result"},
	)

	slaAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sacristy_sla_alerts_total",
			Help: "SLA escalations raised, by trigger (timer or sweep).",
		},
		[]string{"source"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sacristy_notifications_total",
			Help: "Notification deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	pendingTimers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sacristy_pending_timers",
		Help: "Outstanding per-request SLA timers.",
	})

	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sacristy_job_runs_total",
			Help: "Periodic job runs by job and result.",
		},
		[]string{"job", "result"},
	)
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			transitionsTotal, slaAlertsTotal, notificationsTotal, pendingTimers, jobRunsTotal,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransition counts one lifecycle operation outcome.
func ObserveTransition(action, result string) {
	transitionsTotal.WithLabelValues(action, result).Inc()
}

// ObserveAlert counts one SLA escalation.
func ObserveAlert(source string) {
	slaAlertsTotal.WithLabelValues(source).Inc()
}

// ObserveNotification counts one sink delivery attempt.
func ObserveNotification(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	notificationsTotal.WithLabelValues(sink, result).Inc()
}

// ObserveJob counts one periodic job run.
func ObserveJob(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	jobRunsTotal.WithLabelValues(job, result).Inc()
}

// SetPendingTimers publishes the number of outstanding SLA timers.
func SetPendingTimers(n int) {
	pendingTimers.Set(float64(n))
}

// Instrument measures rate, latency and in-flight requests. Inside a chi
// router the matched route pattern is used as the path label.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = CanonicalPath(r.URL.Path)
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses numeric path segments to ":id" so metric label
// cardinality stays bounded for unmatched routes.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
