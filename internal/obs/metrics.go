package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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

// Доменные метрики
var (
	auditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffauth_audit_events_total",
			Help: "Audit events recorded, by type and outcome.",
		},
		[]string{"event_type", "success"},
	)

	suspiciousChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffauth_suspicious_checks_total",
			Help: "Suspicious-activity checks, by result.",
		},
		[]string{"result"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "staffauth_ready",
		Help: "1 when the readiness probe passes.",
	})

	roleMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffauth_role_mutations_total",
			Help: "Role assignment changes, by operation.",
		},
		[]string{"op"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			auditEventsTotal, suspiciousChecksTotal, roleMutationsTotal,
			readyGauge,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuditEvent counts one recorded audit event.
func ObserveAuditEvent(eventType string, success bool) {
	auditEventsTotal.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
}

// ObserveSuspiciousCheck counts one suspicious-activity evaluation.
func ObserveSuspiciousCheck(suspicious bool) {
	result := "clear"
	if suspicious {
		result = "suspicious"
	}
	suspiciousChecksTotal.WithLabelValues(result).Inc()
}

// ObserveRoleMutation counts one effective role change (assign, remove, replace).
func ObserveRoleMutation(op string) {
	roleMutationsTotal.WithLabelValues(op).Inc()
}

// SetReady publishes the latest readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality
// stays bounded. Unknown shapes are returned unchanged.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "admin" && parts[1] == "users":
		switch {
		case len(parts) == 3:
			return "/admin/users/:id"
		case len(parts) == 4 && parts[3] == "roles":
			return "/admin/users/:id/roles"
		case len(parts) == 5 && parts[3] == "roles":
			return "/admin/users/:id/roles/:role"
		}
	case len(parts) == 4 && parts[0] == "admin" && parts[1] == "audit-log":
		switch parts[2] {
		case "user", "recent", "suspicious":
			return "/admin/audit-log/" + parts[2] + "/:id"
		}
	case len(parts) == 3 && parts[0] == "admin" && parts[1] == "roles":
		return "/admin/roles/:role"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
