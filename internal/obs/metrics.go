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

// Domain metrics
var (
	incidentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_transitions_total",
			Help: "Incident status changes by from/to status.",
		},
		[]string{"from", "to"},
	)

	roleChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_changes_total",
			Help: "Role engine writes by entity kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	domainFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_failures_total",
			Help: "Typed domain failures returned to callers.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			incidentTransitions, roleChanges, domainFailures,
		)
	})
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordTransition(from, to string) {
	incidentTransitions.WithLabelValues(from, to).Inc()
}

func RecordRoleChange(kind, outcome string) {
	roleChanges.WithLabelValues(kind, outcome).Inc()
}

func RecordFailure(kind string) {
	domainFailures.WithLabelValues(kind).Inc()
}

// Instrument measures rate, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// routeShapes lists, per collection, the sub-resources that may follow an id.
var routeShapes = map[string][]string{
	"incidents":    {"history", "crew", "begin", "response", "approve", "reject", "redirect"},
	"territorials": {"status-counts"},
}

// CanonicalPath collapses ids in known routes so metric labels stay bounded.
// Unknown shapes are returned unchanged, without the query string.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	if parts[1] == "entities" {
		return canonicalEntityPath(p, parts)
	}
	subs, ok := routeShapes[parts[1]]
	if !ok {
		return p
	}
	switch len(parts) {
	case 3:
		return "/v1/" + parts[1] + "/:id"
	case 4:
		for _, s := range subs {
			if parts[3] == s {
				return "/v1/" + parts[1] + "/:id/" + s
			}
		}
	}
	return p
}

func canonicalEntityPath(p string, parts []string) string {
	if len(parts) != 5 {
		return p
	}
	switch parts[4] {
	case "members", "active", "children":
		return "/v1/entities/:kind/:id/" + parts[4]
	}
	return p
}
