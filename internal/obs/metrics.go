package obs

import (
	"bufio"
	"net"
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

// Domain metrics. Components update these directly; they are only exported once
// Init has registered them.
var (
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundboard_cache_lookups_total",
		Help: "Cache lookups by outcome (hit, miss, shared).",
	}, []string{"cache", "result"})

	CacheHydrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundboard_cache_hydrations_total",
		Help: "Producer invocations by outcome.",
	}, []string{"cache", "outcome"})

	Topics = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soundboard_topics",
		Help: "Known subscription topics.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soundboard_subscribers",
		Help: "Dashboard connections subscribed to a topic.",
	})

	Broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundboard_broadcasts_total",
		Help: "State snapshots broadcast to subscribers.",
	})

	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundboard_commands_total",
		Help: "Executor commands by op and outcome.",
	}, []string{"op", "outcome"})

	CommandLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soundboard_command_latency_seconds",
		Help:    "Time from dispatch to correlated reply.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"op"})

	ExecutorsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soundboard_executors_connected",
		Help: "Attached executor connections.",
	})

	PendingCommands = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soundboard_pending_commands",
		Help: "Commands waiting for a correlated reply.",
	})

	UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundboard_upstream_requests_total",
		Help: "Upstream API responses by route and status.",
	}, []string{"route", "status"})

	UpstreamWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundboard_upstream_ratelimit_waits_total",
		Help: "Sleeps caused by upstream rate limiting.",
	}, []string{"reason"})

	ReconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundboard_reconcile_runs_total",
		Help: "Guild reconciliation runs by outcome.",
	}, []string{"outcome"})

	ReconcileChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundboard_reconcile_changes_total",
		Help: "Guild rows activated or deactivated by reconciliation.",
	}, []string{"kind"})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			CacheLookups, CacheHydrations,
			Topics, Subscribers, Broadcasts,
			Commands, CommandLatency, ExecutorsConnected, PendingCommands,
			UpstreamRequests, UpstreamWaits,
			ReconcileRuns, ReconcileChanges,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures RPS, latency and in-flight requests.
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

// CanonicalPath collapses group ids so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(raw, "/")
	// /v1/groups/{id}/<action>
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "groups" && parts[3] != "" {
		if len(parts) == 4 || (len(parts) == 5 && isGroupAction(parts[4])) {
			parts[3] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isGroupAction(s string) bool {
	switch s {
	case "play", "stop", "skip", "queue":
		return true
	}
	return false
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is needed by the websocket upgrader, which type-asserts http.Hijacker.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.code = http.StatusSwitchingProtocols
	return http.NewResponseController(w.ResponseWriter).Hijack()
}
