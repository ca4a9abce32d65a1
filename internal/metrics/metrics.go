// Package metrics exposes Prometheus collectors for the studio server.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelay_http_requests_total",
		Help: "HTTP requests processed, by method, route, and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelay_http_request_duration_seconds",
		Help:    "HTTP request latency, by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ActiveSessions tracks tasks currently executing across all chats.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reelay_task_sessions_active",
		Help: "Tasks currently executing across all chat sessions.",
	})

	// EnvelopesEmitted counts stream envelopes sent to clients, by kind.
	EnvelopesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelay_envelopes_emitted_total",
		Help: "Stream envelopes emitted to clients, by event kind.",
	}, []string{"kind"})

	// OutboxDropped counts envelopes that aged out of the resume buffer.
	OutboxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelay_outbox_dropped_total",
		Help: "Envelopes evicted from the resume buffer before any replay.",
	})

	// ProxyRequests counts forwarded requests, by rule name.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelay_proxy_requests_total",
		Help: "Requests forwarded to an upstream, by rule.",
	}, []string{"rule"})

	// ProxyPumps tracks active bidirectional websocket pump pairs.
	ProxyPumps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reelay_proxy_ws_pumps_active",
		Help: "Active websocket pump pairs between clients and upstreams.",
	})

	// ClientReconnects counts reconnection attempts made by the task
	// stream client.
	ClientReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelay_client_reconnect_attempts_total",
		Help: "Reconnection attempts made by the task stream client.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter captures the status code for the request counter.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working behind the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Middleware records request counts and latency for the wrapped handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := normalizeRoute(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// normalizeRoute folds dynamic path segments so label cardinality stays
// bounded no matter what clients request.
func normalizeRoute(path string) string {
	switch {
	case path == "/", path == "/health", path == "/metrics",
		path == "/messages", path == "/chats", path == "/ws":
		return path
	case strings.HasPrefix(path, "/chats/"):
		return "/chats/{id}"
	case strings.HasPrefix(path, "/checkpoints/"):
		return "/checkpoints/{id}/apply"
	default:
		return "other"
	}
}
