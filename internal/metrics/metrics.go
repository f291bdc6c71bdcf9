// Package metrics holds the Prometheus collectors shared by the node and the
// relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Serving engine.
var (
	ServeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_serve_requests_total",
			Help: "Inbound download and advertise requests by outcome",
		},
		[]string{"kind", "outcome"},
	)

	ServeTransmissions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "umbra_serve_transmissions",
		Help: "Transmissions currently held by the serving engine",
	})

	ServeChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umbra_serve_chunks_total",
		Help: "DATA commands sent",
	})

	ServeDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_serve_dropped_total",
			Help: "Inbound commands dropped without a reply",
		},
		[]string{"reason"},
	)
)

// Retrieval engine.
var (
	RetrieveFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_retrieve_finished_total",
			Help: "Downloads and explores reaching a terminal state",
		},
		[]string{"kind", "state", "reason"},
	)

	RetrieveBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umbra_retrieve_bytes_total",
		Help: "File bytes received in distinct chunks",
	})

	RetrieveDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umbra_retrieve_duplicate_chunks_total",
		Help: "DATA commands ignored because the chunk was already written",
	})

	TokensMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umbra_reply_tokens_minted_total",
		Help: "Reply tokens minted by the retrieval engine",
	})
)

// Relay.
var (
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "umbra_relay_connections",
		Help: "Clients connected to the relay",
	})

	RelayFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_relay_frames_total",
			Help: "Frames handled by the relay",
		},
		[]string{"type"},
	)

	RelayDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_relay_dropped_total",
			Help: "Messages the relay could not route",
		},
		[]string{"reason"},
	)
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_http_requests_total",
			Help: "Control API requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "umbra_http_request_duration_seconds",
			Help:    "Control API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Middleware records request counts and latency labelled by chi route
// pattern, which keeps ids out of the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
