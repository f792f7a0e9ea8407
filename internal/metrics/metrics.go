// Package metrics exposes Prometheus collectors for the HTTP surface and the
// gamification stores.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindlabs/quest-engine/internal/gamification"
)

const namespace = "quest"

// Metrics owns a private registry so tests and multiple servers in one
// process never collide on the global default.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	authRejections *prometheus.CounterVec
	rateLimited    prometheus.Counter

	events          *prometheus.CounterVec
	gameplayEvents  *prometheus.CounterVec
	droppedGameplay prometheus.Counter
	persistFailures *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
		authRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_rejections_total",
				Help:      "Total number of unauthorized requests",
			},
			[]string{"reason"},
		),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter",
		}),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Gamification events emitted by the stores",
			},
			[]string{"kind"},
		),
		gameplayEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gameplay_events_total",
				Help:      "Gameplay events accepted for processing",
			},
			[]string{"type"},
		),
		droppedGameplay: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gameplay_events_dropped_total",
			Help:      "Gameplay events dropped because the tracker queue was full",
		}),
		persistFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_failures_total",
				Help:      "Best-effort persistence operations that failed",
			},
			[]string{"op", "record"},
		),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.authRejections,
		m.rateLimited,
		m.events,
		m.gameplayEvents,
		m.droppedGameplay,
		m.persistFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterGauge adds a gauge computed on scrape.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Notify implements gamification.Notifier by counting events per kind.
func (m *Metrics) Notify(ev gamification.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
}

// GameplayEvent records a gameplay event submission.
func (m *Metrics) GameplayEvent(typ gamification.GameplayEventType, accepted bool) {
	if !accepted {
		m.droppedGameplay.Inc()
		return
	}
	m.gameplayEvents.WithLabelValues(string(typ)).Inc()
}

// PersistFailure counts err if it is a *gamification.PersistError. Other
// errors and nil are ignored.
func (m *Metrics) PersistFailure(err error) {
	var perr *gamification.PersistError
	if errors.As(err, &perr) {
		m.persistFailures.WithLabelValues(perr.Op, perr.Record).Inc()
	}
}

// RateLimited counts a request rejected by the limiter.
func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

// Middleware records request counts and latency. Paths are labelled by their
// chi route pattern so IDs in the URL do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Initialize with 200 OK in case WriteHeader isn't called explicitly
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		m.httpRequests.WithLabelValues(path, r.Method, strconv.Itoa(ww.statusCode)).Inc()
		m.httpDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())

		switch ww.statusCode {
		case http.StatusUnauthorized:
			m.authRejections.WithLabelValues("401_unauthorized").Inc()
		case http.StatusForbidden:
			m.authRejections.WithLabelValues("403_forbidden").Inc()
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack is required by the WebSocket upgrade on /ws.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}
