// Package observability exposes the Prometheus registry and the HTTP
// middleware that feeds it.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"celupos/internal/domain"
)

// Metrics collects request and business counters. A nil *Metrics is safe
// to use and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	salesFinalized   *prometheus.CounterVec
	finalizeDuration prometheus.Histogram
	stockMovements   *prometheus.CounterVec
	stockAlerts      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celupos_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "celupos_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	sales := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celupos_sales_finalized_total",
		Help: "Sale confirmations by outcome.",
	}, []string{"outcome"})
	finalize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "celupos_finalize_duration_seconds",
		Help:    "Time spent committing a sale.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celupos_stock_movements_total",
		Help: "Applied stock movements by type.",
	}, []string{"type"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celupos_stock_alerts_total",
		Help: "Stock alert transitions by level.",
	}, []string{"level"})
	registry.MustRegister(
		requests, duration, sales, finalize, movements, alerts,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		salesFinalized:   sales,
		finalizeDuration: finalize,
		stockMovements:   movements,
		stockAlerts:      alerts,
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) SaleFinalized(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.salesFinalized.WithLabelValues(outcome).Inc()
	m.finalizeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) StockMovement(movementType domain.MovementType) {
	if m == nil {
		return
	}
	m.stockMovements.WithLabelValues(string(movementType)).Inc()
}

func (m *Metrics) StockAlert(level domain.AlertLevel) {
	if m == nil {
		return
	}
	if level == domain.AlertNone {
		level = "cleared"
	}
	m.stockAlerts.WithLabelValues(string(level)).Inc()
}

// Registerer exposes the registry for extra collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
