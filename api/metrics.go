package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/storefront/shop"
)

// Metrics holds the storefront's Prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	purchases       *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg and serves reg from Handler.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "Total HTTP requests processed, labeled by status code",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "Latency distribution of HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"method", "route"}),
		purchases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_purchases_total",
			Help: "Purchase attempts by outcome",
		}, []string{"status"}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_reconciliations_total",
			Help: "Top-up checks by outcome",
		}, []string{"outcome"}),
	}
}

// Middleware records request count and latency per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observePurchase(status shop.PurchaseStatus) {
	m.purchases.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeCheck(outcome shop.Outcome, n int) {
	m.reconciliations.WithLabelValues(string(outcome)).Add(float64(n))
}
