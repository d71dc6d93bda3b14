/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap request log (method, path, status, duration, request id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request count and latency per route
  6. CORS:       Cross-origin requests for a web front end

ROUTE GROUPS:
  /api/users/*      Balance, purchases, top-ups of one user
  /api/shards/*     Catalog browsing
  /api/topups/*     Intent status and reconciliation
  /api/admin/*      Operator actions, X-Actor-Identity required
  /metrics          Prometheus scrape endpoint
  /healthz          Liveness

SECURITY NOTE:
  The presentation layer authenticates its users and forwards their ids.
  Admin routes additionally pass the actor through the shop's allow-list.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/storefront/logger"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Middleware)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/", h.EnsureUser)
			r.Get("/balance", h.GetBalance)
			r.Get("/sales", h.ListSales)
			r.Post("/purchases", h.Purchase)
			r.Post("/topups", h.CreateTopUp)
		})

		// Catalog routes
		r.Route("/shards", func(r chi.Router) {
			r.Get("/", h.ListShards)
			r.Get("/{shard}/items", h.ListItems)
			r.Get("/{shard}/items/{itemID}", h.GetItem)
		})

		// Top-up routes
		r.Route("/topups/{code}", func(r chi.Router) {
			r.Get("/", h.GetTopUp)
			r.Post("/check", h.CheckTopUp)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireActor)
			r.Post("/shards/{shard}/items", h.AddItem)
			r.Delete("/shards/{shard}/items/{itemID}", h.DeleteItem)
			r.Put("/shards/{shard}/items/{itemID}/description", h.EditDescription)
			r.Post("/balance/grant", h.GrantBalance)
			r.Post("/balance/revoke", h.RevokeBalance)
			r.Get("/stats", h.Stats)
			r.Get("/audit", h.Audit)
			r.Post("/topups/recheck", h.RecheckPending)
		})
	})

	return r
}

// requestLogger writes one zap line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.InfoCtx(r.Context(), "http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
