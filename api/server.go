/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Access log: zerolog line per request (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the finance UI
  5. Rate limit: Per-IP limit on state-changing endpoints (httprate)
  6. Metrics:    Prometheus request count/latency per route (optional)

ROUTE GROUPS:
  /api/agreements/*  Agreements, timebank status, time entries
  /api/split         Split preview
  /api/batches/*     Billing batch lifecycle
  /api/indexation/*  Indexation alerts
  /api/scenarios/*   Demo scenarios
  /healthz           Liveness
  /metrics           Prometheus scrape endpoint (when metrics are enabled)

SECURITY NOTE:
  No authentication middleware. Deploy behind the company gateway.

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
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"github.com/warp/billing-engine/metrics"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	CORSOrigins []string
	// Requests per minute per IP on write endpoints; 0 disables limiting.
	RateLimitRequests int
	// Metrics, when set, instruments every route and serves /metrics.
	Metrics *metrics.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(accessLog(h.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	writeLimit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimitRequests > 0 {
		writeLimit = httprate.Limit(cfg.RateLimitRequests, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
			}),
		)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Agreement routes
		r.Route("/agreements", func(r chi.Router) {
			r.Get("/", h.ListAgreements)
			r.With(writeLimit).Post("/", h.CreateAgreement)
			r.Get("/{id}", h.GetAgreement)
			r.Get("/{id}/timebank", h.GetTimebankStatus)
			r.Get("/{id}/period", h.GetPeriod)
			r.Get("/{id}/entries", h.ListEntries)
			r.With(writeLimit).Post("/{id}/entries", h.LogEntry)
		})

		r.Post("/split", h.PreviewSplit)

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Get("/{id}", h.GetBatch)
			r.Group(func(r chi.Router) {
				r.Use(writeLimit)
				r.Post("/", h.CreateBatch)
				r.Post("/{id}/entries", h.AddBatchEntry)
				r.Delete("/{id}/entries/{entryID}", h.RemoveBatchEntry)
				r.Post("/{id}/submit", h.SubmitBatch)
				r.Post("/{id}/reopen", h.ReopenBatch)
				r.Post("/{id}/export", h.ExportBatch)
				r.Post("/{id}/lock", h.LockBatch)
			})
		})

		r.Get("/indexation/alerts", h.ListIndexationAlerts)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(writeLimit).Post("/load", h.LoadScenario)
			r.With(writeLimit).Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// accessLog writes one zerolog line per request.
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
