/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus count/latency per route (optional)
  5. CORS:       Cross-origin requests for frontend
  6. Identity:   Household scope from bearer token or device id

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus (when metrics are enabled)
  /api/people/*         People
  /api/readings/*       Meter readings
  /api/periods/*        Period listing and bill-entry status
  /api/bills/*          Bills
  /api/history/*        History and summaries
  /api/export/{format}  xlsx / pdf
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - identity.go: Household resolution
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the router's cross-cutting settings.
type RouterConfig struct {
	CORSOrigins []string
	Identity    *JWTIdentity
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", DeviceHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if cfg.Identity != nil {
			r.Use(cfg.Identity.Middleware)
		}

		r.Route("/people", func(r chi.Router) {
			r.Get("/", h.ListPeople)
			r.Post("/", h.CreatePerson)
			r.Delete("/{id}", h.DeletePerson)
			r.Get("/{id}/latest-reading", h.GetLatestReading)
		})

		r.Route("/readings", func(r chi.Router) {
			r.Get("/", h.ListReadings)
			r.Post("/", h.SaveReading)
			r.Delete("/{id}", h.DeleteReading)
		})

		r.Route("/periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.Get("/{period}", h.GetPeriodStatus)
		})

		r.Route("/bills", func(r chi.Router) {
			r.Get("/", h.ListBills)
			r.Post("/", h.SubmitBill)
			r.Get("/{period}", h.GetBill)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", h.GetHistory)
			r.Get("/months", h.GetMonthSummaries)
			r.Get("/people", h.GetPersonSummaries)
		})
		r.Get("/export/{format}", h.Export)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetHousehold)
		})
	})

	return r
}
