/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the purchase app

ROUTE GROUPS:
  /api/consumptions/*   Purchases
  /api/families/*       Balances
  /api/jobs/*           Scrape and validate jobs
  /metrics              Prometheus exposition
  /healthz              Liveness + store ping
  /uploads/*            Receipt images (local upload store)

SECURITY NOTE:
  No authentication middleware. Deploy behind the operator gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the parts of the router that depend on deployment.
type Options struct {
	AllowedOrigins []string

	// Gatherer backs /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer

	// UploadDir is served under UploadBaseURL when both are set.
	UploadDir     string
	UploadBaseURL string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/consumptions", func(r chi.Router) {
			r.Get("/", h.ListConsumptions)
			r.Post("/", h.CreateConsumption)
			r.Get("/{id}", h.GetConsumption)
			r.Delete("/{id}", h.DeleteConsumption)
		})

		r.Route("/families", func(r chi.Router) {
			r.Get("/{id}/balance", h.GetBalance)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Get("/runs", h.ListJobRuns)
			r.Post("/{name}/run", h.TriggerJob)
		})
	})

	// Receipt images
	if opts.UploadDir != "" && opts.UploadBaseURL != "" {
		base := "/" + strings.Trim(opts.UploadBaseURL, "/")
		fileServer := http.StripPrefix(base, http.FileServer(http.Dir(opts.UploadDir)))
		r.Get(base+"/*", func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/") {
				http.NotFound(w, r)
				return
			}
			fileServer.ServeHTTP(w, r)
		})
	}

	return r
}
