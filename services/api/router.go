package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := a.opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	if a.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.opts.RateLimit, time.Minute))

		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", a.handleCreateDeployment)
			r.Get("/", a.handleListDeployments)
			r.Get("/active", a.handleActiveDeployments)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetDeployment)
				r.Put("/", a.handleUpdateDeployment)
				r.Delete("/", a.handleDeleteDeployment)
				r.Get("/status", a.handleDeploymentStatus)
				r.Post("/start", a.handleStartDeployment)
				r.Post("/stop", a.handleStopDeployment)
				r.Put("/progress", a.handleUpdateProgress)
				r.Get("/tool-log", a.handleToolLog)
			})
		})

		r.Get("/images", a.handleListImages)
		r.Get("/imaging/health", a.handleImagingHealth)
	})

	if a.opts.Telemetry != nil {
		return a.opts.Telemetry(r)
	}
	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.opts.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.opts.Ready(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
