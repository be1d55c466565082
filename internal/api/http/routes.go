package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with configured routes, middleware,
// and handlers: download lifecycle, health check, and Prometheus metrics.
func NewRouter(downloads Downloads, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	h := NewDownloadHandler(downloads, logger)

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Get("/", h.Overview)
		r.Get("/{identity}", h.Get)
		r.Post("/{identity}/pause", h.Pause)
		r.Post("/{identity}/resume", h.Resume)
		r.Delete("/{identity}", h.Cancel)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
