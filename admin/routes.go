// Package admin exposes live stream state and Prometheus metrics over HTTP.
package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter registers all admin routes; secret guards the stream endpoints
func NewRouter(handlers *Handlers, secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handlers.handleHealth)
	r.Get("/metrics", handlers.handleMetrics)

	r.Route("/streams", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Get("/", handlers.handleStreams)
		r.Get("/{streamID}", handlers.handleStream)
	})

	return r
}
