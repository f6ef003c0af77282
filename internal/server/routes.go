// Package server wires HTTP handlers into a chi router for the PeerDrop
// relay via routing helpers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRoutes configures the application routes. The signaling endpoint
// takes the access token as its last path segment and is mounted both at the
// root and under /api.
func SetupRoutes(h *Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/", HealthHandler)
	router.Get("/health", HealthHandler)
	router.Get("/health/stats", h.StatsHandler)
	router.Get("/test", TestPageHandler)

	router.Get("/ws/{token}", h.ServeWebSocket)
	router.Get("/api/ws/{token}", h.ServeWebSocket)

	return router
}
