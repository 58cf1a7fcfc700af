/**
 * @description
 * This file sets up the HTTP router for the packet-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the middleware stack: request logging, panic recovery, timeouts, CORS,
 * tracing, metrics and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/packet-service/internal/metrics"
	"github.com/transfa/packet-service/internal/tracing"
)

// RouterConfig carries the router's security settings.
type RouterConfig struct {
	Auth           AuthConfig
	InternalAPIKey string
	AllowedOrigins []string
}

// PacketRoutes creates and returns a new router for the packet service.
func PacketRoutes(h *PacketHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(corsOptions(cfg.AllowedOrigins)))
	r.Use(tracing.Middleware)
	r.Use(metrics.Middleware)

	r.Get("/health", h.HealthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/packets/{packet_id}", h.GetPacketHandler)
	r.Get("/users/{identity_id}/packets", h.ListUserPacketsHandler)
	r.Get("/plaza", h.ListPlazaHandler)
	r.Get("/plaza/activity", h.ListActivityHandler)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		r.Post("/packets", h.CreatePacketHandler)
		r.Post("/packets/{packet_id}/claim", h.ClaimPacketHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(cfg.InternalAPIKey))

		r.Post("/internal/packets/deposits", h.DepositHookHandler)
	})

	return r
}

// corsOptions allows credentialed requests only from configured origins.
// Without a list any origin may call the API with a bearer token but the
// browser never attaches cookies.
func corsOptions(allowed []string) cors.Options {
	opts := cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}
	if len(allowed) == 0 {
		opts.AllowedOrigins = []string{"*"}
		return opts
	}
	opts.AllowCredentials = true
	return opts
}
