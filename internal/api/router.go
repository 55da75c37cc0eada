/**
 * @description
 * This file sets up the HTTP router for the stream-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware for logging, recovery, CORS, and authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// StreamRoutes creates and returns a new router for the stream service.
// When jwksURL is empty the public routes run unauthenticated; the stream
// operations remain protected by their request signatures either way.
func StreamRoutes(h *StreamHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public API, optionally behind bearer-token auth.
	r.Group(func(r chi.Router) {
		if jwksURL != "" {
			r.Use(AuthMiddleware(jwksURL))
		}

		r.Post("/streams", h.CreateStreamHandler)
		r.Get("/streams", h.ListStreamsHandler)
		r.Get("/streams/{address}", h.GetStreamHandler)
		r.Get("/streams/{address}/account", h.GetStreamAccountHandler)
		r.Get("/streams/{address}/transfers", h.ListStreamTransfersHandler)
		r.Post("/streams/{address}/redeem", h.RedeemStreamHandler)
		r.Post("/streams/{address}/cancel", h.CancelStreamHandler)
		r.Post("/streams/{address}/reclaim", h.ReclaimStreamHandler)

		r.Get("/accounts/{address}", h.GetTokenAccountHandler)
	})

	// Internal endpoints for the deposit gateway and operators.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))
		r.Post("/internal/deposits", h.InternalDepositHandler)
	})

	return r
}
