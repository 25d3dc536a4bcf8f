// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/fieldbase/internal/config"
	"github.com/tomtom215/fieldbase/internal/middleware"
)

// Router assembles the chi route tree.
type Router struct {
	handler  *Handler
	security config.SecurityConfig
}

// NewRouter creates a Router.
func NewRouter(handler *Handler, security config.SecurityConfig) *Router {
	return &Router{handler: handler, security: security}
}

// Setup wires all routes. Health and metrics endpoints stay outside the
// rate limit so monitoring keeps working while a source floods us.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.security.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", rt.handler.HealthLive)
	r.Get("/readyz", rt.handler.HealthReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rt.rateLimit())
		r.Use(middleware.PrometheusMetrics)

		r.Post("/webhooks/{source}", rt.handler.Webhook)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/dlq", rt.handler.ListDeadLetters)
			r.Post("/dlq/{id}/replay", rt.handler.ReplayDeadLetter)
			r.Delete("/dlq/{id}", rt.handler.PurgeDeadLetter)
			r.Get("/queue/stats", rt.handler.QueueStats)
			r.Delete("/dedupe", rt.handler.PurgeDedupRecord)
			r.Post("/config/reload", rt.handler.ConfigReload)
		})
	})

	return r
}

// rateLimit returns the per-IP inbound limiter, or a no-op when
// disabled for tests.
func (rt *Router) rateLimit() func(http.Handler) http.Handler {
	if rt.security.RateLimitDisabled {
		return func(next http.Handler) http.Handler { return next }
	}
	reqs := rt.security.RateLimitReqs
	if reqs <= 0 {
		reqs = 100
	}
	window := rt.security.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(reqs, window, httprate.WithKeyFuncs(httprate.KeyByIP))
}
