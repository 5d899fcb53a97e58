// Package server implements the HTTP transport layer for the Pylon gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/app"
	"github.com/pylonlabs/pylon/internal/telemetry"
)

// Authenticator resolves the caller identity from a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
}

// KeyCache invalidates cached API keys when admin operations modify them.
type KeyCache interface {
	InvalidateByKeyID(keyID string)
}

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       Authenticator
	Chat       *app.ChatService
	Keys       *app.KeyManager
	AdminKey   string              // plaintext admin key; empty disables admin routes
	KeyCache   KeyCache            // nil = no auth cache invalidation
	ReadyCheck ReadyChecker        // nil = always ready (for tests)
	Metrics    *telemetry.Metrics  // nil = no metrics middleware
	Registry   prometheus.Gatherer // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Client-facing API (API key auth)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/{provider}/chat", s.handleChat)
		r.Post("/v1/{provider}/chat/{credentialID}", s.handleChat)
		r.Get("/v1/limits", s.handleOwnLimits)
	})

	// Admin API (admin key auth)
	if deps.AdminKey != "" {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.adminAuth)

			r.Get("/providers", s.handleListProviders)

			r.Route("/credentials/{provider}", func(r chi.Router) {
				r.Get("/", s.handleListCredentials)
				r.Post("/", s.handleAddCredential)
				r.Get("/errors", s.handleListCredentialErrors)
				r.Delete("/errors/{id}", s.handleDeleteCredentialError)
				r.Post("/errors/{id}/restore", s.handleRestoreCredential)
				r.Get("/{id}", s.handleGetCredential)
				r.Put("/{id}", s.handleUpdateCredential)
				r.Delete("/{id}", s.handleDeleteCredential)
				r.Post("/{id}/activate", s.handleActivateCredential)
			})

			r.Route("/keys", func(r chi.Router) {
				r.Get("/", s.handleListKeys)
				r.Post("/", s.handleCreateKey)
				r.Get("/{id}", s.handleGetKey)
				r.Put("/{id}", s.handleUpdateKey)
				r.Delete("/{id}", s.handleDeleteKey)
				r.Post("/{id}/toggle", s.handleToggleKey)
				r.Get("/{id}/limits", s.handleKeyLimits)
			})
		})
	}

	return r
}

type server struct {
	deps Deps
}
