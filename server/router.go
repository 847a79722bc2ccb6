package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: the mock provider endpoints behind the
// feature flag, and the relying-party routes under /auth.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Group(func(r chi.Router) {
		r.Use(a.requireMockEnabled)

		r.Get("/.well-known/openid-configuration", a.handleDiscovery)
		r.Get("/.well-known/jwks", a.handleJWKS)
		r.Get("/authorize", a.handleAuthorize)
		r.Post("/token", a.handleToken)
		r.Get("/userinfo", a.handleUserinfo)
		r.Get("/validatesession", a.handleValidateSession)
		r.Get("/logout", a.handleProviderLogout)
	})

	r.Get("/auth/login", a.handleAuthLogin)
	r.Get("/auth/callback", a.handleAuthCallback)
	r.Get("/auth/logout", a.handleAuthLogout)
	r.Get("/auth/session-refresh", a.handleAuthSessionRefresh)

	return r
}
