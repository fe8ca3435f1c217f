// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package auth

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Middleware provides authentication middleware for HTTP handlers.
// A single shared token authenticates both the wrapper and the hook client.
type Middleware struct {
	token string
	log   zerolog.Logger
}

// NewMiddleware creates a new auth middleware with the configured token.
func NewMiddleware(token string, log zerolog.Logger) *Middleware {
	return &Middleware{
		token: token,
		log:   log.With().Str("component", "auth").Logger(),
	}
}

// RequireAuth wraps an http.Handler and requires valid authentication.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			m.log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("unauthorized request")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthFunc wraps an http.HandlerFunc and requires valid authentication.
func (m *Middleware) RequireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			m.log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("unauthorized request")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// isAuthenticated checks if the request has valid authentication.
func (m *Middleware) isAuthenticated(r *http.Request) bool {
	// If no token is configured, reject all requests (fail secure)
	if m.token == "" {
		return false
	}

	// Check X-Internal-Token header first (for local service-to-service calls)
	if token := r.Header.Get("X-Internal-Token"); token != "" {
		return token == m.token
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return false
	}

	// Must be "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}

	return parts[1] == m.token
}

// IsEnabled returns true if authentication is configured.
func (m *Middleware) IsEnabled() bool {
	return m.token != ""
}
