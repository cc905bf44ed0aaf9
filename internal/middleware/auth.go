// Package middleware holds HTTP middleware for the control plane.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"visionhub/internal/auth"
)

type contextKey string

const userContextKey contextKey = "user"

// RequireAuth gates a route group behind bearer-token validation. When
// authentication is disabled it passes everything through.
func RequireAuth(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authenticator.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				unauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := authenticator.ValidateToken(parts[1])
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					unauthorized(w, "token has expired")
				} else {
					unauthorized(w, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": "` + msg + `"}`))
}

// UserFromContext returns the authenticated user's claims, or nil.
func UserFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(userContextKey).(*auth.Claims)
	return claims
}
