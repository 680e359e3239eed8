// Package middleware holds the http.Handler wrappers of the request pipeline.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/akinalp/livecast/handlers"
	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
)

// CredentialValidator is satisfied by services.TokenService.
type CredentialValidator interface {
	ValidateCredential(token string) (*models.CredentialClaims, error)
}

// HostAuthMiddleware admits only the host of the path channel.
type HostAuthMiddleware struct {
	validator CredentialValidator
}

func NewHostAuthMiddleware(validator CredentialValidator) *HostAuthMiddleware {
	return &HostAuthMiddleware{validator: validator}
}

// Require checks "Authorization: Bearer <host credential>":
//  1. the token verifies (401 otherwise)
//  2. it was minted for {channelName} of the route (403 otherwise)
//  3. it carries the host role (403 otherwise)
//
// The verified claims are stored under handlers.CredentialContextKey.
func (m *HostAuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <token>")
			return
		}

		claims, err := m.validator.ValidateCredential(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			pkg.Error(w, err)
			return
		}

		if claims.Room() != r.PathValue("channelName") {
			pkg.ErrorWithMessage(w, http.StatusForbidden, "credential is not valid for this channel")
			return
		}
		if claims.Role() != models.RoleHost {
			pkg.ErrorWithMessage(w, http.StatusForbidden, "host credential required")
			return
		}

		ctx := context.WithValue(r.Context(), handlers.CredentialContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
