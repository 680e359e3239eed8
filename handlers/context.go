// Package handlers is the thin HTTP layer: decode the request, call a
// service, encode the result. No business logic and no database access
// lives here.
package handlers

import (
	"net/http"

	"github.com/akinalp/livecast/models"
)

type contextKey string

// CredentialContextKey carries the *models.CredentialClaims that the
// host-auth middleware verified.
const CredentialContextKey contextKey = "credential"

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// credentialFromContext returns the verified claims, nil outside the
// host-auth middleware.
func credentialFromContext(r *http.Request) *models.CredentialClaims {
	claims, _ := r.Context().Value(CredentialContextKey).(*models.CredentialClaims)
	return claims
}
