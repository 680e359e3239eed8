package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
	"github.com/akinalp/livecast/pkg/ratelimit"
	"github.com/akinalp/livecast/services"
)

// TransportHandler serves the /transport endpoints.
type TransportHandler struct {
	tokenService services.TokenService
	limiter      *ratelimit.TokenRateLimiter
}

// NewTransportHandler creates the handler. limiter may be nil to disable
// limiting of the token endpoints.
func NewTransportHandler(tokenService services.TokenService, limiter *ratelimit.TokenRateLimiter) *TransportHandler {
	return &TransportHandler{tokenService: tokenService, limiter: limiter}
}

// Credentials godoc
// GET /transport/credentials
func (h *TransportHandler) Credentials(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, h.tokenService.Credentials())
}

// HostToken godoc
// POST /transport/host-token
// Body: { "channelName": "demo-1", "identity": 123456 }
func (h *TransportHandler) HostToken(w http.ResponseWriter, r *http.Request) {
	h.issue(w, r, models.RoleHost)
}

// AudienceToken godoc
// POST /transport/audience-token
func (h *TransportHandler) AudienceToken(w http.ResponseWriter, r *http.Request) {
	h.issue(w, r, models.RoleAudience)
}

func (h *TransportHandler) issue(w http.ResponseWriter, r *http.Request, role models.Role) {
	ip := ratelimit.ExtractIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip, string(role)) {
		retryAfter := h.limiter.RetryAfterSeconds(ip, string(role))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		pkg.ErrorWithMessage(w, http.StatusTooManyRequests,
			fmt.Sprintf("too many %s token requests, retry in %ds", role, retryAfter))
		return
	}

	var req models.TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.tokenService.IssueToken(r.Context(), role, &req)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, resp)
}

// decodeJSON decodes a bounded request body into v. An empty body leaves v
// at its zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
