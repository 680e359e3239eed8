package handlers

import (
	"net/http"

	"github.com/akinalp/livecast/pkg"
	"github.com/akinalp/livecast/services"
)

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	registry services.StreamRegistry
}

func NewHealthHandler(registry services.StreamRegistry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"activeStreams": len(h.registry.Active()),
	})
}
