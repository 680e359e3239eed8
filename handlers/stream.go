package handlers

import (
	"net/http"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
	"github.com/akinalp/livecast/services"
)

// StreamHandler serves the /streams endpoints backed by the registry.
type StreamHandler struct {
	registry services.StreamRegistry
}

func NewStreamHandler(registry services.StreamRegistry) *StreamHandler {
	return &StreamHandler{registry: registry}
}

// Register godoc
// POST /streams/{channelName}/register (host credential)
// Body: { "title": "...", "hostName": "...", "hostAvatar": "...", "viewerCount": 0 }
func (h *StreamHandler) Register(w http.ResponseWriter, r *http.Request) {
	var meta models.StreamMetadata
	if err := decodeJSON(w, r, &meta); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if claims := credentialFromContext(r); claims != nil {
		meta.HostIdentity = claims.Identity()
	}

	session, err := h.registry.RegisterOrUpdate(r.PathValue("channelName"), meta)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, session)
}

// Heartbeat godoc
// POST /streams/{channelName}/heartbeat (host credential)
// Always 204: a stale client may ping a channel the server no longer knows.
// That case is flagged with X-Stream-Registered: false so the host can
// register again.
func (h *StreamHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.registry.Heartbeat(r.PathValue("channelName")) {
		w.Header().Set(models.HeaderStreamRegistered, "false")
	}
	pkg.NoContent(w)
}

// End godoc
// POST /streams/{channelName}/end (host credential)
// Always 204, repeated calls are no-ops.
func (h *StreamHandler) End(w http.ResponseWriter, r *http.Request) {
	h.registry.MarkEnded(r.PathValue("channelName"), models.EndReasonHostEnded)
	pkg.NoContent(w)
}

// Active godoc
// GET /streams/active
func (h *StreamHandler) Active(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, Summaries(h.registry.Active()))
}

// Get godoc
// GET /streams/{channelName}
// Ended streams stay visible (status "inactive") for the grace period.
func (h *StreamHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Get(r.PathValue("channelName"))
	if err != nil {
		pkg.Error(w, err)
		return
	}
	pkg.JSON(w, http.StatusOK, session)
}

// Summaries projects sessions to their list view.
func Summaries(sessions []models.StreamSession) []models.StreamSummary {
	out := make([]models.StreamSummary, len(sessions))
	for i := range sessions {
		out[i] = sessions[i].Summary()
	}
	return out
}
