package handlers

import (
	"net/http"
	"strconv"

	"github.com/akinalp/livecast/pkg"
	"github.com/akinalp/livecast/services"
)

// HistoryHandler serves GET /streams/history.
type HistoryHandler struct {
	historyService services.StreamHistoryService
}

func NewHistoryHandler(historyService services.StreamHistoryService) *HistoryHandler {
	return &HistoryHandler{historyService: historyService}
}

// List godoc
// GET /streams/history?limit=20
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			pkg.ErrorWithMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.historyService.List(r.Context(), limit)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, entries)
}
