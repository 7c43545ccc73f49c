package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/notify"
)

// RealtimeHandler reports and switches the page the realtime client follows.
type RealtimeHandler struct {
	status RealtimeStatus
	bus    Publisher
	logger *zap.Logger
}

// NewRealtimeHandler wires the status source and notification bus. Either
// may be nil, in which case the matching endpoint answers 503.
func NewRealtimeHandler(status RealtimeStatus, bus Publisher, logger *zap.Logger) *RealtimeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHandler{status: status, bus: bus, logger: logger}
}

// Status handles GET /v1/realtime/status.
func (h *RealtimeHandler) Status(w http.ResponseWriter, _ *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime client unavailable")
		return
	}
	st := h.status.Status()
	writeJSON(w, http.StatusOK, realtimeStatusDTO{
		PageID:           st.PageID,
		State:            st.State.String(),
		ReconnectAttempt: st.ReconnectAttempt,
	})
}

// SetPage handles PUT /v1/realtime/page with body {"page_id": "..."}. It
// publishes page_changed and answers 202 with the subscriber count.
func (h *RealtimeHandler) SetPage(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "notification bus unavailable")
		return
	}
	var req setPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	pageID := strings.TrimSpace(req.PageID)
	if pageID == "" {
		writeError(w, http.StatusBadRequest, "page_id is required")
		return
	}
	delivered := h.bus.Publish(notify.Message{Topic: notify.TopicPageChanged, PageID: pageID})
	h.logger.Info("page change requested", zap.String("page_id", pageID), zap.Int("subscribers", delivered))
	writeJSON(w, http.StatusAccepted, map[string]any{"page_id": pageID, "subscribers": delivered})
}

type setPageRequest struct {
	PageID string `json:"page_id"`
}

type realtimeStatusDTO struct {
	PageID           string `json:"page_id"`
	State            string `json:"state"`
	ReconnectAttempt int    `json:"reconnect_attempt"`
}
