package api

import (
	"net/http"
	"strconv"

	"envnode/internal/events"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 100
)

// EventsHandler serves the device event journal.
type EventsHandler struct {
	store *events.Store
}

// NewEventsHandler creates new events handler
func NewEventsHandler(store *events.Store) *EventsHandler {
	return &EventsHandler{store: store}
}

// List handles GET /api/events?limit=50&since=123
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		sinceID, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || sinceID < 0 {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"events": h.store.GetSince(sinceID),
			"lastId": h.store.LastID(),
		})
		return
	}

	limit := defaultEventLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxEventLimit {
			limit = l
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": h.store.GetLast(limit),
		"lastId": h.store.LastID(),
	})
}
