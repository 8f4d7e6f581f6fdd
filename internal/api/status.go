package api

import (
	"context"
	"net/http"

	"envnode/internal/auth"
	"envnode/internal/device"
)

// Device reports the agent state.
type Device interface {
	Status(ctx context.Context) device.Status
}

// StatusHandler serves health and device status.
type StatusHandler struct {
	device  Device
	version string
	tokens  *auth.WSTokenStore
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(d Device, version string, tokens *auth.WSTokenStore) *StatusHandler {
	return &StatusHandler{device: d, version: version, tokens: tokens}
}

// Health handles GET /healthz. It answers 503 until the control loop runs.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.device.Status(r.Context())
	status := http.StatusOK
	state := "ok"
	if !st.Running {
		status = http.StatusServiceUnavailable
		state = "starting"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":        state,
		"version":       h.version,
		"mqttConnected": st.Connectivity.MQTTConnected,
	})
}

// Status handles GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.device.Status(r.Context()))
}

// Me handles GET /api/auth/me
func (h *StatusHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.GetClientFromContext(r.Context()))
}

// WSToken handles GET /api/auth/ws-token
func (h *StatusHandler) WSToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.tokens.Generate(auth.GetClientFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresIn": int(auth.WSTokenTTL.Seconds()),
	})
}
