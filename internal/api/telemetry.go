package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"envnode/internal/auth"
	"envnode/internal/logger"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxMsgSize   = 1 << 10
	clientBuffer = 8
)

type wsEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// TelemetryHub streams samples to websocket viewers. It implements the
// agent's Broadcaster; a slow viewer misses samples rather than stalling
// the control loop.
type TelemetryHub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[chan []byte]struct{}
	last    []byte
}

// NewTelemetryHub creates an empty hub.
func NewTelemetryHub(log *logger.Logger) *TelemetryHub {
	return &TelemetryHub{log: log, clients: make(map[chan []byte]struct{})}
}

// Broadcast sends v to every connected viewer without blocking.
func (h *TelemetryHub) Broadcast(v interface{}) {
	msg, err := json.Marshal(wsEnvelope{Type: "sample", Data: v})
	if err != nil {
		h.log.Warnw("Cannot encode telemetry", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = msg
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Clients returns the number of connected viewers.
func (h *TelemetryHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *TelemetryHub) subscribe() (chan []byte, []byte) {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	last := h.last
	h.mu.Unlock()
	return ch, last
}

func (h *TelemetryHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// TelemetryHandler upgrades /ws/telemetry connections.
type TelemetryHandler struct {
	hub      *TelemetryHub
	tokens   *auth.WSTokenStore
	noAuth   bool
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewTelemetryHandler creates the websocket handler. Unless noAuth is set,
// the upgrade request must carry a one-time ?token= from /api/auth/ws-token.
func NewTelemetryHandler(hub *TelemetryHub, tokens *auth.WSTokenStore, noAuth bool, log *logger.Logger) *TelemetryHandler {
	h := &TelemetryHandler{hub: hub, tokens: tokens, noAuth: noAuth, log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin authorizes the handshake with a one-time ticket, which also
// prevents cross-site websocket hijacking.
func (h *TelemetryHandler) checkOrigin(r *http.Request) bool {
	if h.noAuth {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		h.log.Debugw("WebSocket rejected: missing token", "ip", getClientIP(r))
		return false
	}
	client, ok := h.tokens.Validate(token)
	if !ok {
		h.log.Debugw("WebSocket rejected: invalid or expired token", "ip", getClientIP(r))
		return false
	}
	h.log.Debugw("WebSocket authorized", "client", client.Name)
	return true
}

// Connect handles GET /ws/telemetry
func (h *TelemetryHandler) Connect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, last := h.hub.subscribe()
	defer h.hub.unsubscribe(ch)

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if last != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, last); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debugw("WebSocket write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
