package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ferbert-dev/bro-messenger/internal/auth"
	"github.com/ferbert-dev/bro-messenger/internal/directory"
	"github.com/ferbert-dev/bro-messenger/internal/metrics"
)

// legacyChannel returns the channel named on the handshake URL, if any.
func legacyChannel(r *http.Request) string {
	q := r.URL.Query()
	if ch := strings.TrimSpace(q.Get("chatId")); ch != "" {
		return ch
	}
	return strings.TrimSpace(q.Get("channel"))
}

// handshakeStatus maps a legacy membership failure to its HTTP status and
// metric reason.
func handshakeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, directory.ErrChannelNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, directory.ErrNotMember):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusServiceUnavailable, "unavailable"
	}
}

// WebSocketHandler authenticates the handshake, optionally checks the legacy
// channel, upgrades the connection and starts its pumps. Every rejection
// happens before the upgrade, so nothing is registered for it.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if h.isClosing() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	token := auth.ExtractToken(r)
	id, err := h.verifier.VerifyCredential(r.Context(), token)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("auth").Inc()
		h.logger.Info().Err(err).Str("addr", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	channel := legacyChannel(r)
	if channel != "" {
		if err := h.directory.IsMember(r.Context(), id.UserID, channel); err != nil {
			status, reason := handshakeStatus(err)
			metrics.HandshakeFailures.WithLabelValues(reason).Inc()
			h.logger.Info().Err(err).Str("identity", id.UserID).Str("channel", channel).Msg("handshake rejected")
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	var header http.Header
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		// browsers require the server to echo the subprotocol carrying the token
		if first := strings.TrimSpace(strings.Split(proto, ",")[0]); first == token {
			header = http.Header{"Sec-WebSocket-Protocol": []string{first}}
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("upgrade").Inc()
		h.logger.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	if !h.start(newClient(h, conn, id.UserID, r.RemoteAddr), channel) {
		metrics.HandshakeFailures.WithLabelValues("shutting_down").Inc()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "bro-messenger chat server is running!")
}

type healthStatus struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// HealthzHandler reports readiness as JSON. It answers 503 once shutdown
// has begun.
func (h *Hub) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	status := healthStatus{Status: "ok", Connections: h.Connections()}
	code := http.StatusOK
	if h.isClosing() {
		status.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Debug().Err(err).Msg("write health response")
	}
}
