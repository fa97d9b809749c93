// Package ws exposes the interactive terminal over WebSocket.
//
// The wire protocol is JSON frames. Client to server:
//
//	{"type": "input", "data": "<base64>"}
//	{"type": "resize", "cols": 120, "rows": 40}
//	{"type": "ping"}
//
// Server to client:
//
//	{"type": "output", "data": "<base64>"}
//	{"type": "closed", "reason": "session-suspended"}
package ws

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibecodehq/backend/internal/logging"
	"github.com/vibecodehq/backend/internal/monitoring"
	"github.com/vibecodehq/backend/internal/registry"
	"github.com/vibecodehq/backend/internal/terminal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by the HTTP middleware
	},
}

type inboundMsg struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

type outboundMsg struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Handler upgrades terminal requests and bridges them to session shells
type Handler struct {
	registry *registry.Registry
	bridge   *terminal.Bridge
	metrics  *monitoring.Metrics
	log      *logging.Logger
}

// NewHandler creates a WebSocket terminal handler
func NewHandler(reg *registry.Registry, bridge *terminal.Bridge, metrics *monitoring.Metrics, log *logging.Logger) *Handler {
	return &Handler{
		registry: reg,
		bridge:   bridge,
		metrics:  metrics,
		log:      log,
	}
}

// Terminal handles GET /sessions/:id/terminal
func (h *Handler) Terminal(c *gin.Context) {
	owner := c.GetHeader("X-Owner-ID")
	if owner == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-Owner-ID", "code": "unauthenticated"})
		return
	}

	sess, err := h.registry.Get(c.Request.Context(), owner, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed",
			zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	defer conn.Close()

	att, err := h.bridge.Attach(c.Request.Context(), sess)
	if err != nil {
		h.log.Info("terminal attach refused",
			zap.String("session_id", sess.ID), zap.Error(err))
		h.writeJSON(conn, outboundMsg{Type: "closed", Reason: "attach-failed"})
		return
	}
	defer h.bridge.Detach(att)

	h.metrics.TerminalAttachments.Inc()
	defer h.metrics.TerminalAttachments.Dec()
	h.log.Info("terminal attached",
		zap.String("session_id", sess.ID), zap.String("attach_id", att.ID))

	done := make(chan struct{})
	go h.writer(conn, att, done)
	h.reader(conn, att)

	// Unblock the writer's pending write before waiting for it
	conn.Close()
	<-done
}

// writer drains shell output to the socket and reports shell termination.
// It owns all writes on the connection.
func (h *Handler) writer(conn *websocket.Conn, att *terminal.Attachment, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-att.Output():
			if !ok {
				return
			}
			msg := outboundMsg{
				Type: "output",
				Data: base64.StdEncoding.EncodeToString(chunk),
			}
			if err := h.writeJSON(conn, msg); err != nil {
				return
			}
		case <-att.Done():
			h.writeJSON(conn, outboundMsg{Type: "closed", Reason: att.Reason()})
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, att.Reason()),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reader pumps client frames into the shell until the socket closes
func (h *Handler) reader(conn *websocket.Conn, att *terminal.Attachment) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMsg
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("terminal read error",
					zap.String("attach_id", att.ID), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "input":
			data, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				continue
			}
			if err := att.Write(data); err != nil {
				return
			}
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				att.Resize(msg.Cols, msg.Rows)
			}
		case "ping":
			// keepalive only; the writer owns the connection for output
			conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, msg outboundMsg) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
