package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/fanout"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "bavard-backend"
	lastSelectedQuery      = "last_selected"
	commandSelect          = "select"

	heartbeatInterval = 25 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingInterval      = (pongWait * 9) / 10
	maxCommandBytes   = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"ts"`
}

// clientCommand is a message read from a websocket client.
type clientCommand struct {
	Type      string `json:"type"`
	ContactID string `json:"contact_id"`
}

func (h *httpHandler) connectSession(ctx context.Context, c *gin.Context) (*fanout.Session, error) {
	return h.hub.Connect(ctx, c.GetString(userIDContextKey), fanout.ConnectOptions{
		LastSelectedContact: strings.TrimSpace(c.Query(lastSelectedQuery)),
	})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	session, err := h.connectSession(ctx, c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer session.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-session.Events():
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: h.clock().UnixMilli()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := h.connectSession(ctx, c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer session.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("user_id", session.UserID()), zap.Error(err))
		return
	}
	defer conn.Close()

	go h.readCommands(conn, session, cancel)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case event, ok := <-session.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("websocket write failed", zap.String("user_id", session.UserID()), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readCommands applies client commands until the connection fails, then cancels
// the write loop.
func (h *httpHandler) readCommands(conn *websocket.Conn, session *fanout.Session, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxCommandBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var command clientCommand
		if err := conn.ReadJSON(&command); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Info("websocket closed unexpectedly", zap.String("user_id", session.UserID()), zap.Error(err))
			}
			return
		}
		switch command.Type {
		case commandSelect:
			if err := session.Select(strings.TrimSpace(command.ContactID)); err != nil {
				h.logger.Debug("selection rejected", zap.String("user_id", session.UserID()), zap.String("contact_id", command.ContactID), zap.Error(err))
			}
		default:
			h.logger.Debug("unknown websocket command", zap.String("user_id", session.UserID()), zap.String("type", command.Type))
		}
	}
}
