package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/object-tracker/server/session"
	"github.com/san-kum/object-tracker/server/tracker"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocketHandler accepts live frames and pushes tracker events to the
// client.
type WebSocketHandler struct {
	session  *session.Session
	stream   *StreamHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type ClientMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func NewWebSocketHandler(stream *StreamHandler, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		session: stream.session,
		stream:  stream,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowedOrigins) == 0 ||
					contains(allowedOrigins, "*") || contains(allowedOrigins, origin)
			},
		},
	}
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(websocket.PingMessage, nil)
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()

	clientIP := c.ClientIP()
	h.logger.Info("WebSocket client connected", zap.String("client_ip", clientIP))
	h.stream.stats.clientConnected(1)
	defer h.stream.stats.clientConnected(-1)

	conn.SetReadLimit(10 * 1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	events, unsubscribe := h.session.Tracker().Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go h.writePump(conn, events, done)

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			h.logger.Info("WebSocket client disconnected", zap.String("client_ip", clientIP))
			return
		}
		h.handleMessage(conn, &message)
	}
}

// writePump forwards tracker events and keeps the connection alive.
func (h *WebSocketHandler) writePump(conn *wsConn, events <-chan tracker.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.writeJSON(ServerMessage{Type: string(ev.Type), Data: ev}); err != nil {
				h.logger.Debug("Failed to push tracker event", zap.Error(err))
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) handleMessage(conn *wsConn, message *ClientMessage) {
	switch message.Type {
	case "frame":
		h.processVideoFrame(conn, message)
	case "start":
		id, err := h.session.StartStream()
		if err != nil {
			h.sendError(conn, err.Error())
			return
		}
		h.sendMessage(conn, "started", map[string]any{"run_id": id})
	case "stop":
		st, err := h.session.Stop()
		if err != nil {
			h.sendError(conn, err.Error())
			return
		}
		h.sendMessage(conn, "stopped", st)
	case "status":
		h.sendMessage(conn, "status", h.session.Status())
	case "ping":
		h.sendMessage(conn, "pong", map[string]any{"timestamp": time.Now().Unix()})
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(conn, "Unknown message type: "+message.Type)
	}
}

func (h *WebSocketHandler) processVideoFrame(conn *wsConn, message *ClientMessage) {
	frame, err := h.stream.decodeFrame(message.Data)
	if err != nil {
		h.logger.Debug("Failed to decode frame", zap.Error(err))
		h.stream.stats.recordError()
		h.sendError(conn, "invalid image data format")
		return
	}

	accepted, err := h.session.SubmitFrame(frame)
	if err != nil {
		h.stream.stats.recordError()
		h.sendError(conn, err.Error())
		return
	}
	h.stream.stats.recordSubmit(accepted)

	h.sendMessage(conn, "frame_ack", map[string]any{
		"accepted":  accepted,
		"timestamp": message.Timestamp,
	})
}

func (h *WebSocketHandler) sendMessage(conn *wsConn, messageType string, data any) {
	if err := conn.writeJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		h.logger.Error("Failed to send WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(conn *wsConn, errorMsg string) {
	h.sendMessage(conn, "error", map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().Unix(),
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
