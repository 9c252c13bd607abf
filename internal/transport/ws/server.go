// Package ws serves the pipeline debug WebSocket of the development backend.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botconsole/internal/config"
	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/hub"
	"github.com/xiaot623/botconsole/internal/protocol"
	"github.com/xiaot623/botconsole/internal/service"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.BackendConfig
	hub      *hub.Hub
	service  *service.Service
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     svc.Config(),
		hub:     svc.Hub(),
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The console runs from any origin in development
				return true
			},
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades a debug session connection.
// GET /api/v1/pipelines/:pipeline_id/ws/connect?session_type=person|group
func (s *Server) HandleWebSocket(c echo.Context) error {
	pipelineID := c.Param("pipeline_id")
	sessionType := domain.SessionType(c.QueryParam("session_type"))
	if sessionType == "" {
		sessionType = domain.SessionTypePerson
	}
	if !sessionType.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"code": -1, "msg": "invalid session_type"})
	}
	if !s.service.PipelineExists(pipelineID) {
		return c.JSON(http.StatusNotFound, map[string]interface{}{"code": -1, "msg": "pipeline not found"})
	}
	if _, ok := s.service.CheckToken(bearerToken(c.Request())); !ok {
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{"code": -1, "msg": "invalid token"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws, hub.SessionKey{PipelineID: pipelineID, SessionType: sessionType})
	s.hub.Register(conn)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	greeting := protocol.ServerFrame{Type: protocol.TypeConnected, ConnectionID: conn.ID, Timestamp: time.Now().UnixMilli()}
	if err := s.hub.SendJSONToConnection(conn, greeting); err != nil {
		s.logger.Warn("failed to greet connection", "connection_id", conn.ID, "error", err)
	}

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// readPump reads frames from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket error", "connection_id", conn.ID, "error", err)
			}
			return
		}
		// Any client frame proves liveness.
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		if !s.handleMessage(conn, message) {
			return
		}
	}
}

// writePump writes queued frames and WebSocket pings to the connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("failed to write frame", "connection_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one client frame. It returns false when the
// connection should close.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) bool {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError(conn, "invalid JSON message")
		return true
	}

	switch frame.Type {
	case protocol.TypeMessage:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.service.HandleUserMessage(ctx, conn.Session, conn.ID, frame.Message); err != nil {
			if errors.Is(err, service.ErrEmptyMessage) {
				s.sendError(conn, "message is empty")
			} else {
				s.logger.Error("failed to handle message", "connection_id", conn.ID, "error", err)
				s.sendError(conn, "failed to handle message")
			}
		}
	case protocol.TypePing:
		s.hub.SendJSONToConnection(conn, protocol.ServerFrame{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
	case protocol.TypeDisconnect:
		s.logger.Info("client requested disconnect", "connection_id", conn.ID)
		return false
	default:
		s.sendError(conn, "unknown message type: "+frame.Type)
	}
	return true
}

// sendError sends an error frame to a connection. The connection stays open.
func (s *Server) sendError(conn *hub.Connection, message string) {
	errFrame := protocol.ServerFrame{
		Type:      protocol.TypeError,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	s.hub.SendJSONToConnection(conn, errFrame)
}
