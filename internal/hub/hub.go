// Package hub tracks the development backend's debug WebSocket connections
// and fans frames out to them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/botconsole/internal/domain"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// ErrConnectionClosed is returned when sending to an unregistered connection.
var ErrConnectionClosed = errors.New("connection closed")

// SessionKey identifies a debug session: one pipeline in one session type.
type SessionKey struct {
	PipelineID  string
	SessionType domain.SessionType
}

func (k SessionKey) String() string {
	return k.PipelineID + "/" + string(k.SessionType)
}

// Connection represents a single WebSocket connection.
type Connection struct {
	ID      string
	Session SessionKey
	Conn    *websocket.Conn
	Send    chan []byte
	mu      sync.Mutex

	// sendMu guards closed and the close of Send.
	sendMu sync.Mutex
	closed bool
}

// Hub manages all debug WebSocket connections.
type Hub struct {
	logger *slog.Logger

	// Connections indexed by connection ID
	connections map[string]*Connection

	// Session and pipeline membership
	sessions  map[SessionKey]map[string]bool
	pipelines map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *outbound
	done       chan struct{}

	mu sync.RWMutex
}

// outbound is a frame addressed to a session, or to every session of a
// pipeline when session type is empty.
type outbound struct {
	target SessionKey
	data   []byte
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger,
		connections: make(map[string]*Connection),
		sessions:    make(map[SessionKey]map[string]bool),
		pipelines:   make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *outbound, 256),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			addMember(h.sessions, conn.Session, conn.ID)
			addMember(h.pipelines, conn.Session.PipelineID, conn.ID)
			h.mu.Unlock()
			h.logger.Info("connection registered", "connection_id", conn.ID, "session", conn.Session.String())

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				removeMember(h.sessions, conn.Session, conn.ID)
				removeMember(h.pipelines, conn.Session.PipelineID, conn.ID)
				conn.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("connection unregistered", "connection_id", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var members map[string]bool
			if msg.target.SessionType == "" {
				members = h.pipelines[msg.target.PipelineID]
			} else {
				members = h.sessions[msg.target]
			}
			for connID := range members {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.data:
				default:
					h.logger.Warn("connection buffer full, closing", "connection_id", connID)
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func addMember[K comparable](index map[K]map[string]bool, key K, connID string) {
	if index[key] == nil {
		index[key] = make(map[string]bool)
	}
	index[key][connID] = true
}

func removeMember[K comparable](index map[K]map[string]bool, key K, connID string) {
	if index[key] == nil {
		return
	}
	delete(index[key], connID)
	if len(index[key]) == 0 {
		delete(index, key)
	}
}

// NewConnection creates a connection for a session. It is not registered.
func (h *Hub) NewConnection(ws *websocket.Conn, session SessionKey) *Connection {
	return &Connection{
		ID:      uuid.New().String(),
		Session: session,
		Conn:    ws,
		Send:    make(chan []byte, 256),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// BroadcastJSON sends v to every connection of a session.
func (h *Hub) BroadcastJSON(session SessionKey, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- &outbound{target: session, data: data}:
	case <-h.done:
	}
	return nil
}

// BroadcastPipelineJSON sends v to every connection of a pipeline, in any
// session type.
func (h *Hub) BroadcastPipelineJSON(pipelineID string, v interface{}) error {
	return h.BroadcastJSON(SessionKey{PipelineID: pipelineID}, v)
}

// SendJSONToConnection sends v to a single connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	if conn.closed {
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetSessionCount returns the number of active sessions.
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HasPipelineConnections reports whether any connection is open on a pipeline.
func (h *Hub) HasPipelineConnections(pipelineID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pipelines[pipelineID]) > 0
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
