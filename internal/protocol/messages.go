// Package protocol defines the pipeline debug WebSocket frame protocol.
package protocol

import (
	"encoding/json"

	"github.com/xiaot623/botconsole/internal/domain"
)

// Frame types from client to server
const (
	TypeMessage    = "message"
	TypePing       = "ping"
	TypeDisconnect = "disconnect"
)

// Frame types from server to client
const (
	TypeConnected   = "connected"
	TypeResponse    = "response"
	TypeUserMessage = "user_message"
	TypePong        = "pong"
	TypeBroadcast   = "broadcast"
	TypeError       = "error"
)

// ClientFrame is any frame sent by the console.
type ClientFrame struct {
	Type    string       `json:"type"`
	Message MessageChain `json:"message,omitempty"`
}

// ServerFrame is any frame sent by the server. Fields are populated
// depending on Type.
type ServerFrame struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

// Message is one entry of a pipeline debug transcript.
// It is never mutated after it is received.
type Message struct {
	ID           int64        `json:"id"`
	Role         domain.Role  `json:"role"`
	Content      string       `json:"content"`
	MessageChain MessageChain `json:"message_chain"`
	Timestamp    string       `json:"timestamp"`
	IsFinal      *bool        `json:"is_final,omitempty"`
	ConnectionID string       `json:"connection_id,omitempty"`
}

// Final reports whether the message is the last chunk of a response.
// Messages without the flag are complete.
func (m Message) Final() bool {
	return m.IsFinal == nil || *m.IsFinal
}

// NewMessageFrame wraps a chain in a client message frame.
func NewMessageFrame(chain MessageChain) ClientFrame {
	return ClientFrame{Type: TypeMessage, Message: chain}
}

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return &b
}
