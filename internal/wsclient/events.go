package wsclient

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	// ErrAlreadyConnected is returned by Connect while an attempt is in flight or the socket is open.
	ErrAlreadyConnected = errors.New("websocket already connecting or open")
	// ErrNotConnected is returned by SendMessage when the socket is not open.
	ErrNotConnected = errors.New("websocket is not open")
	// ErrDisconnected is returned to a pending Connect when Disconnect is called.
	ErrDisconnected = errors.New("websocket disconnected by client")
	// ErrClosedBeforeReady is returned when the socket closes before the server sends its connected frame.
	ErrClosedBeforeReady = errors.New("websocket closed before connected frame")
)

// ServerError is an error frame pushed by the server. It does not close the connection.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// FrameError reports a frame that could not be decoded. It does not close the connection.
type FrameError struct {
	Type string // empty when the frame itself was not valid JSON
	Err  error
}

func (e *FrameError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("malformed frame: %v", e.Err)
	}
	return fmt.Sprintf("malformed %s frame: %v", e.Type, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// CloseEvent describes why a connection ended.
type CloseEvent struct {
	Code          int
	Reason        string
	Err           error
	WillReconnect bool
}

func closeEventFrom(err error) CloseEvent {
	evt := CloseEvent{Code: websocket.CloseAbnormalClosure, Err: err}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		evt.Code = ce.Code
		evt.Reason = ce.Text
	}
	return evt
}

// listeners is a set of callbacks for one event kind. Callbacks run in
// registration order.
type listeners[T any] struct {
	mu      sync.RWMutex
	nextID  int
	entries []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listener[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
