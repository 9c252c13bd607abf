// Package wsclient implements the pipeline debug WebSocket client.
//
// A Client owns one logical connection per (pipeline, session type) pair.
// It reconnects with linear backoff after unexpected closes, sends an
// application-level ping on a fixed interval, and forces a reconnect when no
// pong arrives within the liveness deadline. Events are delivered to any
// number of listeners on the read goroutine, in frame arrival order.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/protocol"
)

// Config holds the client settings.
type Config struct {
	BaseURL     string // http(s) or ws(s) URL of the platform
	PipelineID  string
	SessionType domain.SessionType
	Token       string

	ReconnectDelay       time.Duration // delay unit; attempt k waits k*ReconnectDelay
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration // 0 disables the liveness deadline
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PongTimeout < 0 {
		cfg.PongTimeout = 0
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// DefaultConfig returns the stock reconnect and heartbeat settings.
func DefaultConfig(baseURL, pipelineID string, sessionType domain.SessionType) Config {
	return Config{
		BaseURL:              baseURL,
		PipelineID:           pipelineID,
		SessionType:          sessionType,
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          60 * time.Second,
	}
}

// Endpoint returns the WebSocket URL of a pipeline debug session.
func Endpoint(baseURL, pipelineID string, sessionType domain.SessionType) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u = u.JoinPath("api/v1/pipelines", pipelineID, "ws/connect")
	u.RawQuery = url.Values{"session_type": {string(sessionType)}}.Encode()
	return u.String(), nil
}

type stopper interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

type connectResult struct {
	id  string
	err error
}

// Client is a pipeline debug WebSocket client.
type Client struct {
	cfg    Config
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	afterFunc func(time.Duration, func()) stopper
	now       func() time.Time

	mu                sync.Mutex
	state             domain.ConnState
	conn              *websocket.Conn
	epoch             uint64
	connectionID      string
	reconnectAttempts int
	reconnectTimer    stopper
	heartbeatStop     chan struct{}
	lastPong          time.Time
	waiter            chan connectResult

	writeMu sync.Mutex

	connected listeners[string]
	messages  listeners[protocol.Message]
	errs      listeners[error]
	closes    listeners[CloseEvent]
	broadcast listeners[string]
}

// New creates a client. It does not connect.
func New(cfg Config) (*Client, error) {
	if cfg.PipelineID == "" {
		return nil, fmt.Errorf("pipeline id is required")
	}
	if !cfg.SessionType.Valid() {
		return nil, fmt.Errorf("invalid session type %q", cfg.SessionType)
	}
	cfg = cfg.withDefaults()

	endpoint, err := Endpoint(cfg.BaseURL, cfg.PipelineID, cfg.SessionType)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	return &Client{
		cfg:    cfg,
		url:    endpoint,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:    cfg.Logger.With("pipeline_id", cfg.PipelineID, "session_type", string(cfg.SessionType)),
		afterFunc: realAfterFunc,
		now:       time.Now,
		state:     domain.ConnStateIdle,
	}, nil
}

// URL returns the endpoint the client dials.
func (c *Client) URL() string {
	return c.url
}

// Connect opens the connection and waits for the server's connected frame,
// returning the connection id it carries. It fails with ErrAlreadyConnected
// while another attempt is in flight or the socket is open.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state == domain.ConnStateConnecting || c.state == domain.ConnStateOpen {
		c.mu.Unlock()
		return "", ErrAlreadyConnected
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = domain.ConnStateConnecting
	epoch := c.epoch
	waiter := make(chan connectResult, 1)
	c.waiter = waiter
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("dial %s: %w", c.url, err)
		c.errs.emit(err)
		c.handleClosed(nil, epoch, err)
		return "", err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		conn.Close()
		return "", ErrDisconnected
	}
	c.conn = conn
	c.state = domain.ConnStateOpen
	c.reconnectAttempts = 0
	c.lastPong = c.now()
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.logger.Info("websocket opened", "url", c.url)

	go c.readLoop(conn, epoch)
	go c.heartbeat(conn, stop)

	select {
	case res := <-waiter:
		return res.id, res.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiter == waiter {
			c.waiter = nil
		}
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

// SendMessage sends a message chain. It fails with ErrNotConnected, without
// touching the socket, unless the connection is open. Nothing is queued.
func (c *Client) SendMessage(chain protocol.MessageChain) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == domain.ConnStateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	if err := c.writeFrame(conn, protocol.NewMessageFrame(chain)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Disconnect closes the connection and disables automatic reconnects until
// the next successful Connect. Pending reconnect timers and the heartbeat are
// cancelled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnectAttempts = c.cfg.MaxReconnectAttempts
	c.epoch++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	c.conn = nil
	waiter := c.waiter
	c.waiter = nil
	c.connectionID = ""
	if conn != nil {
		c.state = domain.ConnStateClosing
	} else {
		c.state = domain.ConnStateClosed
	}
	c.mu.Unlock()

	if waiter != nil {
		waiter <- connectResult{err: ErrDisconnected}
	}
	if conn == nil {
		return
	}

	if err := c.writeFrame(conn, protocol.ClientFrame{Type: protocol.TypeDisconnect}); err != nil {
		c.logger.Debug("disconnect frame not delivered", "error", err)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()

	c.mu.Lock()
	if c.state == domain.ConnStateClosing {
		c.state = domain.ConnStateClosed
	}
	c.mu.Unlock()

	c.logger.Info("websocket disconnected")
	c.closes.emit(CloseEvent{Code: websocket.CloseNormalClosure, Reason: "client disconnect"})
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == domain.ConnStateOpen
}

// State returns the connection state.
func (c *Client) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id assigned by the server, or "" before the
// connected frame arrives and after Disconnect.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// ReconnectAttempts returns the number of automatic reconnects scheduled
// since the last successful open.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// OnConnected registers a listener for the server's connected frame.
func (c *Client) OnConnected(fn func(connectionID string)) (unsubscribe func()) {
	return c.connected.add(fn)
}

// OnMessage registers a listener for response and user_message frames.
func (c *Client) OnMessage(fn func(protocol.Message)) (unsubscribe func()) {
	return c.messages.add(fn)
}

// OnError registers a listener for dial failures, malformed frames
// (*FrameError) and server error frames (*ServerError).
func (c *Client) OnError(fn func(error)) (unsubscribe func()) {
	return c.errs.add(fn)
}

// OnClose registers a listener for connection closes.
func (c *Client) OnClose(fn func(CloseEvent)) (unsubscribe func()) {
	return c.closes.add(fn)
}

// OnBroadcast registers a listener for broadcast frames.
func (c *Client) OnBroadcast(fn func(message string)) (unsubscribe func()) {
	return c.broadcast.add(fn)
}

// handleClosed runs once per connection attempt when the socket ends
// without Disconnect, and schedules the next reconnect if any remain.
// conn is nil when the dial itself failed.
func (c *Client) handleClosed(conn *websocket.Conn, epoch uint64, cause error) {
	c.mu.Lock()
	if c.epoch != epoch || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.conn = nil
	c.state = domain.ConnStateClosed
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	waiter := c.waiter
	c.waiter = nil

	evt := closeEventFrom(cause)
	var delay time.Duration
	if c.reconnectAttempts < c.cfg.MaxReconnectAttempts {
		c.reconnectAttempts++
		delay = c.cfg.ReconnectDelay * time.Duration(c.reconnectAttempts)
		next := c.epoch
		c.reconnectTimer = c.afterFunc(delay, func() { c.reconnect(next) })
		evt.WillReconnect = true
	}
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	if waiter != nil {
		waiter <- connectResult{err: fmt.Errorf("%w: %v", ErrClosedBeforeReady, cause)}
	}

	if evt.WillReconnect {
		c.logger.Warn("websocket closed, reconnect scheduled", "error", cause, "attempt", attempt, "delay", delay)
	} else {
		c.logger.Warn("websocket closed, giving up", "error", cause, "attempts", attempt)
	}
	c.closes.emit(evt)
}

func (c *Client) reconnect(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()

	if _, err := c.Connect(ctx); err != nil {
		c.logger.Debug("reconnect attempt failed", "error", err)
	}
}

func (c *Client) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, epoch, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var frame protocol.ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.errs.emit(&FrameError{Err: err})
		return
	}

	switch frame.Type {
	case protocol.TypeConnected:
		c.mu.Lock()
		c.connectionID = frame.ConnectionID
		waiter := c.waiter
		c.waiter = nil
		c.mu.Unlock()

		c.logger.Info("websocket session ready", "connection_id", frame.ConnectionID)
		c.connected.emit(frame.ConnectionID)
		if waiter != nil {
			waiter <- connectResult{id: frame.ConnectionID}
		}

	case protocol.TypeResponse, protocol.TypeUserMessage:
		var msg protocol.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			c.errs.emit(&FrameError{Type: frame.Type, Err: err})
			return
		}
		c.messages.emit(msg)

	case protocol.TypePong:
		c.mu.Lock()
		c.lastPong = c.now()
		c.mu.Unlock()

	case protocol.TypeBroadcast:
		c.broadcast.emit(frame.Message)

	case protocol.TypeError:
		c.errs.emit(&ServerError{Message: frame.Message})

	default:
		c.logger.Debug("ignoring unknown frame", "type", frame.Type)
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastPong
			c.mu.Unlock()

			if c.cfg.PongTimeout > 0 && c.now().Sub(last) >= c.cfg.PongTimeout {
				c.logger.Warn("no pong within deadline, forcing reconnect", "last_pong", last, "deadline", c.cfg.PongTimeout)
				conn.Close()
				return
			}
			if err := c.writeFrame(conn, protocol.ClientFrame{Type: protocol.TypePing}); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame protocol.ClientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(frame)
}
