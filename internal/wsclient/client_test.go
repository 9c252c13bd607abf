package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/protocol"
)

// serverConn is the server side of one accepted socket.
type serverConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sc *serverConn) send(v any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteJSON(v)
}

func (sc *serverConn) sendRaw(data string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

type testServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	reject        atomic.Bool
	skipConnected atomic.Bool
	noPong        atomic.Bool

	mu      sync.Mutex
	conns   []*serverConn
	auth    []string
	queries []string

	frames chan protocol.ClientFrame
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{frames: make(chan protocol.ClientFrame, 64)}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	if ts.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn}

	ts.mu.Lock()
	ts.conns = append(ts.conns, sc)
	n := len(ts.conns)
	ts.auth = append(ts.auth, r.Header.Get("Authorization"))
	ts.queries = append(ts.queries, r.URL.RawQuery)
	ts.mu.Unlock()

	if !ts.skipConnected.Load() {
		sc.send(protocol.ServerFrame{Type: protocol.TypeConnected, ConnectionID: fmt.Sprintf("conn-%d", n)})
	}

	for {
		var frame protocol.ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		select {
		case ts.frames <- frame:
		default:
		}
		if frame.Type == protocol.TypePing && !ts.noPong.Load() {
			sc.send(protocol.ServerFrame{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
		}
	}
}

func (ts *testServer) conn(i int) *serverConn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conns[i]
}

func (ts *testServer) connCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

// waitFrame returns the next client frame of the given type.
func (ts *testServer) waitFrame(t *testing.T, typ string) protocol.ClientFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-ts.frames:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", typ)
		}
	}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (ft *fakeTimer) Stop() bool {
	return !ft.stopped.Swap(true)
}

// fakeTimers records scheduled reconnects and fires them on demand.
type fakeTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) stopper {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTimer{d: d, f: fn}
	f.delays = append(f.delays, d)
	f.pending = append(f.pending, ft)
	return ft
}

func (f *fakeTimers) Delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

func (f *fakeTimers) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// fireNext runs the oldest pending timer on the calling goroutine.
func (f *fakeTimers) fireNext(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		t.Fatal("no pending timer")
	}
	ft := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()

	if !ft.stopped.Load() {
		ft.f()
	}
}

func newTestClient(t *testing.T, ts *testServer, mutate func(*Config)) (*Client, *fakeTimers) {
	t.Helper()
	cfg := DefaultConfig(ts.URL, "pipe-1", domain.SessionTypePerson)
	cfg.Token = "tok"
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)

	timers := &fakeTimers{}
	c.afterFunc = timers.AfterFunc
	t.Cleanup(c.Disconnect)
	return c, timers
}

func connect(t *testing.T, c *Client) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := c.Connect(ctx)
	require.NoError(t, err)
	return id
}

func TestConnectResolvesWithConnectionID(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestClient(t, ts, nil)

	assert.Equal(t, domain.ConnStateIdle, c.State())

	var announced atomic.Value
	c.OnConnected(func(id string) { announced.Store(id) })

	id := connect(t, c)
	assert.Equal(t, "conn-1", id)
	assert.Equal(t, "conn-1", c.ConnectionID())
	assert.Equal(t, "conn-1", announced.Load())
	assert.True(t, c.IsConnected())
	assert.Equal(t, domain.ConnStateOpen, c.State())

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, "Bearer tok", ts.auth[0])
	assert.Equal(t, "session_type=person", ts.queries[0])
}

func TestConnectTwiceFails(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestClient(t, ts, nil)
	connect(t, c)

	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, ts.connCount())
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	ts := newTestServer(t)
	ts.skipConnected.Store(true)
	c, _ := newTestClient(t, ts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const callers = 10
	errCh := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			_, err := c.Connect(ctx)
			errCh <- err
		}()
	}
	start.Done()

	// One attempt stays in flight waiting for the connected frame; the rest
	// are turned away without dialing.
	for i := 0; i < callers-1; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrAlreadyConnected)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d callers returned", i, callers-1)
		}
	}
	require.Eventually(t, func() bool {
		return ts.connCount() == 1 && c.State() == domain.ConnStateOpen
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrAlreadyConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight connect did not return")
	}
	assert.Equal(t, 1, ts.connCount())
}

func TestConnectClosedBeforeReady(t *testing.T) {
	ts := newTestServer(t)
	ts.skipConnected.Store(true)
	c, timers := newTestClient(t, ts, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return ts.connCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	ts.conn(0).conn.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosedBeforeReady)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, []time.Duration{3 * time.Second}, timers.Delays())
}

func TestSendMessageRequiresOpenSocket(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestClient(t, ts, nil)

	err := c.SendMessage(protocol.Plain("hi"))
	assert.ErrorIs(t, err, ErrNotConnected)

	connect(t, c)
	require.NoError(t, c.SendMessage(protocol.Plain("hello")))

	frame := ts.waitFrame(t, protocol.TypeMessage)
	assert.Equal(t, "hello", frame.Message.Text())

	c.Disconnect()
	assert.ErrorIs(t, c.SendMessage(protocol.Plain("late")), ErrNotConnected)
}

func TestDispatchDeliversEventsInOrder(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestClient(t, ts, nil)

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	c.OnMessage(func(m protocol.Message) { record(string(m.Role) + ":" + m.Content) })
	c.OnBroadcast(func(msg string) { record("broadcast:" + msg) })
	c.OnError(func(err error) {
		var se *ServerError
		var fe *FrameError
		switch {
		case errors.As(err, &se):
			record("server-error:" + se.Message)
		case errors.As(err, &fe):
			record("frame-error:" + fe.Type)
		}
	})
	connect(t, c)

	msg := func(role domain.Role, content string) json.RawMessage {
		data, _ := json.Marshal(protocol.Message{ID: 1, Role: role, Content: content})
		return data
	}

	sc := ts.conn(0)
	require.NoError(t, sc.send(protocol.ServerFrame{Type: protocol.TypeUserMessage, Data: msg(domain.RoleUser, "hi")}))
	require.NoError(t, sc.send(protocol.ServerFrame{Type: protocol.TypeResponse, Data: msg(domain.RoleAssistant, "hello")}))
	require.NoError(t, sc.send(protocol.ServerFrame{Type: protocol.TypeBroadcast, Message: "maintenance"}))
	require.NoError(t, sc.sendRaw(`{"type":"mystery"}`))
	require.NoError(t, sc.sendRaw(`not json`))
	require.NoError(t, sc.sendRaw(`{"type":"response","data":"oops"}`))
	require.NoError(t, sc.send(protocol.ServerFrame{Type: protocol.TypeError, Message: "rate limited"}))

	want := []string{
		"user:hi",
		"assistant:hello",
		"broadcast:maintenance",
		"frame-error:",
		"frame-error:response",
		"server-error:rate limited",
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == len(want)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, want, events)
	mu.Unlock()

	// error frames do not close the connection
	assert.True(t, c.IsConnected())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestClient(t, ts, nil)

	var first, second atomic.Int32
	unsubscribe := c.OnBroadcast(func(string) { first.Add(1) })
	c.OnBroadcast(func(string) { second.Add(1) })
	connect(t, c)

	sc := ts.conn(0)
	require.NoError(t, sc.send(protocol.ServerFrame{Type: protocol.TypeBroadcast, Message: "a"}))
	require.Eventually(t, func() bool { return second.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	unsubscribe()
	unsubscribe()
	require.NoError(t, sc.send(protocol.ServerFrame{Type: protocol.TypeBroadcast, Message: "b"}))
	require.Eventually(t, func() bool { return second.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), first.Load())
}

func TestReconnectBackoffIsLinearAndBounded(t *testing.T) {
	ts := newTestServer(t)
	c, timers := newTestClient(t, ts, nil)

	var mu sync.Mutex
	var closes []CloseEvent
	c.OnClose(func(evt CloseEvent) {
		mu.Lock()
		closes = append(closes, evt)
		mu.Unlock()
	})

	connect(t, c)
	ts.reject.Store(true)
	ts.conn(0).conn.Close()

	require.Eventually(t, func() bool { return timers.pendingCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.ReconnectAttempts())

	for i := 0; i < 4; i++ {
		timers.fireNext(t)
	}
	// the fifth attempt fails and nothing further is scheduled
	timers.fireNext(t)

	assert.Equal(t, []time.Duration{
		3 * time.Second,
		6 * time.Second,
		9 * time.Second,
		12 * time.Second,
		15 * time.Second,
	}, timers.Delays())
	assert.Zero(t, timers.pendingCount())
	assert.Equal(t, 5, c.ReconnectAttempts())
	assert.Equal(t, domain.ConnStateClosed, c.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closes, 6)
	for _, evt := range closes[:5] {
		assert.True(t, evt.WillReconnect)
	}
	assert.False(t, closes[5].WillReconnect)
}

func TestSuccessfulReconnectResetsAttempts(t *testing.T) {
	ts := newTestServer(t)
	c, timers := newTestClient(t, ts, nil)
	connect(t, c)

	ts.conn(0).conn.Close()
	require.Eventually(t, func() bool { return timers.pendingCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	timers.fireNext(t)

	assert.True(t, c.IsConnected())
	assert.Equal(t, "conn-2", c.ConnectionID())
	assert.Zero(t, c.ReconnectAttempts())

	// a later drop starts again from the first delay
	ts.conn(1).conn.Close()
	require.Eventually(t, func() bool { return timers.pendingCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, timers.Delays())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	ts := newTestServer(t)
	c, timers := newTestClient(t, ts, nil)
	connect(t, c)

	ts.conn(0).conn.Close()
	require.Eventually(t, func() bool { return timers.pendingCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Disconnect()
	timers.fireNext(t)

	assert.Equal(t, 1, ts.connCount())
	assert.Equal(t, domain.ConnStateClosed, c.State())
	assert.Empty(t, c.ConnectionID())
}

func TestDisconnectClosesCleanly(t *testing.T) {
	ts := newTestServer(t)
	c, timers := newTestClient(t, ts, nil)

	closed := make(chan CloseEvent, 4)
	c.OnClose(func(evt CloseEvent) { closed <- evt })
	connect(t, c)

	c.Disconnect()
	ts.waitFrame(t, protocol.TypeDisconnect)

	select {
	case evt := <-closed:
		assert.Equal(t, websocket.CloseNormalClosure, evt.Code)
		assert.False(t, evt.WillReconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("no close event")
	}

	// the read loop exit after a client disconnect must not schedule a reconnect
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, timers.pendingCount())
	assert.Len(t, closed, 0)

	// a manual connect afterwards works and re-arms reconnects
	connect(t, c)
	assert.Zero(t, c.ReconnectAttempts())
}

func TestHeartbeatSendsPing(t *testing.T) {
	ts := newTestServer(t)
	c, _ := newTestClient(t, ts, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	connect(t, c)

	ts.waitFrame(t, protocol.TypePing)
	ts.waitFrame(t, protocol.TypePing)
	assert.True(t, c.IsConnected())
}

func TestMissingPongForcesReconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.noPong.Store(true)
	c, timers := newTestClient(t, ts, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.PongTimeout = 50 * time.Millisecond
	})

	closed := make(chan CloseEvent, 1)
	c.OnClose(func(evt CloseEvent) { closed <- evt })
	connect(t, c)

	select {
	case evt := <-closed:
		assert.True(t, evt.WillReconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("stale connection was not closed")
	}
	assert.Equal(t, []time.Duration{3 * time.Second}, timers.Delays())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{BaseURL: "http://localhost", SessionType: domain.SessionTypePerson})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://localhost", PipelineID: "p", SessionType: "channel"})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "ftp://localhost", PipelineID: "p", SessionType: domain.SessionTypeGroup})
	assert.Error(t, err)
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		st      domain.SessionType
		want    string
		wantErr bool
	}{
		{"http", "http://localhost:5300", domain.SessionTypePerson, "ws://localhost:5300/api/v1/pipelines/p1/ws/connect?session_type=person", false},
		{"https with prefix", "https://example.com/console/", domain.SessionTypeGroup, "wss://example.com/console/api/v1/pipelines/p1/ws/connect?session_type=group", false},
		{"ws passthrough", "ws://10.0.0.1", domain.SessionTypePerson, "ws://10.0.0.1/api/v1/pipelines/p1/ws/connect?session_type=person", false},
		{"bad scheme", "ftp://example.com", domain.SessionTypePerson, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Endpoint(tt.base, "p1", tt.st)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
