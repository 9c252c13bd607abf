package hub

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/botconsole/internal/domain"
)

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func receive(t *testing.T, c *Connection) string {
	t.Helper()
	select {
	case data := <-c.Send:
		return string(data)
	case <-time.After(time.Second):
		t.Fatalf("connection %s received nothing", c.ID)
		return ""
	}
}

func assertNothing(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("connection %s got unexpected frame %s", c.ID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastBySessionAndPipeline(t *testing.T) {
	h := newRunningHub(t)

	person := SessionKey{PipelineID: "p1", SessionType: domain.SessionTypePerson}
	group := SessionKey{PipelineID: "p1", SessionType: domain.SessionTypeGroup}
	other := SessionKey{PipelineID: "p2", SessionType: domain.SessionTypePerson}

	a := h.NewConnection(nil, person)
	b := h.NewConnection(nil, person)
	c := h.NewConnection(nil, group)
	d := h.NewConnection(nil, other)
	for _, conn := range []*Connection{a, b, c, d} {
		h.Register(conn)
	}
	require.Eventually(t, func() bool { return h.GetConnectionCount() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.GetSessionCount())
	assert.NotEqual(t, a.ID, b.ID)

	require.NoError(t, h.BroadcastJSON(person, map[string]string{"type": "response"}))
	assert.JSONEq(t, `{"type":"response"}`, receive(t, a))
	assert.JSONEq(t, `{"type":"response"}`, receive(t, b))
	assertNothing(t, c)
	assertNothing(t, d)

	require.NoError(t, h.BroadcastPipelineJSON("p1", map[string]string{"type": "broadcast"}))
	for _, conn := range []*Connection{a, b, c} {
		assert.JSONEq(t, `{"type":"broadcast"}`, receive(t, conn))
	}
	assertNothing(t, d)
	assert.True(t, h.HasPipelineConnections("p1"))
	assert.False(t, h.HasPipelineConnections("p3"))
}

func TestUnregisterClosesSend(t *testing.T) {
	h := newRunningHub(t)

	key := SessionKey{PipelineID: "p1", SessionType: domain.SessionTypePerson}
	conn := h.NewConnection(nil, key)
	h.Register(conn)
	h.Unregister(conn)
	// a second unregister is ignored
	h.Unregister(conn)

	require.Eventually(t, func() bool { return h.GetConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-conn.Send
	assert.False(t, ok)
	assert.Zero(t, h.GetSessionCount())
	assert.False(t, h.HasPipelineConnections("p1"))
}

func TestSendJSONToConnectionBufferFull(t *testing.T) {
	h := NewHub(nil)
	conn := h.NewConnection(nil, SessionKey{PipelineID: "p1", SessionType: domain.SessionTypePerson})

	for i := 0; i < cap(conn.Send); i++ {
		require.NoError(t, h.SendJSONToConnection(conn, i))
	}
	assert.ErrorIs(t, h.SendJSONToConnection(conn, "overflow"), ErrBufferFull)
}

func TestSendAfterUnregisterFails(t *testing.T) {
	h := newRunningHub(t)

	conn := h.NewConnection(nil, SessionKey{PipelineID: "p1", SessionType: domain.SessionTypePerson})
	h.Register(conn)
	require.NoError(t, h.SendJSONToConnection(conn, "hello"))
	assert.Equal(t, `"hello"`, receive(t, conn))

	h.Unregister(conn)
	require.Eventually(t, func() bool { return h.GetConnectionCount() == 0 }, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, h.SendJSONToConnection(conn, "late pong"), ErrConnectionClosed)
	})
}

func TestStoppedHubDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	conn := h.NewConnection(nil, SessionKey{PipelineID: "p1", SessionType: domain.SessionTypeGroup})
	h.Register(conn)
	h.Unregister(conn)
	assert.NoError(t, h.BroadcastPipelineJSON("p1", "late"))
}
