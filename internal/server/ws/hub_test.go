package ws

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/coedit/internal/server/document"
	"github.com/avolkov/coedit/internal/server/presence"
	"github.com/avolkov/coedit/internal/server/storage/sqlite"
	"github.com/avolkov/coedit/pkg/api"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()

	st, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.DiscardHandler)
	registry := document.NewRegistry(st, st, logger)
	pm := presence.NewManager(presence.DefaultConfig(), logger)
	return NewHub(registry, pm, logger)
}

// newTestConn возвращает серверную сторону настоящего websocket-соединения.
func newTestConn(t *testing.T) *websocket.Conn {
	t.Helper()

	up := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	dialed, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = dialed.Close() })

	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("websocket upgrade timed out")
		return nil
	}
}

func newTestClient(t *testing.T, hub *Hub, socketID, userID string, buffer int) *Client {
	t.Helper()
	return &Client{
		hub:      hub,
		logger:   slog.New(slog.DiscardHandler),
		conn:     newTestConn(t),
		send:     make(chan []byte, buffer),
		socketID: socketID,
		userID:   userID,
	}
}

func TestBroadcast_DeliversToRoomExceptSender(t *testing.T) {
	hub := newTestHub(t)
	sender := newTestClient(t, hub, "sock-1", "user-1", 4)
	receiver := newTestClient(t, hub, "sock-2", "user-2", 4)
	hub.joinRoom(sender, "doc-1")
	hub.joinRoom(receiver, "doc-1")

	hub.Broadcast("doc-1", api.TypePong, api.Pong{Timestamp: 1}, sender)

	assert.Len(t, receiver.send, 1)
	assert.Empty(t, sender.send)
}

func TestBroadcast_SlowClientDroppedWithoutPanic(t *testing.T) {
	hub := newTestHub(t)
	slow := newTestClient(t, hub, "sock-slow", "user-1", 1)
	healthy := newTestClient(t, hub, "sock-ok", "user-2", 4)
	hub.joinRoom(slow, "doc-1")
	hub.joinRoom(healthy, "doc-1")

	// Первый кадр занимает весь буфер медленного клиента, второй его
	// вытесняет из комнаты.
	hub.Broadcast("doc-1", api.TypePong, api.Pong{Timestamp: 1}, nil)
	hub.Broadcast("doc-1", api.TypePong, api.Pong{Timestamp: 2}, nil)

	hub.mu.Lock()
	_, slowInRoom := hub.rooms["doc-1"][slow]
	_, healthyInRoom := hub.rooms["doc-1"][healthy]
	hub.mu.Unlock()
	assert.False(t, slowInRoom)
	assert.True(t, healthyInRoom)
	assert.Len(t, healthy.send, 2)

	// Горутина чтения вытесненного клиента ещё жива: её ответы на входящие
	// кадры не должны ронять процесс.
	slow.replyError("unused")
	slow.reply(api.TypePong, api.Pong{Timestamp: 3})
}
