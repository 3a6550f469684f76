package connection

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhd3197/CachiBot-sub003/internal/config"
	"github.com/jhd3197/CachiBot-sub003/internal/stats"
	"github.com/jhd3197/CachiBot-sub003/internal/testutil"
)

type testTokens struct{}

func (testTokens) AccessToken() string      { return "test-token" }
func (testTokens) Refresh() (string, error) { return "test-token", nil }

// wsTestServer accepts room socket connections and records them for
// inspection.
type wsTestServer struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	conns   []*websocket.Conn
	queries []url.Values
}

func newWsTestServer(t *testing.T) *wsTestServer {
	t.Helper()

	ws := &wsTestServer{t: t}
	upgrader := websocket.Upgrader{}

	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Log("upgrade:", err)
			return
		}

		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.queries = append(ws.queries, r.URL.Query())
		ws.mu.Unlock()
	}))
	t.Cleanup(ws.srv.Close)

	return ws
}

func (ws *wsTestServer) socketURL() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsTestServer) dialCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.conns)
}

func (ws *wsTestServer) conn(i int) *websocket.Conn {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if i >= len(ws.conns) {
		return nil
	}
	return ws.conns[i]
}

func (ws *wsTestServer) query(i int) url.Values {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.queries[i]
}

func (ws *wsTestServer) waitForDial(n int) {
	ws.t.Helper()
	assert.Eventually(ws.t, func() bool {
		return ws.dialCount() >= n
	}, 2*time.Second, 5*time.Millisecond, "timed out waiting for dial %d", n)
}

func testConfig(socketURL string) *config.Config {
	return &config.Config{
		SocketURL:        socketURL,
		ReconnectCeiling: 5,
		ReconnectBase:    5 * time.Millisecond,
	}
}

func newTestConnection(t *testing.T, socketURL string, sp stats.StatsProvider) *Connection {
	t.Helper()

	conn := NewConnection(testConfig(socketURL), testTokens{}, testutil.TestLogger(t), sp)
	t.Cleanup(conn.Disconnect)
	return conn
}

func TestConnection_Connect(t *testing.T) {
	ws := newWsTestServer(t)
	conn := newTestConnection(t, ws.socketURL(), stats.NewRecordingStats())

	require.NoError(t, conn.Connect("r1"), "expected connect to succeed")
	ws.waitForDial(1)

	assert.Equal(t, StateOpen, conn.State(), "expected state open after connect")
	assert.Equal(t, "r1", conn.RoomId(), "expected room association")

	query := ws.query(0)
	assert.Equal(t, "test-token", query.Get("token"), "expected auth token in connection URL")
	assert.Equal(t, "r1", query.Get("room_id"), "expected room id in connection URL")
	assert.NotEmpty(t, query.Get("client_id"), "expected client id in connection URL")

	// A second connect for any room is a no-op while open.
	require.NoError(t, conn.Connect("r2"))
	assert.Equal(t, 1, ws.dialCount(), "expected no second dial while open")
	assert.Equal(t, "r1", conn.RoomId(), "expected room association to be unchanged")
}

func TestConnection_inboundDispatch(t *testing.T) {
	ws := newWsTestServer(t)
	sp := stats.NewRecordingStats()
	conn := newTestConnection(t, ws.socketURL(), sp)

	var mu sync.Mutex
	var received []EventKind
	conn.OnMessage(func(ev *RoomEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev.Kind())
	})

	require.NoError(t, conn.Connect("r1"))
	ws.waitForDial(1)
	server := ws.conn(0)

	// A malformed frame is dropped without disconnecting.
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"room_id":"r1","typing":{"user_id":"u1","typing":true}}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"room_id":"r1","message":{"id":"m1","sender_type":"user","sender_id":"u1","content":"hi"}}`)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 5*time.Millisecond, "expected two decoded frames")

	mu.Lock()
	assert.Equal(t, []EventKind{KindTyping, KindMessage}, received, "expected frames in arrival order")
	mu.Unlock()

	assert.Equal(t, 1, sp.Count(stats.MetricFramesDropped), "expected malformed frame to be counted as dropped")
	assert.Equal(t, 2, sp.Count(stats.MetricFramesDecoded))
	assert.Equal(t, StateOpen, conn.State(), "expected decode failure not to disconnect")
}

func TestConnection_unsubscribeDuringDispatch(t *testing.T) {
	ws := newWsTestServer(t)
	conn := newTestConnection(t, ws.socketURL(), stats.NewRecordingStats())

	var mu sync.Mutex
	calls := map[string]int{}
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		calls[name]++
	}

	var unsubThird func()
	conn.OnMessage(func(ev *RoomEvent) {
		record("first")
		unsubThird()
	})
	conn.OnMessage(func(ev *RoomEvent) { record("second") })
	unsubThird = conn.OnMessage(func(ev *RoomEvent) { record("third") })

	require.NoError(t, conn.Connect("r1"))
	ws.waitForDial(1)

	frame := []byte(`{"room_id":"r1","cleared":{}}`)
	require.NoError(t, ws.conn(0).WriteMessage(websocket.TextMessage, frame))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["first"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls["second"], "expected remaining handler not to be skipped")
	assert.Equal(t, 0, calls["third"], "expected handler removed mid-dispatch not to fire")
	mu.Unlock()

	// The next notification reaches the surviving handlers exactly once.
	require.NoError(t, ws.conn(0).WriteMessage(websocket.TextMessage, frame))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["first"] == 2 && calls["second"] == 2 && calls["third"] == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnection_Send(t *testing.T) {
	t.Run("dropped when not open", func(t *testing.T) {
		ws := newWsTestServer(t)
		sp := stats.NewRecordingStats()
		conn := newTestConnection(t, ws.socketURL(), sp)

		conn.Send(NewChatCommand("r1", "hello"))
		assert.Equal(t, 1, sp.Count(stats.MetricCommandsDropped), "expected command to be dropped, not queued")
		assert.Equal(t, 0, ws.dialCount(), "expected no connection attempt from send")
	})

	t.Run("serialized as type and payload when open", func(t *testing.T) {
		ws := newWsTestServer(t)
		sp := stats.NewRecordingStats()
		conn := newTestConnection(t, ws.socketURL(), sp)

		require.NoError(t, conn.Connect("r1"))
		ws.waitForDial(1)

		conn.SendChat("hello bots")

		var frame struct {
			Type    string      `json:"type"`
			Payload ChatPayload `json:"payload"`
		}
		require.NoError(t, ws.conn(0).ReadJSON(&frame), "expected command frame on the socket")
		assert.Equal(t, CommandChat, frame.Type)
		assert.Equal(t, "r1", frame.Payload.RoomId)
		assert.Equal(t, "hello bots", frame.Payload.Content)
		assert.NotEmpty(t, frame.Payload.LocalId, "expected locally generated id")
		assert.Equal(t, 1, sp.Count(stats.MetricCommandsSent))
	})
}

func TestConnection_reconnect(t *testing.T) {
	ws := newWsTestServer(t)
	sp := stats.NewRecordingStats()
	conn := newTestConnection(t, ws.socketURL(), sp)

	var mu sync.Mutex
	var disconnects, connects int
	conn.OnConnect(func() {
		mu.Lock()
		defer mu.Unlock()
		connects++
	})
	conn.OnDisconnect(func(roomId string) {
		mu.Lock()
		defer mu.Unlock()
		disconnects++
		assert.Equal(t, "r1", roomId, "expected disconnect handler to receive the room id")
	})

	require.NoError(t, conn.Connect("r1"))
	ws.waitForDial(1)

	// Drop the connection server-side; the client reconnects after
	// backoff with a fresh dial.
	ws.conn(0).Close()
	ws.waitForDial(2)

	assert.Eventually(t, func() bool {
		return conn.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond, "expected connection to reopen")

	mu.Lock()
	assert.Equal(t, 2, connects, "expected connect notification for the reopen")
	assert.Equal(t, 1, disconnects, "expected one disconnect notification")
	mu.Unlock()

	assert.Equal(t, 1, sp.Count(stats.MetricReconnectAttempts))

	// The counter reset on the successful reopen, so another drop
	// schedules a fresh first attempt.
	ws.conn(1).Close()
	ws.waitForDial(3)
	assert.Equal(t, 2, sp.Count(stats.MetricReconnectAttempts))
}

func TestConnection_reconnectCeiling(t *testing.T) {
	sp := stats.NewRecordingStats()
	conn := NewConnection(&config.Config{
		SocketURL:        "ws://127.0.0.1:1",
		ReconnectCeiling: 5,
		ReconnectBase:    time.Millisecond,
	}, testTokens{}, testutil.TestLogger(t), sp)
	t.Cleanup(conn.Disconnect)

	assert.Error(t, conn.Connect("r1"), "expected initial dial to fail")

	assert.Eventually(t, func() bool {
		return sp.Count(stats.MetricReconnectAttempts) == 5
	}, 5*time.Second, 5*time.Millisecond, "expected attempts up to the ceiling")

	// No further attempts fire once the ceiling is reached.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5, sp.Count(stats.MetricReconnectAttempts), "expected reconnects to stop permanently")
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnection_disconnectCancelsReconnect(t *testing.T) {
	ws := newWsTestServer(t)
	sp := stats.NewRecordingStats()

	conn := NewConnection(&config.Config{
		SocketURL:        ws.socketURL(),
		ReconnectCeiling: 5,
		ReconnectBase:    50 * time.Millisecond,
	}, testTokens{}, testutil.TestLogger(t), sp)
	t.Cleanup(conn.Disconnect)

	require.NoError(t, conn.Connect("r1"))
	ws.waitForDial(1)

	// Drop the connection so a backoff timer is armed, then disconnect
	// before it fires.
	ws.conn(0).Close()
	assert.Eventually(t, func() bool {
		return sp.Count(stats.MetricReconnectAttempts) == 1
	}, 2*time.Second, 5*time.Millisecond, "expected a reconnect to be scheduled")

	conn.Disconnect()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, ws.dialCount(), "expected scheduled reconnect to be a no-op after disconnect")
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnection_disconnectIsIntentional(t *testing.T) {
	ws := newWsTestServer(t)
	sp := stats.NewRecordingStats()
	conn := newTestConnection(t, ws.socketURL(), sp)

	var mu sync.Mutex
	var disconnectedRooms []string
	conn.OnDisconnect(func(roomId string) {
		mu.Lock()
		defer mu.Unlock()
		disconnectedRooms = append(disconnectedRooms, roomId)
	})

	require.NoError(t, conn.Connect("r1"))
	ws.waitForDial(1)

	conn.Disconnect()

	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, conn.RoomId(), "expected room association to be cleared")

	mu.Lock()
	assert.Equal(t, []string{"r1"}, disconnectedRooms,
		"expected intentional close to notify with the room the connection was bound to")
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, ws.dialCount(), "expected no reconnect after intentional close")
	assert.Equal(t, 0, sp.Count(stats.MetricReconnectAttempts))
}
