package push_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/matchclient/internal/search/bus"
	"github.com/example/matchclient/internal/search/domain"
	"github.com/example/matchclient/internal/search/push"
)

var upgrader = websocket.Upgrader{}

// newWSServer accepts connections, performs the join/ack handshake, and
// hands the socket to handler. Returns the ws:// URL.
func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var join map[string]any
		if err := conn.ReadJSON(&join); err != nil || join["type"] != "join" {
			_ = conn.Close()
			return
		}
		if err := conn.WriteJSON(map[string]any{"type": "connected"}); err != nil {
			_ = conn.Close()
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// pongLoop answers pings until the connection dies.
func pongLoop(conn *websocket.Conn) {
	for {
		var env map[string]any
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env["type"] == "ping" {
			_ = conn.WriteJSON(map[string]any{"type": "pong", "timestamp": env["timestamp"]})
		}
	}
}

func collectEvents(t *testing.T, b *bus.Bus) (*sync.Mutex, *[]domain.MatchingEvent) {
	t.Helper()
	var mu sync.Mutex
	events := make([]domain.MatchingEvent, 0)
	require.NoError(t, b.Subscribe(push.TopicMatching, "test", func(e bus.Event) {
		ev, ok := e.Payload.(domain.MatchingEvent)
		if !ok {
			return
		}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	return &mu, &events
}

func TestConnectDeliversDecodedEvents(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{
			"type": "driver-found", "searchId": "s-1", "userId": "u-1",
			"timestamp": time.Now().UnixMilli(),
			"data": map[string]any{
				"driver":  map[string]any{"id": "d-9", "firstName": "Ana", "rating": 4.9},
				"pricing": map[string]any{"estimatedFare": 9.5, "currency": "COP"},
			},
		})
		pongLoop(conn)
	})

	b := bus.New(0, nil)
	mu, events := collectEvents(t, b)

	m := push.NewManager(push.Config{URL: url}, b, nil)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background(), "u-1"))
	require.Equal(t, push.StateConnected, m.State())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	ev := (*events)[0]
	mu.Unlock()
	require.Equal(t, domain.EventDriverFound, ev.Type)
	require.Equal(t, "s-1", ev.SearchID)
	require.NotNil(t, ev.Driver)
	require.Equal(t, "d-9", ev.Driver.ID)
	require.Equal(t, "9.50 COP", ev.Driver.Price)
}

func TestEventsFilteredByUserAndSearchContext(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		// Wrong user, wrong search, then a matching event.
		_ = conn.WriteJSON(map[string]any{"type": "search-timeout", "searchId": "s-1", "userId": "someone-else"})
		_ = conn.WriteJSON(map[string]any{"type": "search-timeout", "searchId": "other-search", "userId": "u-1"})
		_ = conn.WriteJSON(map[string]any{"type": "search-cancelled", "searchId": "s-1", "userId": "u-1"})
		pongLoop(conn)
	})

	b := bus.New(0, nil)
	mu, events := collectEvents(t, b)

	m := push.NewManager(push.Config{URL: url}, b, nil)
	defer m.Disconnect()
	m.SetSearchContext("s-1")
	require.NoError(t, m.Connect(context.Background(), "u-1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, domain.EventSearchCancelled, (*events)[0].Type)
}

func TestHeartbeatPingPong(t *testing.T) {
	var pings atomic.Int32
	url := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var env map[string]any
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env["type"] == "ping" {
				pings.Add(1)
				_ = conn.WriteJSON(map[string]any{"type": "pong", "timestamp": env["timestamp"]})
			}
		}
	})

	m := push.NewManager(push.Config{URL: url, HeartbeatInterval: 20 * time.Millisecond}, bus.New(0, nil), nil)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background(), "u-1"))

	require.Eventually(t, func() bool { return pings.Load() >= 2 }, time.Second, 10*time.Millisecond)
	require.Equal(t, push.StateConnected, m.State())
}

func TestConnectIdempotent(t *testing.T) {
	var accepted atomic.Int32
	url := newWSServer(t, func(conn *websocket.Conn) {
		accepted.Add(1)
		pongLoop(conn)
	})

	m := push.NewManager(push.Config{URL: url}, bus.New(0, nil), nil)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background(), "u-1"))
	require.NoError(t, m.Connect(context.Background(), "u-1"))
	require.Equal(t, int32(1), accepted.Load())
}

func TestDisconnectIsIdempotentAndFinal(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) { pongLoop(conn) })

	m := push.NewManager(push.Config{URL: url, BackoffBase: 5 * time.Millisecond}, bus.New(0, nil), nil)
	require.NoError(t, m.Connect(context.Background(), "u-1"))

	m.Disconnect()
	m.Disconnect()
	require.Equal(t, push.StateDisconnected, m.State())

	// No reconnect attempt follows an intentional disconnect.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, push.StateDisconnected, m.State())
}

func TestDisconnectDuringHandshakeWins(t *testing.T) {
	// The server sits on the join ack long enough for Disconnect to land
	// while the handshake is still in flight.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var join map[string]any
		if err := conn.ReadJSON(&join); err != nil {
			_ = conn.Close()
			return
		}
		time.Sleep(300 * time.Millisecond)
		if err := conn.WriteJSON(map[string]any{"type": "connected"}); err != nil {
			_ = conn.Close()
			return
		}
		pongLoop(conn)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := push.NewManager(push.Config{URL: url, BackoffBase: 5 * time.Millisecond}, bus.New(0, nil), nil)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "u-1") }()

	time.Sleep(100 * time.Millisecond)
	m.Disconnect()
	require.Equal(t, push.StateDisconnected, m.State())

	<-done

	// The late ack must not resurrect the session or start a reconnect.
	time.Sleep(400 * time.Millisecond)
	require.Equal(t, push.StateDisconnected, m.State())
}

func TestMissedPongIsOnlyAWarning(t *testing.T) {
	// The server swallows pings without ever answering.
	var pings atomic.Int32
	url := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var env map[string]any
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env["type"] == "ping" {
				pings.Add(1)
			}
		}
	})

	m := push.NewManager(push.Config{
		URL:               url,
		HeartbeatInterval: 20 * time.Millisecond,
		PongWait:          10 * time.Millisecond,
	}, bus.New(0, nil), nil)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background(), "u-1"))

	// Several heartbeat periods with overdue pongs: the channel keeps
	// pinging and stays connected instead of dropping or reconnecting.
	require.Eventually(t, func() bool { return pings.Load() >= 4 }, time.Second, 10*time.Millisecond)
	require.Equal(t, push.StateConnected, m.State())
}

func TestReconnectAfterUnexpectedDrop(t *testing.T) {
	var accepted atomic.Int32
	url := newWSServer(t, func(conn *websocket.Conn) {
		if accepted.Add(1) == 1 {
			// Kill the first session without a close frame.
			_ = conn.Close()
			return
		}
		pongLoop(conn)
	})

	m := push.NewManager(push.Config{URL: url, BackoffBase: 5 * time.Millisecond}, bus.New(0, nil), nil)
	defer m.Disconnect()
	_ = m.Connect(context.Background(), "u-1")

	require.Eventually(t, func() bool {
		return accepted.Load() >= 2 && m.State() == push.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerCloseIsNotRetried(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), deadline)
		// Keep the socket open long enough for the client to read the frame.
		time.Sleep(200 * time.Millisecond)
		_ = conn.Close()
	})

	m := push.NewManager(push.Config{URL: url, BackoffBase: 5 * time.Millisecond}, bus.New(0, nil), nil)
	require.NoError(t, m.Connect(context.Background(), "u-1"))

	require.Eventually(t, func() bool {
		return m.State() == push.StateDisconnected
	}, time.Second, 10*time.Millisecond)
}

func TestReconnectExhaustionEndsInError(t *testing.T) {
	// Point at a server that is already gone.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	m := push.NewManager(push.Config{
		URL:         url,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  100 * time.Millisecond,
		MaxAttempts: 3,
	}, bus.New(0, nil), nil)

	err := m.Connect(context.Background(), "u-1")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return m.State() == push.StateError
	}, 2*time.Second, 10*time.Millisecond)

	// Recovery requires an explicit connect; it may fail again but must
	// leave the error state while trying.
	_ = m.Connect(context.Background(), "u-1")
	require.NotEqual(t, push.StateError, m.State())
	m.Disconnect()
}
