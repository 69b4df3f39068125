// Package push owns the persistent event channel to the matching backend:
// connect and teardown, the application-level heartbeat, and reconnection
// with capped exponential backoff. Decoded events are handed to the event
// bus; consumers never touch the socket.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/matchclient/internal/search/bus"
	"github.com/example/matchclient/internal/search/domain"
)

// TopicMatching is the bus topic decoded matching events are published on.
const TopicMatching = "matching.events"

// State is the connection lifecycle. It changes only through Connect and
// Disconnect calls and channel callbacks.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Config tunes the connection manager.
type Config struct {
	URL               string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

type envelope struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId,omitempty"`
	SearchID  string          `json:"searchId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Manager is the single shared push connection, multiplexed across the
// current search context.
type Manager struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	userID   string
	searchID string
	closing  bool
	lastPong time.Time
	gen      int
}

// NewManager constructs a Manager publishing onto b.
func NewManager(cfg Config, b *bus.Bus, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, bus: b, logger: logger, state: StateDisconnected}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetSearchContext narrows event delivery to one search id. An empty id
// clears the filter.
func (m *Manager) SetSearchContext(searchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchID = searchID
}

// Connect opens the push channel and registers userID's room. Idempotent: a
// connected or in-progress manager returns immediately. On a failed first
// attempt the manager keeps reconnecting in the background; the error is
// returned so the caller can log it, but polling remains the fallback.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.closing = false
	m.userID = userID
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.connectOnce(ctx); err != nil {
		m.mu.Lock()
		if m.closing {
			m.setStateLocked(StateDisconnected)
			m.mu.Unlock()
			return err
		}
		m.setStateLocked(StateReconnecting)
		m.mu.Unlock()
		go m.reconnectLoop()
		return fmt.Errorf("push connect: %w", err)
	}
	return nil
}

// Disconnect tears the channel down intentionally: no reconnection follows.
// Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
	m.gen++
	if m.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateDisconnected)
}

func (m *Manager) connectOnce(ctx context.Context) error {
	m.mu.Lock()
	userID := m.userID
	gen := m.gen
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return fmt.Errorf("dial: %w", err)
	}

	if err := conn.WriteJSON(envelope{Type: "join", UserID: userID}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("join: %w", err)
	}

	// The server must acknowledge the join within the connect timeout;
	// otherwise give up instead of hanging on a half-open socket.
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ConnectTimeout))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			_ = conn.Close()
			return fmt.Errorf("await ack: %w", err)
		}
		if env.Type == "connected" {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	m.mu.Lock()
	// Disconnect may have landed while the handshake was in flight; a late
	// install would resurrect the session the caller just tore down.
	if m.closing || m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("session torn down during handshake")
	}
	m.conn = conn
	m.lastPong = time.Now()
	m.gen++
	gen = m.gen
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.readLoop(conn, gen)
	go m.heartbeatLoop(conn, gen)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			m.handleDrop(gen, err)
			return
		}
		switch env.Type {
		case "pong":
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
		case "connected":
			// Duplicate ack after reconnect races; ignore.
		default:
			m.dispatch(env)
		}
	}
}

func (m *Manager) heartbeatLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		stale := m.gen != gen
		lastPong := m.lastPong
		m.mu.Unlock()
		if stale {
			return
		}

		// A missed pong is a soft warning; only channel errors reconnect.
		if overdue := time.Since(lastPong); overdue > m.cfg.HeartbeatInterval+m.cfg.PongWait {
			m.logger.Warn("heartbeat pong overdue", zap.Duration("since_last_pong", overdue))
			heartbeatMisses.Inc()
		}

		if err := m.writeJSON(conn, envelope{Type: "ping", Timestamp: time.Now().UnixMilli()}); err != nil {
			m.handleDrop(gen, err)
			return
		}
	}
}

func (m *Manager) dispatch(env envelope) {
	eventType := domain.EventType(env.Type)
	if !eventType.Known() {
		m.logger.Debug("ignoring unknown push event", zap.String("type", env.Type))
		return
	}

	m.mu.Lock()
	userID := m.userID
	searchID := m.searchID
	m.mu.Unlock()

	// Events for other users or other searches never leave this layer.
	if env.UserID != "" && env.UserID != userID {
		return
	}
	if searchID != "" && env.SearchID != "" && env.SearchID != searchID {
		return
	}

	event := domain.MatchingEvent{
		Type:      eventType,
		SearchID:  env.SearchID,
		UserID:    env.UserID,
		Message:   env.Message,
		Timestamp: time.UnixMilli(env.Timestamp),
	}
	if eventType == domain.EventDriverFound && len(env.Data) > 0 {
		var payload domain.MatchPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			m.logger.Warn("malformed driver-found payload", zap.Error(err))
			return
		}
		driver := payload.Normalize()
		event.Driver = &driver
	}
	m.bus.Publish(TopicMatching, event)
}

func (m *Manager) handleDrop(gen int, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.closing {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		// Server ended the session on purpose; do not fight it.
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.logger.Info("push channel closed by server")
		return
	}
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	m.logger.Warn("push channel dropped", zap.Error(cause))
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		delay := m.backoffDelay(attempt)
		time.Sleep(delay)

		m.mu.Lock()
		if m.closing {
			m.setStateLocked(StateDisconnected)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		reconnectAttempts.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		err := m.connectOnce(ctx)
		cancel()
		if err == nil {
			m.logger.Info("push channel reconnected", zap.Int("attempt", attempt+1))
			return
		}
		m.logger.Warn("push reconnect failed", zap.Error(err), zap.Int("attempt", attempt+1))
	}

	m.mu.Lock()
	if m.closing {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateError)
	m.mu.Unlock()
	m.logger.Error("push reconnect exhausted; explicit connect required",
		zap.Int("attempts", m.cfg.MaxAttempts), zap.Error(domain.ErrReconnectExhausted))
}

// backoffDelay is min(base * 2^attempt, max) with ±10% jitter.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.cfg.BackoffBase << uint(attempt)
	if delay > m.cfg.BackoffMax || delay <= 0 {
		delay = m.cfg.BackoffMax
	}
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(delay) * jitter)
}

func (m *Manager) writeJSON(conn *websocket.Conn, v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	if s == StateConnected {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
}
