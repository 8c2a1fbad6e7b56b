package conn

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"execbridge/internal/protocol"
)

var ErrNotConnected = errors.New("connection not available")

// Handler consumes inbound domain messages (execute_order, close_signal,
// account_info_request, ...) once liveness traffic has been handled.
type Handler func(msg protocol.Message)

// Config holds connection manager settings.
type Config struct {
	URL               string
	AccountID         string
	TerminalID        string
	AuthToken         string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	MaxReconnects     int
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns the stock settings: 30s heartbeat, 5s fixed retry
// delay, 5-attempt ceiling.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		MaxReconnects:     5,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Manager owns one logical persistent connection from the agent to the
// bridge. All state transitions happen here; other components read
// snapshots through State().
type Manager struct {
	cfg     Config
	state   *State
	pending *Pending

	Handler Handler
	// OnDown is invoked once when the reconnect ceiling is reached. The
	// connection stays down until Connect is called again.
	OnDown func()

	dialer *websocket.Dialer

	mu   sync.Mutex // guards conn and writes to it
	conn *websocket.Conn

	retryMu  sync.Mutex
	retrying bool

	closedMu sync.Mutex
	closed   bool
}

// NewManager creates a manager; Connect must be called to go live.
func NewManager(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		state:   NewState(cfg.MaxReconnects),
		pending: NewPending(),
		dialer:  websocket.DefaultDialer,
	}
}

// State exposes the connection state for health reporting.
func (m *Manager) State() *State { return m.state }

// Connect attempts a single connection. On transport failure the retry
// loop takes over; the attempt counter is reset so an operator-invoked
// Connect always gets a fresh budget.
func (m *Manager) Connect() error {
	m.closedMu.Lock()
	m.closed = false
	m.closedMu.Unlock()

	m.state.mu.Lock()
	m.state.attempts = 0
	m.state.mu.Unlock()

	if err := m.connectOnce(); err != nil {
		m.scheduleRetry()
		return err
	}
	return nil
}

// Close tears the connection down for good; no reconnect is scheduled.
func (m *Manager) Close() {
	m.closedMu.Lock()
	m.closed = true
	m.closedMu.Unlock()

	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
	m.state.setStatus(StatusDisconnected)
}

func (m *Manager) isClosed() bool {
	m.closedMu.Lock()
	defer m.closedMu.Unlock()
	return m.closed
}

// connectOnce performs one dial + handshake exchange.
func (m *Manager) connectOnce() error {
	m.state.setStatus(StatusConnecting)

	ws, _, err := m.dialer.Dial(m.cfg.URL, nil)
	if err != nil {
		m.state.setStatus(StatusDisconnected)
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	hello := protocol.New(protocol.TypeHandshake)
	hello.AccountID = m.cfg.AccountID
	hello.TerminalID = m.cfg.TerminalID
	hello.Token = m.cfg.AuthToken
	data, err := protocol.Encode(hello)
	if err != nil {
		ws.Close()
		m.state.setStatus(StatusDisconnected)
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		m.state.setStatus(StatusDisconnected)
		return fmt.Errorf("send handshake: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		m.state.setStatus(StatusDisconnected)
		return fmt.Errorf("await handshake_ack: %w", err)
	}
	ack, err := protocol.Decode(raw)
	if err != nil || ack.Type != protocol.TypeHandshakeAck || ack.ConnectionID == "" {
		ws.Close()
		m.state.setStatus(StatusDisconnected)
		return fmt.Errorf("invalid handshake_ack: %v", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	m.mu.Lock()
	m.conn = ws
	m.mu.Unlock()
	m.state.MarkConnected(ack.ConnectionID)
	log.Printf("conn: connected to bridge, connection_id=%s", ack.ConnectionID)

	go m.readLoop(ws)
	go m.heartbeatLoop(ws)
	return nil
}

// Send delivers one message or fails immediately; nothing is queued while
// the connection is down.
func (m *Manager) Send(msg protocol.Message) error {
	if m.state.Status() != StatusConnected {
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Request sends a message that expects a correlated reply and waits up to
// timeout. The pending entry is torn down on timeout; a later reply is
// dropped by the read loop.
func (m *Manager) Request(msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	wait := m.pending.Register(msg.RequestID)
	if err := m.Send(msg); err != nil {
		m.pending.Cancel(msg.RequestID)
		return protocol.Message{}, err
	}
	return wait(timeout)
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			m.handleDisconnect(ws)
			return
		}
		m.state.MarkTraffic(time.Now())

		msg, err := protocol.Decode(raw)
		if err != nil {
			// Malformed payload: drop it, keep the connection.
			log.Printf("conn: decode error, dropping message: %v", err)
			continue
		}
		if !msg.Known() {
			log.Printf("conn: ignoring unknown message type %q", msg.Type)
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		ack := protocol.New(protocol.TypeHeartbeatAck)
		ack.ConnectionID = m.state.Snapshot().ID
		if err := m.Send(ack); err != nil {
			log.Printf("conn: heartbeat_ack send failed: %v", err)
		}
	case protocol.TypeHeartbeatAck, protocol.TypeHandshakeAck:
		// traffic already marked; nothing else to do
	case protocol.TypePing:
		pong := protocol.New(protocol.TypePong)
		pong.RequestID = msg.RequestID
		if err := m.Send(pong); err != nil {
			log.Printf("conn: pong send failed: %v", err)
		}
	case protocol.TypePong, protocol.TypeAccountInfo:
		if !m.pending.Resolve(msg) {
			log.Printf("conn: dropping late %s reply, request_id=%s", msg.Type, msg.RequestID)
		}
	default:
		if m.Handler != nil {
			m.Handler(msg)
		}
	}
}

func (m *Manager) heartbeatLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		current := m.conn
		m.mu.Unlock()
		if current != ws {
			return // superseded by a newer connection
		}

		// Stale when no traffic for twice the heartbeat interval.
		if age := m.state.HeartbeatAge(time.Now()); age > 2*m.cfg.HeartbeatInterval {
			log.Printf("conn: stale connection (no traffic for %v), forcing close", age.Truncate(time.Second))
			_ = ws.Close()
			return
		}

		hb := protocol.New(protocol.TypeHeartbeat)
		hb.ConnectionID = m.state.Snapshot().ID
		if err := m.Send(hb); err != nil {
			log.Printf("conn: heartbeat send failed: %v", err)
		}
	}
}

// handleDisconnect runs when the read loop dies. It transitions to
// disconnected and hands over to the retry loop.
func (m *Manager) handleDisconnect(ws *websocket.Conn) {
	m.mu.Lock()
	if m.conn == ws {
		m.conn = nil
	}
	stale := m.conn != nil // a newer connection already took over
	m.mu.Unlock()
	_ = ws.Close()

	if stale || m.isClosed() {
		return
	}

	// Degraded while a reconnect is pending; disconnected only once the
	// budget is spent or Close is called.
	m.state.setStatus(StatusDegraded)
	log.Printf("conn: disconnected from bridge, reconnect pending")
	m.scheduleRetry()
}

// scheduleRetry starts the retry loop unless one is already running.
// Attempts are strictly sequential with a fixed delay between them.
func (m *Manager) scheduleRetry() {
	m.retryMu.Lock()
	if m.retrying {
		m.retryMu.Unlock()
		return
	}
	m.retrying = true
	m.retryMu.Unlock()

	go func() {
		defer func() {
			m.retryMu.Lock()
			m.retrying = false
			m.retryMu.Unlock()
		}()

		for {
			if m.isClosed() {
				return
			}
			attempt, last := m.state.nextAttempt()
			m.state.setStatus(StatusDegraded)

			time.Sleep(m.cfg.ReconnectDelay)
			if m.isClosed() {
				return
			}

			log.Printf("conn: reconnect attempt %d/%d", attempt, m.cfg.MaxReconnects)
			if err := m.connectOnce(); err != nil {
				log.Printf("conn: reconnect failed: %v", err)
				if last {
					log.Printf("conn: reconnect ceiling reached (%d attempts), reporting down", attempt)
					if m.OnDown != nil {
						m.OnDown()
					}
					return
				}
				continue
			}
			return
		}
	}()
}
