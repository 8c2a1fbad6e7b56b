// Package bridge implements the server side of the execution bridge: the
// hub of connected terminal links and the signal execution service.
package bridge

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"execbridge/internal/conn"
	"execbridge/internal/events"
	"execbridge/internal/protocol"
)

var ErrTerminalUnavailable = errors.New("terminal connection unavailable")

// LinkHandler consumes domain messages arriving from a terminal.
type LinkHandler func(accountID string, msg protocol.Message)

// Link is one accepted terminal connection.
type Link struct {
	ConnectionID string
	AccountID    string
	TerminalID   string

	state   *conn.State
	pending *conn.Pending

	writeMu sync.Mutex
	ws      *websocket.Conn
}

// LinkInfo is a read-only view of a link for health reporting.
type LinkInfo struct {
	ConnectionID  string
	AccountID     string
	TerminalID    string
	LastHeartbeat time.Time
}

// Hub accepts terminal connections, keyed by account id. A new connection
// for an account replaces the previous one.
type Hub struct {
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	handler           LinkHandler
	bus               *events.Bus
	token             string

	mu    sync.RWMutex
	links map[string]*Link
	seen  map[string]bool // accounts that have connected at least once

	done chan struct{}
	once sync.Once
}

// NewHub creates a hub and starts the staleness reaper.
func NewHub(heartbeatInterval time.Duration, bus *events.Bus) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	h := &Hub{
		heartbeatInterval: heartbeatInterval,
		writeTimeout:      10 * time.Second,
		bus:               bus,
		links:             make(map[string]*Link),
		seen:              make(map[string]bool),
		done:              make(chan struct{}),
	}
	go h.reaper()
	return h
}

// SetHandler installs the consumer for inbound domain messages. Must be
// called before connections are accepted.
func (h *Hub) SetHandler(fn LinkHandler) { h.handler = fn }

// RequireToken makes handshakes carry the given shared token; empty means
// any terminal is accepted. Must be called before connections are accepted.
func (h *Hub) RequireToken(token string) { h.token = token }

// Close shuts every link down and stops the reaper.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, l := range h.links {
		_ = l.ws.Close()
		delete(h.links, id)
	}
}

// HandleConnection performs the handshake on a freshly upgraded websocket
// and then serves it until it drops. Blocks for the connection lifetime;
// call from the HTTP handler goroutine.
func (h *Hub) HandleConnection(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return fmt.Errorf("read handshake: %w", err)
	}
	hello, err := protocol.Decode(raw)
	if err != nil || hello.Type != protocol.TypeHandshake {
		ws.Close()
		return fmt.Errorf("expected handshake, got %q: %v", hello.Type, err)
	}
	if err := hello.Validate(); err != nil {
		ws.Close()
		return fmt.Errorf("invalid handshake: %w", err)
	}
	if h.token != "" && hello.Token != h.token {
		ws.Close()
		return fmt.Errorf("handshake rejected for account=%s: bad token", hello.AccountID)
	}
	_ = ws.SetReadDeadline(time.Time{})

	link := &Link{
		ConnectionID: uuid.NewString(),
		AccountID:    hello.AccountID,
		TerminalID:   hello.TerminalID,
		state:        conn.NewState(0),
		pending:      conn.NewPending(),
		ws:           ws,
	}

	ack := protocol.New(protocol.TypeHandshakeAck)
	ack.ConnectionID = link.ConnectionID
	ack.AccountID = link.AccountID
	if err := h.write(link, ack); err != nil {
		ws.Close()
		return fmt.Errorf("send handshake_ack: %w", err)
	}

	h.register(link)
	h.serve(link)
	return nil
}

func (h *Hub) register(link *Link) {
	h.mu.Lock()
	old := h.links[link.AccountID]
	reconnect := old != nil || h.seen[link.AccountID]
	h.seen[link.AccountID] = true
	h.links[link.AccountID] = link
	h.mu.Unlock()

	if old != nil {
		log.Printf("hub: replacing connection for account=%s", link.AccountID)
		_ = old.ws.Close()
	}
	link.state.MarkConnected(link.ConnectionID)
	log.Printf("hub: terminal connected account=%s connection_id=%s", link.AccountID, link.ConnectionID)
	if h.bus != nil {
		h.bus.Publish(events.EventConnectionUp, link.AccountID)
		if reconnect {
			h.bus.Publish(events.EventTerminalReconnected, link.AccountID)
		}
	}
}

func (h *Hub) unregister(link *Link) {
	h.mu.Lock()
	if h.links[link.AccountID] == link {
		delete(h.links, link.AccountID)
	}
	h.mu.Unlock()
	_ = link.ws.Close()

	log.Printf("hub: terminal disconnected account=%s", link.AccountID)
	if h.bus != nil {
		h.bus.Publish(events.EventConnectionDown, link.AccountID)
	}
}

// serve is the per-link read loop. Messages are processed one at a time
// in arrival order.
func (h *Hub) serve(link *Link) {
	defer h.unregister(link)

	for {
		_, raw, err := link.ws.ReadMessage()
		if err != nil {
			return
		}
		link.state.MarkTraffic(time.Now())

		msg, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("hub: decode error from account=%s, dropping message: %v", link.AccountID, err)
			if h.bus != nil {
				h.bus.Publish(events.EventDecodeError, link.AccountID)
			}
			continue
		}
		if !msg.Known() {
			log.Printf("hub: ignoring unknown message type %q from account=%s", msg.Type, link.AccountID)
			continue
		}

		switch msg.Type {
		case protocol.TypeHeartbeat:
			ack := protocol.New(protocol.TypeHeartbeatAck)
			ack.ConnectionID = link.ConnectionID
			if err := h.write(link, ack); err != nil {
				log.Printf("hub: heartbeat_ack failed account=%s: %v", link.AccountID, err)
			}
		case protocol.TypeHeartbeatAck:
			// traffic already marked
		case protocol.TypePing:
			pong := protocol.New(protocol.TypePong)
			pong.RequestID = msg.RequestID
			if err := h.write(link, pong); err != nil {
				log.Printf("hub: pong failed account=%s: %v", link.AccountID, err)
			}
		case protocol.TypePong, protocol.TypeAccountInfo:
			if !link.pending.Resolve(msg) {
				log.Printf("hub: dropping late %s reply account=%s request_id=%s", msg.Type, link.AccountID, msg.RequestID)
			}
		default:
			if h.handler != nil {
				h.handler(link.AccountID, msg)
			}
		}
	}
}

func (h *Hub) write(link *Link, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	link.writeMu.Lock()
	defer link.writeMu.Unlock()
	_ = link.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return link.ws.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) link(accountID string) (*Link, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.links[accountID]
	return l, ok
}

// Connected reports whether the account has a live terminal link.
func (h *Hub) Connected(accountID string) bool {
	_, ok := h.link(accountID)
	return ok
}

// Send delivers one message to the account's terminal, failing
// immediately when no link is up.
func (h *Hub) Send(accountID string, msg protocol.Message) error {
	l, ok := h.link(accountID)
	if !ok {
		return fmt.Errorf("%w: account=%s", ErrTerminalUnavailable, accountID)
	}
	if err := h.write(l, msg); err != nil {
		return fmt.Errorf("write %s to account=%s: %w", msg.Type, accountID, err)
	}
	return nil
}

// Request sends a correlated request to the terminal and waits up to
// timeout for its reply.
func (h *Hub) Request(accountID string, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	l, ok := h.link(accountID)
	if !ok {
		return protocol.Message{}, fmt.Errorf("%w: account=%s", ErrTerminalUnavailable, accountID)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	wait := l.pending.Register(msg.RequestID)
	if err := h.write(l, msg); err != nil {
		l.pending.Cancel(msg.RequestID)
		return protocol.Message{}, err
	}
	return wait(timeout)
}

// Links returns a snapshot of every connected link.
func (h *Hub) Links() []LinkInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]LinkInfo, 0, len(h.links))
	for _, l := range h.links {
		snap := l.state.Snapshot()
		out = append(out, LinkInfo{
			ConnectionID:  l.ConnectionID,
			AccountID:     l.AccountID,
			TerminalID:    l.TerminalID,
			LastHeartbeat: snap.LastHeartbeat,
		})
	}
	return out
}

// HeartbeatAges returns the traffic age per connected account.
func (h *Hub) HeartbeatAges() map[string]time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	now := time.Now()
	out := make(map[string]time.Duration, len(h.links))
	for id, l := range h.links {
		out[id] = l.state.HeartbeatAge(now)
	}
	return out
}

// HeartbeatAge returns the time since the account's last traffic, or an
// error when the link is down.
func (h *Hub) HeartbeatAge(accountID string) (time.Duration, error) {
	l, ok := h.link(accountID)
	if !ok {
		return 0, fmt.Errorf("%w: account=%s", ErrTerminalUnavailable, accountID)
	}
	return l.state.HeartbeatAge(time.Now()), nil
}

// reaper closes links whose traffic has gone stale for twice the
// heartbeat interval. The read loop then unregisters them.
func (h *Hub) reaper() {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.RLock()
			stale := make([]*Link, 0)
			for _, l := range h.links {
				if age := l.state.HeartbeatAge(time.Now()); age > 2*h.heartbeatInterval {
					stale = append(stale, l)
				}
			}
			h.mu.RUnlock()

			for _, l := range stale {
				log.Printf("hub: closing stale link account=%s", l.AccountID)
				_ = l.ws.Close()
			}
		}
	}
}
