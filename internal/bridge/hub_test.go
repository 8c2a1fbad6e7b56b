package bridge

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"execbridge/internal/conn"
	"execbridge/internal/events"
	"execbridge/internal/protocol"
)

var hubUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startHub serves a hub behind an httptest server and returns the ws URL.
func startHub(t *testing.T, hub *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := hubUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = hub.HandleConnection(ws)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialAgent connects a real agent-side manager to the hub. The handler
// must be installed before the read loop starts, hence the parameter.
func dialAgent(t *testing.T, url, accountID string, handler conn.Handler) *conn.Manager {
	t.Helper()
	cfg := conn.DefaultConfig()
	cfg.URL = url
	cfg.AccountID = accountID
	cfg.TerminalID = "term-" + accountID
	cfg.MaxReconnects = 1
	m := conn.NewManager(cfg)
	m.Handler = handler
	if err := m.Connect(); err != nil {
		t.Fatalf("agent connect: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubHandshakeAndRegistration(t *testing.T) {
	bus := events.NewBus()
	up, unsub := bus.Subscribe(events.EventConnectionUp, 1)
	defer unsub()

	hub := NewHub(time.Second, bus)
	url := startHub(t, hub)
	dialAgent(t, url, "acct-42", nil)

	waitUntil(t, time.Second, func() bool { return hub.Connected("acct-42") })

	links := hub.Links()
	if len(links) != 1 || links[0].AccountID != "acct-42" || links[0].TerminalID != "term-acct-42" {
		t.Fatalf("links = %+v", links)
	}

	select {
	case payload := <-up:
		if payload != "acct-42" {
			t.Errorf("connection.up payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Error("connection.up never published")
	}
}

func TestHubSendReachesAgent(t *testing.T) {
	hub := NewHub(time.Second, nil)
	url := startHub(t, hub)

	got := make(chan protocol.Message, 1)
	dialAgent(t, url, "acct-send", func(msg protocol.Message) { got <- msg })

	waitUntil(t, time.Second, func() bool { return hub.Connected("acct-send") })

	order := protocol.New(protocol.TypeExecuteOrder)
	order.ExecutionID = "exec-1"
	order.SignalID = "sig-1"
	order.Symbol = "EURUSD"
	order.Direction = "BUY"
	if err := hub.Send("acct-send", order); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-got:
		if msg.ExecutionID != "exec-1" {
			t.Errorf("agent received %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("agent never received the order")
	}
}

func TestHubSendToUnknownAccount(t *testing.T) {
	hub := NewHub(time.Second, nil)
	startHub(t, hub)

	err := hub.Send("nobody", protocol.New(protocol.TypeCloseAll))
	if !errors.Is(err, ErrTerminalUnavailable) {
		t.Fatalf("err = %v, want ErrTerminalUnavailable", err)
	}
}

func TestHubRequestRoundTrip(t *testing.T) {
	hub := NewHub(time.Second, nil)
	url := startHub(t, hub)

	requests := make(chan protocol.Message, 1)
	m := dialAgent(t, url, "acct-req", func(msg protocol.Message) {
		if msg.Type == protocol.TypeAccountInfoRequest {
			requests <- msg
		}
	})
	go func() {
		req := <-requests
		reply := protocol.New(protocol.TypeAccountInfo)
		reply.RequestID = req.RequestID
		reply.Balance = 10000
		reply.Equity = 10100
		_ = m.Send(reply)
	}()

	waitUntil(t, time.Second, func() bool { return hub.Connected("acct-req") })

	reply, err := hub.Request("acct-req", protocol.New(protocol.TypeAccountInfoRequest), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Balance != 10000 || reply.Equity != 10100 {
		t.Errorf("reply = %+v", reply)
	}
}

func TestHubRequestTimeout(t *testing.T) {
	hub := NewHub(time.Second, nil)
	url := startHub(t, hub)

	dialAgent(t, url, "acct-slow", nil) // never replies
	waitUntil(t, time.Second, func() bool { return hub.Connected("acct-slow") })

	_, err := hub.Request("acct-slow", protocol.New(protocol.TypeAccountInfoRequest), 20*time.Millisecond)
	if !errors.Is(err, conn.ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
}

func TestHubForwardsDomainMessages(t *testing.T) {
	hub := NewHub(time.Second, nil)
	got := make(chan protocol.Message, 1)
	hub.SetHandler(func(accountID string, msg protocol.Message) {
		if accountID == "acct-dom" {
			got <- msg
		}
	})
	url := startHub(t, hub)

	m := dialAgent(t, url, "acct-dom", nil)
	waitUntil(t, time.Second, func() bool { return hub.Connected("acct-dom") })

	result := protocol.New(protocol.TypeOrderExecuted)
	result.ExecutionID = "exec-9"
	result.Success = true
	result.Ticket = 9
	if err := m.Send(result); err != nil {
		t.Fatalf("agent send: %v", err)
	}

	select {
	case msg := <-got:
		if msg.ExecutionID != "exec-9" || msg.Ticket != 9 {
			t.Errorf("hub handler received %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("hub never forwarded the message")
	}
}

func TestHubReplacesConnectionForSameAccount(t *testing.T) {
	hub := NewHub(time.Second, nil)
	url := startHub(t, hub)

	dialAgent(t, url, "acct-rep", nil)
	waitUntil(t, time.Second, func() bool { return hub.Connected("acct-rep") })
	first := hub.Links()[0].ConnectionID

	dialAgent(t, url, "acct-rep", nil)
	waitUntil(t, time.Second, func() bool {
		links := hub.Links()
		return len(links) == 1 && links[0].ConnectionID != first
	})
}

// dialRaw opens a websocket and completes the handshake by hand so tests
// can send frames the agent manager never would.
func dialRaw(t *testing.T, url, accountID, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	hello := protocol.New(protocol.TypeHandshake)
	hello.AccountID = accountID
	hello.TerminalID = "term-" + accountID
	hello.Token = token
	data, _ := protocol.Encode(hello)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return ws
}

func TestHubTokenEnforcement(t *testing.T) {
	hub := NewHub(time.Second, nil)
	hub.RequireToken("shared-secret")
	url := startHub(t, hub)

	// Wrong token: the link is dropped before registration.
	bad := dialRaw(t, url, "acct-tok", "wrong")
	_ = bad.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := bad.ReadMessage(); err == nil {
		t.Error("connection survived a bad token")
	}
	if hub.Connected("acct-tok") {
		t.Error("bad token still registered a link")
	}

	// Right token presented by a real agent manager.
	cfg := conn.DefaultConfig()
	cfg.URL = url
	cfg.AccountID = "acct-tok"
	cfg.TerminalID = "term-acct-tok"
	cfg.AuthToken = "shared-secret"
	cfg.MaxReconnects = 1
	m := conn.NewManager(cfg)
	if err := m.Connect(); err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	t.Cleanup(m.Close)
	waitUntil(t, time.Second, func() bool { return hub.Connected("acct-tok") })
}

func TestHubPublishesReconnectEvent(t *testing.T) {
	bus := events.NewBus()
	reconnects, unsub := bus.Subscribe(events.EventTerminalReconnected, 2)
	defer unsub()

	hub := NewHub(time.Second, bus)
	url := startHub(t, hub)

	dialAgent(t, url, "acct-re", nil)
	waitUntil(t, time.Second, func() bool { return hub.Connected("acct-re") })

	select {
	case payload := <-reconnects:
		t.Fatalf("first connection published a reconnect: %v", payload)
	case <-time.After(50 * time.Millisecond):
	}

	dialAgent(t, url, "acct-re", nil)
	select {
	case payload := <-reconnects:
		if payload != "acct-re" {
			t.Errorf("reconnect payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("second connection never published a reconnect")
	}
}

func TestHubPublishesDecodeErrorEvent(t *testing.T) {
	bus := events.NewBus()
	decodeErrs, unsub := bus.Subscribe(events.EventDecodeError, 1)
	defer unsub()

	hub := NewHub(time.Second, bus)
	url := startHub(t, hub)

	ws := dialRaw(t, url, "acct-dec", "")
	waitUntil(t, time.Second, func() bool { return hub.Connected("acct-dec") })

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not-json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	select {
	case payload := <-decodeErrs:
		if payload != "acct-dec" {
			t.Errorf("decode error payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("decode error never published")
	}
	// A bad frame is dropped, not fatal.
	if !hub.Connected("acct-dec") {
		t.Error("link dropped after a malformed frame")
	}
}

func TestHubRejectsBadHandshake(t *testing.T) {
	hub := NewHub(time.Second, nil)
	url := startHub(t, hub)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// First frame must be a handshake; a heartbeat gets the link dropped.
	data, _ := protocol.Encode(protocol.New(protocol.TypeHeartbeat))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection survived a missing handshake")
	}
	if len(hub.Links()) != 0 {
		t.Error("bad handshake still registered a link")
	}
}
