package eventsub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/streambridge/reconnect"
)

type fakeEventSubServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeEventSubServer(t *testing.T) *fakeEventSubServer {
	t.Helper()
	f := &fakeEventSubServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEventSubServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeEventSubServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no client connection")
		return nil
	}
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := map[string]any{
		"metadata": map[string]any{
			"message_id":        "msg-" + msgType,
			"message_type":      msgType,
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": json.RawMessage(raw),
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func sendWelcome(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	sendEnvelope(t, conn, TypeSessionWelcome, map[string]any{
		"session": map[string]any{
			"id":                        sessionID,
			"status":                    "connected",
			"keepalive_timeout_seconds": 10,
			"connected_at":              time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

func eventSubTestClient(f *fakeEventSubServer) *Client {
	c := NewClient(reconnect.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 3})
	c.ServerURL = f.url()
	return c
}

func connectWelcomed(t *testing.T, f *fakeEventSubServer, c *Client, sessionID string) *websocket.Conn {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	conn := f.accept(t)
	sendWelcome(t, conn, sessionID)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return conn
}

func TestEventSubConnectWelcome(t *testing.T) {
	f := newFakeEventSubServer(t)
	c := eventSubTestClient(f)

	welcomed := make(chan Session, 1)
	c.OnWelcome = func(s Session) { welcomed <- s }

	conn := connectWelcomed(t, f, c, "sess-1")
	defer conn.Close()

	if c.State() != reconnect.Connected {
		t.Errorf("state = %v, want connected", c.State())
	}
	sess, ok := c.Session()
	if !ok || sess.ID != "sess-1" || sess.KeepaliveTimeoutSeconds != 10 {
		t.Errorf("Session() = %+v, %v", sess, ok)
	}
	select {
	case s := <-welcomed:
		if s.ID != "sess-1" {
			t.Errorf("OnWelcome session = %q", s.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnWelcome not fired")
	}
	c.Disconnect()
	if _, ok := c.Session(); ok {
		t.Error("session survived Disconnect")
	}
}

func TestEventSubConnectTimeout(t *testing.T) {
	f := newFakeEventSubServer(t)
	c := eventSubTestClient(f)
	c.WelcomeTimeout = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	conn := f.accept(t)
	defer conn.Close()
	// Never send session_welcome.
	if err := <-done; err == nil {
		t.Fatal("Connect should fail without session_welcome")
	}
	if c.State() != reconnect.Disconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
}

func TestEventSubNotificationDispatch(t *testing.T) {
	f := newFakeEventSubServer(t)
	c := eventSubTestClient(f)

	notes := make(chan Notification, 1)
	var meta atomic.Value
	c.OnNotification = func(m Metadata, n Notification) {
		meta.Store(m)
		notes <- n
	}

	conn := connectWelcomed(t, f, c, "sess-1")
	defer conn.Close()

	sendEnvelope(t, conn, TypeNotification, map[string]any{
		"subscription": map[string]any{
			"id":      "sub-1",
			"type":    "stream.online",
			"version": "1",
			"status":  "enabled",
		},
		"event": map[string]any{"broadcaster_user_id": "123"},
	})

	select {
	case n := <-notes:
		if n.Subscription.Type != "stream.online" || n.Subscription.ID != "sub-1" {
			t.Errorf("subscription = %+v", n.Subscription)
		}
		if !strings.Contains(string(n.Event), `"broadcaster_user_id":"123"`) {
			t.Errorf("event payload = %s", n.Event)
		}
		m := meta.Load().(Metadata)
		if m.MessageType != TypeNotification {
			t.Errorf("metadata type = %q", m.MessageType)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not dispatched")
	}
	c.Disconnect()
}

func TestEventSubRevocationDispatch(t *testing.T) {
	f := newFakeEventSubServer(t)
	c := eventSubTestClient(f)

	revoked := make(chan Subscription, 1)
	c.OnRevocation = func(_ Metadata, s Subscription) { revoked <- s }

	conn := connectWelcomed(t, f, c, "sess-1")
	defer conn.Close()

	sendEnvelope(t, conn, TypeRevocation, map[string]any{
		"subscription": map[string]any{
			"id":     "sub-9",
			"type":   "channel.follow",
			"status": "authorization_revoked",
		},
	})
	select {
	case s := <-revoked:
		if s.ID != "sub-9" || s.Status != "authorization_revoked" {
			t.Errorf("revoked subscription = %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("revocation not dispatched")
	}
	c.Disconnect()
}

func TestEventSubIgnoresUnknownMessageTypes(t *testing.T) {
	f := newFakeEventSubServer(t)
	c := eventSubTestClient(f)

	notes := make(chan Notification, 1)
	c.OnNotification = func(_ Metadata, n Notification) { notes <- n }

	conn := connectWelcomed(t, f, c, "sess-1")
	defer conn.Close()

	sendEnvelope(t, conn, "session_mystery", map[string]any{"anything": true})
	sendEnvelope(t, conn, TypeSessionKeepalive, map[string]any{})
	sendEnvelope(t, conn, TypeNotification, map[string]any{
		"subscription": map[string]any{"id": "sub-1", "type": "stream.online"},
		"event":        map[string]any{},
	})
	select {
	case <-notes:
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not survive unknown message type")
	}
	c.Disconnect()
}

func TestEventSubSessionMigrationKeepsInFlightNotifications(t *testing.T) {
	f1 := newFakeEventSubServer(t)
	f2 := newFakeEventSubServer(t)
	c := eventSubTestClient(f1)

	notes := make(chan Notification, 2)
	c.OnNotification = func(_ Metadata, n Notification) { notes <- n }

	conn1 := connectWelcomed(t, f1, c, "sess-old")

	// Server asks for a live migration to the second endpoint.
	sendEnvelope(t, conn1, TypeSessionReconnect, map[string]any{
		"session": map[string]any{
			"id":            "sess-old",
			"status":        "reconnecting",
			"reconnect_url": f2.url(),
		},
	})
	conn2 := f2.accept(t)
	defer conn2.Close()

	// A notification arriving on the old socket between session_reconnect
	// and the new socket's welcome must still be delivered.
	sendEnvelope(t, conn1, TypeNotification, map[string]any{
		"subscription": map[string]any{"id": "sub-inflight", "type": "stream.online"},
		"event":        map[string]any{},
	})
	select {
	case n := <-notes:
		if n.Subscription.ID != "sub-inflight" {
			t.Errorf("in-flight notification = %+v", n.Subscription)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight notification dropped during migration")
	}
	sendWelcome(t, conn2, "sess-new")

	// The session descriptor now reflects the new socket.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := c.Session(); ok && s.ID == "sess-new" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s, _ := c.Session(); s.ID != "sess-new" {
		t.Errorf("session after migration = %q, want sess-new", s.ID)
	}

	// The old socket is closed normally with the migration reason.
	_ = conn1.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn1.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		if !ok || ce.Code != websocket.CloseNormalClosure || ce.Text != "Reconnected" {
			t.Errorf("old socket close = %v, want 1000 Reconnected", err)
		}
		break
	}

	// New connection still works.
	sendEnvelope(t, conn2, TypeNotification, map[string]any{
		"subscription": map[string]any{"id": "sub-after", "type": "stream.online"},
		"event":        map[string]any{},
	})
	select {
	case n := <-notes:
		if n.Subscription.ID != "sub-after" {
			t.Errorf("post-migration notification = %+v", n.Subscription)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("post-migration notification dropped")
	}
	c.Disconnect()
}

func TestEventSubMaxAttemptsEmitsOneTerminalError(t *testing.T) {
	f := newFakeEventSubServer(t)
	c := eventSubTestClient(f)

	var terminal atomic.Int32
	c.OnError = func(error) { terminal.Add(1) }

	conn := connectWelcomed(t, f, c, "sess-1")

	// Kill the server so every reconnect attempt fails.
	f.srv.CloseClientConnections()
	f.srv.Close()
	_ = conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for terminal.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give any extra attempts time to fire a duplicate.
	time.Sleep(100 * time.Millisecond)
	if got := terminal.Load(); got != 1 {
		t.Errorf("terminal error count = %d, want exactly 1", got)
	}
	if c.State() != reconnect.Errored {
		t.Errorf("state = %v, want errored", c.State())
	}
}

func TestCloseCodeText(t *testing.T) {
	if got := CloseCodeText(CloseReconnectGraceOver); got != "reconnect grace time expired" {
		t.Errorf("CloseCodeText(4004) = %q", got)
	}
	if got := CloseCodeText(1006); got != "" {
		t.Errorf("CloseCodeText(1006) = %q, want empty", got)
	}
}
