package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/streambridge/reconnect"
	"github.com/onnwee/streambridge/telemetry"
)

// DefaultServerURL is the production EventSub WebSocket endpoint.
const DefaultServerURL = "wss://eventsub.wss.twitch.tv/ws"

// defaultWelcomeTimeout bounds the window between socket open and
// session_welcome.
const defaultWelcomeTimeout = 30 * time.Second

// DefaultKeepaliveSafetyFactor scales the server-advertised keepalive timeout
// before the watchdog considers the connection stale.
const DefaultKeepaliveSafetyFactor = 2

// Client maintains one EventSub session. During a server-initiated migration
// it briefly holds two sockets: the draining one stays open until the new
// socket's welcome arrives, so in-flight notifications are not lost.
type Client struct {
	ServerURL             string
	WelcomeTimeout        time.Duration // zero means defaultWelcomeTimeout
	KeepaliveSafetyFactor int
	Platform              string

	OnWelcome      func(Session)
	OnNotification func(Metadata, Notification)
	OnRevocation   func(Metadata, Subscription)
	OnDisconnect   func()
	OnError        func(error)
	OnStateChange  func(reconnect.State)

	sup *reconnect.Supervisor

	mu       sync.Mutex
	conn     *websocket.Conn
	draining *websocket.Conn // old socket during session migration
	session  *Session
	watchdog *time.Timer
	closing  bool
	ready    chan error
}

// NewClient creates a session push client with the given reconnect policy.
func NewClient(policy reconnect.Policy) *Client {
	c := &Client{
		ServerURL:             DefaultServerURL,
		KeepaliveSafetyFactor: DefaultKeepaliveSafetyFactor,
		Platform:              "twitch",
	}
	c.sup = reconnect.New(policy, func() {
		if err := c.dial(context.Background(), c.ServerURL); err != nil {
			slog.Warn("eventsub reconnect attempt failed", slog.Any("err", err), slog.String("component", "eventsub"))
			c.sup.ScheduleReconnect()
		}
	}, func(s reconnect.State) {
		telemetry.SetConnected(c.Platform, "eventsub", s == reconnect.Connected)
		if c.OnStateChange != nil {
			c.OnStateChange(s)
		}
	}, func(err error) {
		telemetry.CountReconnectExhausted(c.Platform, "eventsub")
		slog.Error("eventsub reconnection attempts exhausted", slog.String("component", "eventsub"))
		if c.OnError != nil {
			c.OnError(err)
		}
	})
	return c
}

// State returns the current connection state.
func (c *Client) State() reconnect.State { return c.sup.State() }

// Session returns a copy of the active session descriptor, if any.
func (c *Client) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

func (c *Client) welcomeTimeout() time.Duration {
	if c.WelcomeTimeout > 0 {
		return c.WelcomeTimeout
	}
	return defaultWelcomeTimeout
}

// Connect opens the socket and blocks until session_welcome arrives or the
// context/timeout expires, tearing down the socket on timeout.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.welcomeTimeout())
	defer cancel()

	c.mu.Lock()
	c.closing = false
	c.ready = make(chan error, 1)
	ready := c.ready
	c.mu.Unlock()

	c.sup.ResetAttempts()
	if err := c.dial(ctx, c.ServerURL); err != nil {
		return err
	}
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		c.closeActive(websocket.CloseNormalClosure, "connect timeout")
		return fmt.Errorf("eventsub connect: no session_welcome within %s: %w", c.welcomeTimeout(), ctx.Err())
	}
}

func (c *Client) dial(ctx context.Context, url string) error {
	telemetry.CountConnectAttempt(c.Platform, "eventsub")
	c.sup.SetState(reconnect.Connecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		c.sup.SetState(reconnect.Disconnected)
		return fmt.Errorf("eventsub dial %s: %w", url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		telemetry.CountMessage(c.Platform, "eventsub")
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("eventsub malformed message dropped", slog.Any("err", err), slog.String("component", "eventsub"))
			continue
		}
		c.handleMessage(conn, env)
	}
}

func (c *Client) handleMessage(conn *websocket.Conn, env Envelope) {
	switch env.Metadata.MessageType {
	case TypeSessionWelcome:
		c.handleWelcome(conn, env)
	case TypeSessionKeepalive:
		c.resetWatchdog()
	case TypeSessionReconnect:
		c.handleReconnect(env)
	case TypeNotification:
		c.resetWatchdog()
		var n Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			slog.Warn("eventsub bad notification payload", slog.Any("err", err), slog.String("component", "eventsub"))
			return
		}
		if c.OnNotification != nil {
			c.OnNotification(env.Metadata, n)
		}
	case TypeRevocation:
		var p revocationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			slog.Warn("eventsub bad revocation payload", slog.Any("err", err), slog.String("component", "eventsub"))
			return
		}
		slog.Warn("eventsub subscription revoked",
			slog.String("subscription_id", p.Subscription.ID),
			slog.String("type", p.Subscription.Type),
			slog.String("status", p.Subscription.Status),
			slog.String("component", "eventsub"))
		if c.OnRevocation != nil {
			c.OnRevocation(env.Metadata, p.Subscription)
		}
	default:
		// Unknown message types are not fatal.
		slog.Debug("eventsub unknown message type ignored",
			slog.String("message_type", env.Metadata.MessageType),
			slog.String("component", "eventsub"))
	}
}

func (c *Client) handleWelcome(conn *websocket.Conn, env Envelope) {
	var p sessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		slog.Warn("eventsub bad welcome payload", slog.Any("err", err), slog.String("component", "eventsub"))
		return
	}
	sess := p.Session

	c.mu.Lock()
	c.session = &sess
	old := c.draining
	c.draining = nil
	ready := c.ready
	c.ready = nil
	c.mu.Unlock()

	// A welcome on the new socket retires the old one. Closing in this
	// order keeps notifications flowing through the handover window.
	if old != nil && old != conn {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Reconnected")
		_ = old.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = old.Close()
	}

	c.sup.ResetAttempts()
	c.sup.SetState(reconnect.Connected)
	c.armWatchdog(sess.KeepaliveTimeoutSeconds)
	slog.Info("eventsub session established",
		slog.String("session_id", sess.ID),
		slog.Int("keepalive_timeout_seconds", sess.KeepaliveTimeoutSeconds),
		slog.String("component", "eventsub"))
	if ready != nil {
		ready <- nil
	}
	if c.OnWelcome != nil {
		c.OnWelcome(sess)
	}
}

// handleReconnect performs a live session migration: dial the provided URL
// while the old socket keeps delivering, then let handleWelcome close it.
func (c *Client) handleReconnect(env Envelope) {
	var p sessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
		slog.Error("eventsub reconnect message without usable URL", slog.String("component", "eventsub"))
		return
	}
	url := p.Session.ReconnectURL
	slog.Info("eventsub session migration requested", slog.String("component", "eventsub"))

	ctx, cancel := context.WithTimeout(context.Background(), c.welcomeTimeout())
	defer cancel()
	newConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		slog.Error("eventsub migration dial failed, falling back to reconnect",
			slog.Any("err", err), slog.String("component", "eventsub"))
		// Close the old socket; its close handler schedules ordinary backoff.
		c.mu.Lock()
		old := c.conn
		c.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		return
	}

	c.mu.Lock()
	c.draining = c.conn
	c.conn = newConn
	c.mu.Unlock()
	go c.readLoop(newConn)
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if conn == c.draining {
		// Old socket retired during migration; the active session is fine.
		c.draining = nil
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	if conn != c.conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.session = nil
	closing := c.closing
	ready := c.ready
	c.ready = nil
	c.stopWatchdogLocked()
	c.mu.Unlock()

	_ = conn.Close()
	c.sup.SetState(reconnect.Disconnected)
	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}
	if ready != nil {
		ready <- fmt.Errorf("eventsub connection closed during handshake: %w", err)
	}
	if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	if ce, ok := err.(*websocket.CloseError); ok {
		if text := CloseCodeText(ce.Code); text != "" {
			slog.Error("eventsub protocol close",
				slog.Int("code", ce.Code),
				slog.String("meaning", text),
				slog.String("component", "eventsub"))
		} else {
			slog.Warn("eventsub connection closed", slog.Int("code", ce.Code), slog.String("component", "eventsub"))
		}
	} else {
		slog.Warn("eventsub connection lost", slog.Any("err", err), slog.String("component", "eventsub"))
	}
	c.sup.ScheduleReconnect()
}

// armWatchdog starts the keepalive watchdog at timeout * safety factor. The
// watchdog only alerts; the protocol recovers via socket close, not via a
// forced close from the timer.
func (c *Client) armWatchdog(timeoutSeconds int) {
	if timeoutSeconds <= 0 {
		return
	}
	factor := c.KeepaliveSafetyFactor
	if factor <= 0 {
		factor = DefaultKeepaliveSafetyFactor
	}
	d := time.Duration(timeoutSeconds*factor) * time.Second
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = time.AfterFunc(d, func() {
		slog.Warn("eventsub keepalive watchdog expired",
			slog.Duration("window", d),
			slog.String("component", "eventsub"))
	})
}

func (c *Client) resetWatchdog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchdog == nil || c.session == nil {
		return
	}
	factor := c.KeepaliveSafetyFactor
	if factor <= 0 {
		factor = DefaultKeepaliveSafetyFactor
	}
	c.watchdog.Reset(time.Duration(c.session.KeepaliveTimeoutSeconds*factor) * time.Second)
}

func (c *Client) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// Disconnect closes all sockets with a normal close code, cancels pending
// reconnects, and clears session state. Idempotent.
func (c *Client) Disconnect() {
	c.sup.CancelPending()

	c.mu.Lock()
	c.closing = true
	conn := c.conn
	draining := c.draining
	c.conn = nil
	c.draining = nil
	c.session = nil
	c.stopWatchdogLocked()
	c.mu.Unlock()

	for _, cn := range []*websocket.Conn{conn, draining} {
		if cn == nil {
			continue
		}
		c.sup.SetState(reconnect.Disconnecting)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = cn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = cn.Close()
	}
	c.sup.SetState(reconnect.Disconnected)
}

func (c *Client) closeActive(code int, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.sup.SetState(reconnect.Disconnected)
}
