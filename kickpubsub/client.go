// Package kickpubsub implements the Pusher-style pub/sub protocol used by
// Kick chat: region-aware connection, channel/chatroom subscriptions with a
// sliding-window rate limit on outgoing control messages, and prefix-based
// dispatch of incoming events.
package kickpubsub

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

// DefaultAppKey is Kick's public Pusher application key.
const DefaultAppKey = "32cbd69e4b950bf97679"

// connectTimeout bounds the handshake: socket open through
// pusher:connection_established.
const connectTimeout = 30 * time.Second

// Event is one decoded pub/sub message.
type Event struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Data    string `json:"data,omitempty"`
}

// wireMessage tolerates data arriving as a JSON string or a nested object.
type wireMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (w wireMessage) toEvent() Event {
	e := Event{Event: w.Event, Channel: w.Channel}
	var s string
	if err := json.Unmarshal(w.Data, &s); err == nil {
		e.Data = s
	} else {
		e.Data = string(w.Data)
	}
	return e
}

// Client is a region-aware pub/sub connection. One active socket; all state
// transitions happen on the read loop goroutine.
type Client struct {
	AppKey           string
	Region           string // pinned region; empty enables auto detection
	AutoDetectRegion bool
	Platform         string

	// Endpoint builds the websocket URL for a region; overridable in tests.
	Endpoint func(region string) string

	// Event handlers; nil handlers are skipped.
	OnConnect      func(socketID string)
	OnDisconnect   func()
	OnSubscribed   func(channel string)
	OnUnsubscribed func(channel string)
	OnChannelEvent func(Event)
	OnChatEvent    func(Event)
	OnEvent        func(Event)
	OnError        func(error)
	OnStateChange  func(reconnect.State)

	limiter *slidingLimiter
	sup     *reconnect.Supervisor

	mu         sync.Mutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	socketID   string
	closing    bool
	region     string              // resolved region for this session
	subscribed map[string]struct{} // channel names we believe we hold
	ready      chan error
}

// NewClient creates a pub/sub client with the given reconnect policy.
func NewClient(policy reconnect.Policy) *Client {
	c := &Client{
		AppKey:           DefaultAppKey,
		AutoDetectRegion: true,
		Platform:         "kick",
		limiter:          newSlidingLimiter(DefaultRateLimit, DefaultRateWindow),
		subscribed:       make(map[string]struct{}),
	}
	c.Endpoint = func(region string) string {
		return fmt.Sprintf("wss://ws-%s.pusher.com/app/%s?protocol=7&client=js&version=8.4.0-rc2&flash=false", region, c.AppKey)
	}
	c.sup = reconnect.New(policy, func() {
		if err := c.dial(context.Background()); err != nil {
			slog.Warn("pubsub reconnect attempt failed", slog.Any("err", err), slog.String("component", "kickpubsub"))
			c.sup.ScheduleReconnect()
		}
	}, func(s reconnect.State) {
		telemetry.SetConnected(c.Platform, "pubsub", s == reconnect.Connected)
		if c.OnStateChange != nil {
			c.OnStateChange(s)
		}
	}, func(err error) {
		telemetry.CountReconnectExhausted(c.Platform, "pubsub")
		slog.Error("pubsub reconnection attempts exhausted", slog.String("component", "kickpubsub"))
		if c.OnError != nil {
			c.OnError(err)
		}
	})
	return c
}

// SetRateLimit overrides the control-message rate limit (policy knob, not a
// protocol invariant).
func (c *Client) SetRateLimit(limit int, window time.Duration) {
	c.limiter = newSlidingLimiter(limit, window)
}

// State returns the current connection state.
func (c *Client) State() reconnect.State { return c.sup.State() }

// SocketID returns the server-assigned socket id for the active session.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// ConnectedRegion returns the region resolved for the current session.
func (c *Client) ConnectedRegion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region
}

// Subscribed returns the channels the client believes it is subscribed to.
func (c *Client) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for ch := range c.subscribed {
		out = append(out, ch)
	}
	return out
}

// Connect resolves the region, opens the socket, and blocks until the
// connection is established or the context/timeout expires.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	region := c.Region
	if region == "" {
		if c.AutoDetectRegion {
			region = detectRegion(ctx, c.Endpoint, defaultProbeTimeout)
		} else {
			region = DefaultRegion
		}
	}

	c.mu.Lock()
	c.closing = false
	c.region = region
	c.ready = make(chan error, 1)
	ready := c.ready
	c.mu.Unlock()

	c.sup.ResetAttempts()
	if err := c.dial(ctx); err != nil {
		return err
	}
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		c.closeConn(websocket.CloseNormalClosure, "connect timeout")
		return fmt.Errorf("pubsub connect: no connection_established within %s: %w", connectTimeout, ctx.Err())
	}
}

func (c *Client) dial(ctx context.Context) error {
	telemetry.CountConnectAttempt(c.Platform, "pubsub")
	c.sup.SetState(reconnect.Connecting)

	c.mu.Lock()
	url := c.Endpoint(c.region)
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		c.sup.SetState(reconnect.Disconnected)
		return fmt.Errorf("pubsub dial %s: %w", url, err)
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
		telemetry.CountMessage(c.Platform, "pubsub")
		var wire wireMessage
		if err := json.Unmarshal(data, &wire); err != nil {
			// One malformed payload must never cost us the connection.
			slog.Warn("pubsub malformed message dropped", slog.Any("err", err), slog.String("component", "kickpubsub"))
			continue
		}
		c.handleEvent(conn, wire)
	}
}

func (c *Client) handleEvent(conn *websocket.Conn, wire wireMessage) {
	switch wire.Event {
	case "pusher:connection_established":
		var payload struct {
			SocketID string `json:"socket_id"`
		}
		ev := wire.toEvent()
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			slog.Warn("pubsub bad connection_established payload", slog.Any("err", err), slog.String("component", "kickpubsub"))
		}
		c.mu.Lock()
		c.socketID = payload.SocketID
		region := c.region
		ready := c.ready
		c.ready = nil
		resub := make([]string, 0, len(c.subscribed))
		for ch := range c.subscribed {
			resub = append(resub, ch)
		}
		c.mu.Unlock()

		c.sup.ResetAttempts()
		c.sup.SetState(reconnect.Connected)
		slog.Info("pubsub connected",
			slog.String("socket_id", payload.SocketID),
			slog.String("region", region),
			slog.String("component", "kickpubsub"))
		if ready != nil {
			ready <- nil
		}
		if c.OnConnect != nil {
			c.OnConnect(payload.SocketID)
		}
		// Restore subscriptions from before the reconnect.
		for _, ch := range resub {
			if err := c.sendSubscribe(context.Background(), conn, ch); err != nil {
				slog.Warn("pubsub resubscribe failed", slog.String("channel", ch), slog.Any("err", err))
			}
		}
	case "pusher:ping":
		if err := c.send(conn, map[string]any{"event": "pusher:pong", "data": "{}"}); err != nil {
			slog.Warn("pubsub pong failed", slog.Any("err", err), slog.String("component", "kickpubsub"))
		}
	case "pusher:error":
		ev := wire.toEvent()
		slog.Warn("pubsub server error", slog.String("data", ev.Data), slog.String("component", "kickpubsub"))
		if c.OnError != nil {
			c.OnError(fmt.Errorf("pubsub server error: %s", ev.Data))
		}
	default:
		c.dispatch(wire.toEvent())
	}
}

// dispatch routes an event to the channel/chat streams by channel-name
// prefix, plus the catch-all stream.
func (c *Client) dispatch(ev Event) {
	switch {
	case hasPrefix(ev.Channel, "channel."):
		if c.OnChannelEvent != nil {
			c.OnChannelEvent(ev)
		}
	case hasPrefix(ev.Channel, "chatrooms."):
		if c.OnChatEvent != nil {
			c.OnChatEvent(ev)
		}
	}
	if c.OnEvent != nil {
		c.OnEvent(ev)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ChannelName is the pub/sub namespace for channel-level events.
func ChannelName(channelID string) string { return "channel." + channelID }

// ChatroomName is the pub/sub namespace for chatroom events.
func ChatroomName(chatroomID string) string { return "chatrooms." + chatroomID + ".v2" }

// SubscribeToChannel subscribes to channel-level events for a channel id.
func (c *Client) SubscribeToChannel(ctx context.Context, channelID string) error {
	return c.subscribe(ctx, ChannelName(channelID))
}

// SubscribeToChat subscribes to chatroom events for a chatroom id.
func (c *Client) SubscribeToChat(ctx context.Context, chatroomID string) error {
	return c.subscribe(ctx, ChatroomName(chatroomID))
}

func (c *Client) subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.sup.State() == reconnect.Connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return fmt.Errorf("pubsub subscribe %s: not connected", channel)
	}
	if err := c.sendSubscribe(ctx, conn, channel); err != nil {
		return err
	}
	c.mu.Lock()
	c.subscribed[channel] = struct{}{}
	n := len(c.subscribed)
	c.mu.Unlock()
	telemetry.SetSubscribedChannels(c.Platform, n)
	if c.OnSubscribed != nil {
		c.OnSubscribed(channel)
	}
	return nil
}

func (c *Client) sendSubscribe(ctx context.Context, conn *websocket.Conn, channel string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pubsub subscribe %s: %w", channel, err)
	}
	return c.send(conn, map[string]any{
		"event": "pusher:subscribe",
		"data":  map[string]string{"auth": "", "channel": channel},
	})
}

// UnsubscribeFromChannel removes a channel-level subscription.
func (c *Client) UnsubscribeFromChannel(ctx context.Context, channelID string) error {
	return c.unsubscribe(ctx, ChannelName(channelID))
}

// UnsubscribeFromChat removes a chatroom subscription.
func (c *Client) UnsubscribeFromChat(ctx context.Context, chatroomID string) error {
	return c.unsubscribe(ctx, ChatroomName(chatroomID))
}

// unsubscribe updates local bookkeeping regardless of whether the remote
// acknowledges; the wire message is best effort.
func (c *Client) unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.sup.State() == reconnect.Connected
	delete(c.subscribed, channel)
	n := len(c.subscribed)
	c.mu.Unlock()
	telemetry.SetSubscribedChannels(c.Platform, n)
	if c.OnUnsubscribed != nil {
		c.OnUnsubscribed(channel)
	}
	if conn == nil || !connected {
		return fmt.Errorf("pubsub unsubscribe %s: not connected", channel)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pubsub unsubscribe %s: %w", channel, err)
	}
	return c.send(conn, map[string]any{
		"event": "pusher:unsubscribe",
		"data":  map[string]string{"channel": channel},
	})
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.socketID = ""
	closing := c.closing
	ready := c.ready
	c.ready = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.sup.SetState(reconnect.Disconnected)
	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}
	if ready != nil {
		ready <- fmt.Errorf("pubsub connection closed during handshake: %w", err)
	}
	if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	slog.Warn("pubsub connection lost", slog.Any("err", err), slog.String("component", "kickpubsub"))
	c.sup.ScheduleReconnect()
}

// Disconnect closes the socket with a normal close code, cancels pending
// reconnects, and clears the subscribed-channel set. Idempotent.
func (c *Client) Disconnect() {
	c.sup.CancelPending()

	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.socketID = ""
	c.subscribed = make(map[string]struct{})
	c.mu.Unlock()
	telemetry.SetSubscribedChannels(c.Platform, 0)

	if conn != nil {
		c.sup.SetState(reconnect.Disconnecting)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.sup.SetState(reconnect.Disconnected)
}

func (c *Client) closeConn(code int, reason string) {
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

func (c *Client) send(conn *websocket.Conn, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(payload)
}
