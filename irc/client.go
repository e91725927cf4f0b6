package irc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/streambridge/reconnect"
	"github.com/onnwee/streambridge/telemetry"
)

// DefaultServerURL is the Twitch chat endpoint over websocket framing.
const DefaultServerURL = "wss://irc-ws.chat.twitch.tv:443"

// connectTimeout bounds the handshake: socket open through end-of-MOTD.
const connectTimeout = 30 * time.Second

// ChatMessage is a normalized PRIVMSG decoded from IRCv3 tags.
type ChatMessage struct {
	Channel     string
	Text        string
	Username    string
	DisplayName string
	UserID      string
	Color       string
	Badges      map[string]string
	Emotes      []string
	SentAt      time.Time
}

// Client is an authenticate-then-join IRC chat client. Methods are safe for
// concurrent use; all protocol state transitions happen on the single read
// loop goroutine of the active socket.
type Client struct {
	ServerURL string
	Nick      string
	Platform  string // metrics/log label, default "twitch"

	// Token returns a fresh oauth access token for the PASS line. Called
	// on every (re)connect so a refreshed token is picked up.
	Token func(ctx context.Context) (string, error)

	// Event handlers; nil handlers are skipped.
	OnConnect     func()
	OnDisconnect  func()
	OnChatMessage func(ChatMessage)
	OnNotice      func(channel, text string)
	OnError       func(error)
	OnStateChange func(reconnect.State)

	sup *reconnect.Supervisor

	mu            sync.Mutex
	conn          *websocket.Conn
	writeMu       sync.Mutex
	authenticated bool
	closing       bool
	channels      map[string]struct{} // joined channels, rejoined after reconnect
	ready         chan error          // signals end-of-MOTD (or auth failure) to Connect
}

// NewClient creates a chat client with the given reconnect policy.
func NewClient(nick string, token func(ctx context.Context) (string, error), policy reconnect.Policy) *Client {
	c := &Client{
		ServerURL: DefaultServerURL,
		Nick:      nick,
		Platform:  "twitch",
		Token:     token,
		channels:  make(map[string]struct{}),
	}
	c.sup = reconnect.New(policy, func() {
		if err := c.dial(context.Background()); err != nil {
			slog.Warn("irc reconnect attempt failed", slog.Any("err", err), slog.String("component", "irc"))
			c.sup.ScheduleReconnect()
		}
	}, func(s reconnect.State) {
		telemetry.SetConnected(c.Platform, "irc", s == reconnect.Connected)
		if c.OnStateChange != nil {
			c.OnStateChange(s)
		}
	}, func(err error) {
		telemetry.CountReconnectExhausted(c.Platform, "irc")
		slog.Error("irc reconnection attempts exhausted", slog.String("component", "irc"))
		if c.OnError != nil {
			c.OnError(err)
		}
	})
	return c
}

// State returns the current connection state.
func (c *Client) State() reconnect.State { return c.sup.State() }

// Connect opens the socket, authenticates, and blocks until the server's
// end-of-MOTD reply or a timeout. Only after it returns nil are Join and
// Say valid.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	c.mu.Lock()
	c.closing = false
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
		c.teardown(websocket.CloseNormalClosure, "connect timeout")
		return fmt.Errorf("irc connect: no end-of-MOTD within %s: %w", connectTimeout, ctx.Err())
	}
}

// dial performs one connection attempt and starts the read loop.
func (c *Client) dial(ctx context.Context) error {
	telemetry.CountConnectAttempt(c.Platform, "irc")
	c.sup.SetState(reconnect.Connecting)

	token, err := c.Token(ctx)
	if err != nil {
		c.sup.SetState(reconnect.Disconnected)
		return fmt.Errorf("irc auth token: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.ServerURL, nil)
	if err != nil {
		c.sup.SetState(reconnect.Disconnected)
		return fmt.Errorf("irc dial %s: %w", c.ServerURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.authenticated = false
	c.mu.Unlock()

	// Request IRCv3 tags before authenticating so PRIVMSG metadata arrives.
	handshake := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS oauth:" + token,
		"NICK " + strings.ToLower(c.Nick),
	}
	for _, line := range handshake {
		if err := c.sendRaw(conn, line); err != nil {
			_ = conn.Close()
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			c.sup.SetState(reconnect.Disconnected)
			return fmt.Errorf("irc handshake write: %w", err)
		}
	}

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
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			telemetry.CountMessage(c.Platform, "irc")
			c.handleLine(conn, Parse(line))
		}
	}
}

func (c *Client) handleLine(conn *websocket.Conn, msg Message) {
	switch msg.Command {
	case "PING":
		if err := c.sendRaw(conn, "PONG :"+msg.Trailing()); err != nil {
			slog.Warn("irc pong failed", slog.Any("err", err), slog.String("component", "irc"))
		}
	case "376": // RPL_ENDOFMOTD: authentication complete
		c.mu.Lock()
		c.authenticated = true
		ready := c.ready
		c.ready = nil
		rejoin := make([]string, 0, len(c.channels))
		for ch := range c.channels {
			rejoin = append(rejoin, ch)
		}
		c.mu.Unlock()

		c.sup.ResetAttempts()
		c.sup.SetState(reconnect.Connected)
		slog.Info("irc authenticated", slog.String("nick", c.Nick), slog.String("component", "irc"))
		for _, ch := range rejoin {
			if err := c.sendRaw(conn, "JOIN "+ch); err != nil {
				slog.Warn("irc rejoin failed", slog.String("channel", ch), slog.Any("err", err))
			}
		}
		if ready != nil {
			ready <- nil
		}
		if c.OnConnect != nil {
			c.OnConnect()
		}
	case "NOTICE":
		text := msg.Trailing()
		if isLoginFailure(text) {
			// Credentials are invalid; retrying would loop forever.
			slog.Error("irc login failed", slog.String("notice", text), slog.String("component", "irc"))
			c.mu.Lock()
			ready := c.ready
			c.ready = nil
			c.mu.Unlock()
			err := fmt.Errorf("irc login failed: %s", text)
			if ready != nil {
				ready <- err
			}
			if c.OnError != nil {
				c.OnError(err)
			}
			c.Disconnect()
			return
		}
		if c.OnNotice != nil {
			channel := ""
			if len(msg.Params) > 1 {
				channel = msg.Params[0]
			}
			c.OnNotice(channel, text)
		}
	case "PRIVMSG":
		if c.OnChatMessage != nil && len(msg.Params) >= 2 {
			c.OnChatMessage(decodeChatMessage(msg))
		}
	case "RECONNECT":
		// Server asks clients to reconnect soon; treat like an abnormal
		// close and let the backoff discipline reconnect.
		slog.Info("irc server requested reconnect", slog.String("component", "irc"))
		_ = conn.Close()
	default:
		// Other numerics and membership messages are uninteresting here.
	}
}

func isLoginFailure(notice string) bool {
	n := strings.ToLower(notice)
	return strings.Contains(n, "login authentication failed") ||
		strings.Contains(n, "login unsuccessful") ||
		strings.Contains(n, "improperly formatted auth")
}

func decodeChatMessage(msg Message) ChatMessage {
	cm := ChatMessage{
		Channel:     strings.TrimPrefix(msg.Params[0], "#"),
		Text:        msg.Trailing(),
		Username:    msg.Nick(),
		DisplayName: msg.Tags["display-name"],
		UserID:      msg.Tags["user-id"],
		Color:       msg.Tags["color"],
		SentAt:      time.Now().UTC(),
	}
	if ms, err := strconv.ParseInt(msg.Tags["tmi-sent-ts"], 10, 64); err == nil {
		cm.SentAt = time.UnixMilli(ms).UTC()
	}
	if raw := msg.Tags["badges"]; raw != "" {
		cm.Badges = make(map[string]string)
		for _, b := range strings.Split(raw, ",") {
			if name, version, ok := strings.Cut(b, "/"); ok {
				cm.Badges[name] = version
			}
		}
	}
	if raw := msg.Tags["emotes"]; raw != "" {
		for _, e := range strings.Split(raw, "/") {
			if id, _, ok := strings.Cut(e, ":"); ok && id != "" {
				cm.Emotes = append(cm.Emotes, id)
			}
		}
	}
	return cm
}

// handleClose runs when the read loop exits. Clean closes and explicit
// disconnects stop here; anything else follows the backoff discipline.
func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	// A stale read loop from an already-replaced socket must not disturb
	// the current connection's state.
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.authenticated = false
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
		ready <- fmt.Errorf("irc connection closed during handshake: %w", err)
	}
	if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	slog.Warn("irc connection lost", slog.Any("err", err), slog.String("component", "irc"))
	c.sup.ScheduleReconnect()
}

// Disconnect closes the connection with a normal close code, cancels any
// pending reconnect, and resets channel state. Idempotent.
func (c *Client) Disconnect() {
	c.sup.CancelPending()

	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.authenticated = false
	c.channels = make(map[string]struct{})
	c.mu.Unlock()

	if conn != nil {
		c.sup.SetState(reconnect.Disconnecting)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.sup.SetState(reconnect.Disconnected)
}

func (c *Client) teardown(code int, reason string) {
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

// Join enters a channel. Channel names normalize to a single leading '#'.
// A no-op with a warning when not authenticated.
func (c *Client) Join(channel string) {
	channel = NormalizeChannel(channel)
	c.mu.Lock()
	conn, ok := c.conn, c.authenticated
	if ok {
		c.channels[channel] = struct{}{}
	}
	c.mu.Unlock()
	if !ok {
		slog.Warn("irc join ignored: not connected", slog.String("channel", channel), slog.String("component", "irc"))
		return
	}
	if err := c.sendRaw(conn, "JOIN "+channel); err != nil {
		slog.Warn("irc join failed", slog.String("channel", channel), slog.Any("err", err))
	}
}

// Leave parts from a channel. A no-op with a warning when not authenticated.
func (c *Client) Leave(channel string) {
	channel = NormalizeChannel(channel)
	c.mu.Lock()
	conn, ok := c.conn, c.authenticated
	delete(c.channels, channel)
	c.mu.Unlock()
	if !ok {
		slog.Warn("irc part ignored: not connected", slog.String("channel", channel), slog.String("component", "irc"))
		return
	}
	if err := c.sendRaw(conn, "PART "+channel); err != nil {
		slog.Warn("irc part failed", slog.String("channel", channel), slog.Any("err", err))
	}
}

// Say sends a chat message. A no-op with a warning when not authenticated.
func (c *Client) Say(channel, text string) {
	channel = NormalizeChannel(channel)
	c.mu.Lock()
	conn, ok := c.conn, c.authenticated
	c.mu.Unlock()
	if !ok {
		slog.Warn("irc privmsg ignored: not connected", slog.String("channel", channel), slog.String("component", "irc"))
		return
	}
	if err := c.sendRaw(conn, "PRIVMSG "+channel+" :"+text); err != nil {
		slog.Warn("irc privmsg failed", slog.String("channel", channel), slog.Any("err", err))
	}
}

// Channels returns the channels the client believes it has joined.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// NormalizeChannel lowercases and ensures exactly one leading '#'.
func NormalizeChannel(channel string) string {
	return "#" + strings.TrimLeft(strings.ToLower(strings.TrimSpace(channel)), "#")
}

func (c *Client) sendRaw(conn *websocket.Conn, line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if conn == nil {
		return fmt.Errorf("irc: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}
