package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/eventsub"
	"github.com/onnwee/streambridge/irc"
	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/reconnect"
	"github.com/onnwee/streambridge/twitchapi"
)

// eventSubSubscriptions are registered against every new EventSub session.
var eventSubSubscriptions = []struct {
	Type    string
	Version string
}{
	{"stream.online", "1"},
	{"stream.offline", "1"},
}

// TwitchStrategy composes the token manager with the IRC chat client, the
// EventSub push client, and the Helix REST caller.
type TwitchStrategy struct {
	Manager  *oauth.Manager
	Helix    *twitchapi.HelixClient
	IRC      *irc.Client
	EventSub *eventsub.Client

	botUsername string
	channel     string
	events      chan Event

	broadcasterID string
}

// NewTwitchStrategy wires the Twitch clients around one token manager. The
// bot's own username keys the token store; channel is the chat/broadcast to
// follow.
func NewTwitchStrategy(cfg *config.Config, mgr *oauth.Manager, policy reconnect.Policy) *TwitchStrategy {
	s := &TwitchStrategy{
		Manager:     mgr,
		botUsername: cfg.TwitchBotUsername,
		channel:     cfg.TwitchChannel,
		events:      make(chan Event, eventBufferSize),
	}
	token := func(ctx context.Context) (string, error) {
		ts, err := mgr.AccessToken(ctx, s.botUsername)
		if err != nil {
			return "", err
		}
		return ts.AccessToken, nil
	}
	s.Helix = twitchapi.NewHelixClient(cfg.TwitchClientID, token)

	s.IRC = irc.NewClient(s.botUsername, token, policy)
	s.IRC.OnChatMessage = func(m irc.ChatMessage) {
		ev := newEvent("twitch", EventChatMessage)
		ev.Channel = m.Channel
		ev.Username = m.Username
		ev.Text = m.Text
		ev.Raw = m
		if !m.SentAt.IsZero() {
			ev.At = m.SentAt
		}
		emit(s.events, ev)
	}
	s.IRC.OnStateChange = s.stateEmitter("irc")
	s.IRC.OnError = s.errorEmitter("irc")

	s.EventSub = eventsub.NewClient(policy)
	s.EventSub.OnWelcome = func(sess eventsub.Session) {
		go s.registerSubscriptions(context.Background(), sess.ID)
	}
	s.EventSub.OnNotification = func(meta eventsub.Metadata, n eventsub.Notification) {
		ev := newEvent("twitch", normalizeEventSubType(n.Subscription.Type))
		ev.Channel = s.channel
		ev.Raw = n
		if !meta.MessageTimestamp.IsZero() {
			ev.At = meta.MessageTimestamp
		}
		emit(s.events, ev)
	}
	s.EventSub.OnRevocation = func(_ eventsub.Metadata, sub eventsub.Subscription) {
		ev := newEvent("twitch", EventRevocation)
		ev.Text = sub.Type
		ev.Raw = sub
		emit(s.events, ev)
	}
	s.EventSub.OnStateChange = s.stateEmitter("eventsub")
	s.EventSub.OnError = s.errorEmitter("eventsub")
	return s
}

// normalizeEventSubType maps EventSub subscription types onto the normalized
// event taxonomy, passing unknown types through as generic notifications.
func normalizeEventSubType(subType string) EventType {
	switch subType {
	case "stream.online":
		return EventStreamOnline
	case "stream.offline":
		return EventStreamOffline
	default:
		return EventNotification
	}
}

func (s *TwitchStrategy) Name() string { return "twitch" }

// Events returns the normalized event stream.
func (s *TwitchStrategy) Events() <-chan Event { return s.events }

// Start connects chat and push transports. A missing stored token fails fast
// with the oauth sentinel so the operator knows to run the auth flow.
func (s *TwitchStrategy) Start(ctx context.Context) error {
	if s.botUsername == "" || s.channel == "" {
		return fmt.Errorf("twitch strategy: TWITCH_BOT_USERNAME and TWITCH_CHANNEL must be set")
	}
	if _, err := s.Manager.AccessToken(ctx, s.botUsername); err != nil {
		return fmt.Errorf("twitch strategy: %w", err)
	}

	user, err := s.Helix.GetUser(ctx, s.channel)
	if err != nil {
		return fmt.Errorf("twitch strategy resolve channel: %w", err)
	}
	s.broadcasterID = user.ID

	if err := s.IRC.Connect(ctx); err != nil {
		return fmt.Errorf("twitch strategy chat: %w", err)
	}
	s.IRC.Join(s.channel)

	if err := s.EventSub.Connect(ctx); err != nil {
		s.IRC.Disconnect()
		return fmt.Errorf("twitch strategy eventsub: %w", err)
	}
	return nil
}

// registerSubscriptions binds the standard subscription set to a session.
// Runs once per welcome, including after session migrations.
func (s *TwitchStrategy) registerSubscriptions(ctx context.Context, sessionID string) {
	if s.broadcasterID == "" {
		return
	}
	condition := map[string]string{"broadcaster_user_id": s.broadcasterID}
	for _, spec := range eventSubSubscriptions {
		sub, err := s.Helix.CreateEventSubSubscription(ctx, spec.Type, spec.Version, condition, sessionID)
		if err != nil {
			slog.Error("eventsub subscription failed",
				slog.String("type", spec.Type),
				slog.Any("err", err),
				slog.String("component", "platform"))
			continue
		}
		slog.Info("eventsub subscription created",
			slog.String("type", sub.Type),
			slog.String("subscription_id", sub.ID),
			slog.String("component", "platform"))
	}
}

// Stop disconnects both transports. Idempotent.
func (s *TwitchStrategy) Stop() {
	s.IRC.Disconnect()
	s.EventSub.Disconnect()
}

func (s *TwitchStrategy) stateEmitter(transport string) func(reconnect.State) {
	return func(st reconnect.State) {
		ev := newEvent("twitch", EventConnectionState)
		ev.Channel = transport
		ev.Text = st.String()
		emit(s.events, ev)
	}
}

func (s *TwitchStrategy) errorEmitter(transport string) func(error) {
	return func(err error) {
		ev := newEvent("twitch", EventError)
		ev.Channel = transport
		ev.Text = err.Error()
		ev.Raw = err
		emit(s.events, ev)
	}
}
