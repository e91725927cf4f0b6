package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/kickapi"
	"github.com/onnwee/streambridge/kickpubsub"
	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/reconnect"
)

// KickStrategy composes the token manager with the pub/sub client and the
// channel REST caller. The pub/sub feed itself is unauthenticated; the
// manager covers the authorized REST surface.
type KickStrategy struct {
	Manager  *oauth.Manager
	Channels *kickapi.ChannelClient
	PubSub   *kickpubsub.Client

	slug   string
	events chan Event
}

// NewKickStrategy wires the Kick clients around one token manager.
func NewKickStrategy(cfg *config.Config, mgr *oauth.Manager, policy reconnect.Policy) *KickStrategy {
	s := &KickStrategy{
		Manager:  mgr,
		Channels: kickapi.NewChannelClient(),
		slug:     cfg.KickChannel,
		events:   make(chan Event, eventBufferSize),
	}
	s.PubSub = kickpubsub.NewClient(policy)
	s.PubSub.Region = cfg.KickRegion
	s.PubSub.AutoDetectRegion = cfg.KickAutoRegion

	s.PubSub.OnChatEvent = func(pe kickpubsub.Event) {
		if !strings.Contains(pe.Event, "ChatMessage") {
			return
		}
		msg, err := parseKickChat(pe.Data)
		if err != nil {
			return
		}
		ev := newEvent("kick", EventChatMessage)
		ev.Channel = s.slug
		ev.Username = msg.Sender.Username
		ev.Text = msg.Content
		ev.Raw = pe
		if !msg.CreatedAt.IsZero() {
			ev.At = msg.CreatedAt
		}
		emit(s.events, ev)
	}
	s.PubSub.OnChannelEvent = func(pe kickpubsub.Event) {
		ev := newEvent("kick", normalizeKickChannelEvent(pe.Event))
		ev.Channel = s.slug
		ev.Raw = pe
		emit(s.events, ev)
	}
	s.PubSub.OnStateChange = func(st reconnect.State) {
		ev := newEvent("kick", EventConnectionState)
		ev.Channel = "pubsub"
		ev.Text = st.String()
		emit(s.events, ev)
	}
	s.PubSub.OnError = func(err error) {
		ev := newEvent("kick", EventError)
		ev.Channel = "pubsub"
		ev.Text = err.Error()
		ev.Raw = err
		emit(s.events, ev)
	}
	return s
}

// kickChatMessage is the subset of the chat event payload the daemon uses.
type kickChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Sender    struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"sender"`
}

func parseKickChat(data string) (*kickChatMessage, error) {
	var msg kickChatMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("parse kick chat payload: %w", err)
	}
	return &msg, nil
}

// normalizeKickChannelEvent maps Kick channel events onto the normalized
// taxonomy.
func normalizeKickChannelEvent(event string) EventType {
	switch {
	case strings.Contains(event, "StreamerIsLive"):
		return EventStreamOnline
	case strings.Contains(event, "StopStreamBroadcast"):
		return EventStreamOffline
	default:
		return EventNotification
	}
}

func (s *KickStrategy) Name() string { return "kick" }

// Events returns the normalized event stream.
func (s *KickStrategy) Events() <-chan Event { return s.events }

// Start resolves the channel's pub/sub identifiers and subscribes to its
// channel and chatroom feeds.
func (s *KickStrategy) Start(ctx context.Context) error {
	if s.slug == "" {
		return fmt.Errorf("kick strategy: KICK_CHANNEL must be set")
	}
	ch, err := s.Channels.GetChannel(ctx, s.slug)
	if err != nil {
		return fmt.Errorf("kick strategy resolve channel: %w", err)
	}
	if err := s.PubSub.Connect(ctx); err != nil {
		return fmt.Errorf("kick strategy pubsub: %w", err)
	}
	if err := s.PubSub.SubscribeToChannel(ctx, ch.ChannelID()); err != nil {
		return fmt.Errorf("kick strategy: %w", err)
	}
	if err := s.PubSub.SubscribeToChat(ctx, ch.ChatroomIDString()); err != nil {
		return fmt.Errorf("kick strategy: %w", err)
	}
	return nil
}

// Stop disconnects the pub/sub client. Idempotent.
func (s *KickStrategy) Stop() { s.PubSub.Disconnect() }
