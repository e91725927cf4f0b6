package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/youtubeapi"
)

// YouTubeStrategy keeps the YouTube tokens fresh and resolves the active
// broadcast's live chat id. YouTube has no push transport here; consumers
// poll the chat id this strategy surfaces.
type YouTubeStrategy struct {
	Manager  *oauth.Manager
	Username string

	// LookupLiveChat is swappable in tests; defaults to youtubeapi.LiveChatID.
	LookupLiveChat func(ctx context.Context, src oauth2.TokenSource) (string, error)

	mu     sync.Mutex
	chatID string
	events chan Event
}

// NewYouTubeStrategy wires the strategy around one token manager.
func NewYouTubeStrategy(cfg *config.Config, mgr *oauth.Manager) *YouTubeStrategy {
	return &YouTubeStrategy{
		Manager:  mgr,
		Username: cfg.YTUsername,
		LookupLiveChat: func(ctx context.Context, src oauth2.TokenSource) (string, error) {
			return youtubeapi.LiveChatID(ctx, src)
		},
		events: make(chan Event, eventBufferSize),
	}
}

func (s *YouTubeStrategy) Name() string { return "youtube" }

// Events returns the normalized event stream.
func (s *YouTubeStrategy) Events() <-chan Event { return s.events }

// LiveChatID returns the last resolved live chat id, if any.
func (s *YouTubeStrategy) LiveChatID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID, s.chatID != ""
}

// Start verifies stored credentials and resolves the live chat id. A missing
// token fails Start; a merely offline channel does not.
func (s *YouTubeStrategy) Start(ctx context.Context) error {
	if _, err := s.Manager.AccessToken(ctx, s.Username); err != nil {
		return fmt.Errorf("youtube strategy: %w", err)
	}
	src := youtubeapi.NewManagerTokenSource(ctx, s.Manager, s.Username)
	id, err := s.LookupLiveChat(ctx, src)
	if err != nil {
		slog.Warn("youtube live chat lookup failed",
			slog.Any("err", err),
			slog.String("component", "platform"))
		ev := newEvent("youtube", EventError)
		ev.Text = err.Error()
		emit(s.events, ev)
		return nil
	}
	s.mu.Lock()
	s.chatID = id
	s.mu.Unlock()

	ev := newEvent("youtube", EventStreamOnline)
	ev.Text = id
	emit(s.events, ev)
	return nil
}

// Stop is a no-op; the strategy holds no live connection.
func (s *YouTubeStrategy) Stop() {}
