package youtubeapi

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/streambridge/oauth"
)

// ManagerTokenSource bridges the token lifecycle manager into an
// oauth2.TokenSource for the Google API client. Refresh stays single-flight
// inside the manager; the oauth2 layer just consumes whatever it returns.
type ManagerTokenSource struct {
	Manager  *oauth.Manager
	Username string
	ctx      context.Context
}

// NewManagerTokenSource wraps a manager for one user.
func NewManagerTokenSource(ctx context.Context, m *oauth.Manager, username string) *ManagerTokenSource {
	return &ManagerTokenSource{Manager: m, Username: username, ctx: ctx}
}

func (s *ManagerTokenSource) Token() (*oauth2.Token, error) {
	ts, err := s.Manager.AccessToken(s.ctx, s.Username)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: ts.AccessToken, Expiry: ts.ExpiresAt}, nil
}

// LiveChatID resolves the live chat id of the user's currently active
// broadcast via the YouTube Data API.
func LiveChatID(ctx context.Context, src oauth2.TokenSource, opts ...option.ClientOption) (string, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(src)}, opts...)
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("youtube service: %w", err)
	}
	resp, err := svc.LiveBroadcasts.List([]string{"snippet"}).
		BroadcastStatus("active").
		BroadcastType("all").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("youtube list broadcasts: %w", err)
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("youtube: no active broadcast")
	}
	id := resp.Items[0].Snippet.LiveChatId
	if id == "" {
		return "", fmt.Errorf("youtube: active broadcast has no live chat")
	}
	return id, nil
}
