package kickapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultChannelBaseURL is the channel metadata API root.
const DefaultChannelBaseURL = "https://kick.com/api/v2"

// Channel is the slice of channel metadata the daemon needs: the numeric ids
// that name the pub/sub channels.
type Channel struct {
	ID         int64
	UserID     int64
	ChatroomID int64
	Slug       string
}

// ChannelClient resolves channel slugs to their pub/sub identifiers.
type ChannelClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewChannelClient builds a channel client against the default API root.
func NewChannelClient() *ChannelClient {
	return &ChannelClient{BaseURL: DefaultChannelBaseURL}
}

func (cc *ChannelClient) http() *http.Client {
	if cc.HTTPClient != nil {
		return cc.HTTPClient
	}
	return http.DefaultClient
}

// GetChannel fetches a channel by its slug.
func (cc *ChannelClient) GetChannel(ctx context.Context, slug string) (*Channel, error) {
	if slug == "" {
		return nil, fmt.Errorf("kick get channel: slug empty")
	}
	base := cc.BaseURL
	if base == "" {
		base = DefaultChannelBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/channels/"+url.PathEscape(slug), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := cc.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("kick get channel %s: %w", slug, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("kick get channel: %q not found", slug)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("kick get channel %s: %s: %s", slug, resp.Status, string(b))
	}
	var body struct {
		ID       int64  `json:"id"`
		UserID   int64  `json:"user_id"`
		Slug     string `json:"slug"`
		Chatroom struct {
			ID int64 `json:"id"`
		} `json:"chatroom"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("kick get channel decode: %w", err)
	}
	return &Channel{
		ID:         body.ID,
		UserID:     body.UserID,
		ChatroomID: body.Chatroom.ID,
		Slug:       body.Slug,
	}, nil
}

// ChannelID renders the numeric channel id for pub/sub naming.
func (c *Channel) ChannelID() string { return strconv.FormatInt(c.ID, 10) }

// ChatroomIDString renders the numeric chatroom id for pub/sub naming.
func (c *Channel) ChatroomIDString() string { return strconv.FormatInt(c.ChatroomID, 10) }
