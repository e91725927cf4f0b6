package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DefaultHelixBaseURL is the Helix REST API root.
const DefaultHelixBaseURL = "https://api.twitch.tv/helix"

// TokenFunc supplies a current user access token for Helix calls.
type TokenFunc func(ctx context.Context) (string, error)

// HelixClient provides the minimal Helix surface the daemon needs: resolving
// logins to user ids and managing websocket EventSub subscriptions.
type HelixClient struct {
	ClientID   string
	Token      TokenFunc
	BaseURL    string
	HTTPClient *http.Client
}

// NewHelixClient builds a Helix client using the given token source.
func NewHelixClient(clientID string, token TokenFunc) *HelixClient {
	return &HelixClient{ClientID: clientID, Token: token, BaseURL: DefaultHelixBaseURL}
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// User is one Helix users record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUser resolves a login name to its user record.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("helix get user: login empty")
	}
	req, err := hc.newRequest(ctx, http.MethodGet, "/users", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()

	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(req, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("helix get user: %q not found", login)
	}
	return &body.Data[0], nil
}

// EventSubSubscription is the created subscription record.
type EventSubSubscription struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// CreateEventSubSubscription registers a websocket-transport subscription
// bound to the given session.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, subType, version string, condition map[string]string, sessionID string) (*EventSubSubscription, error) {
	payload := map[string]any{
		"type":      subType,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := hc.newRequest(ctx, http.MethodPost, "/eventsub/subscriptions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var body struct {
		Data []EventSubSubscription `json:"data"`
	}
	if err := hc.do(req, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("helix create subscription: empty response")
	}
	return &body.Data[0], nil
}

// DeleteEventSubSubscription removes a subscription by id.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, id string) error {
	req, err := hc.newRequest(ctx, http.MethodDelete, "/eventsub/subscriptions", nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("id", id)
	req.URL.RawQuery = q.Encode()
	return hc.do(req, nil)
}

func (hc *HelixClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	tok, err := hc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("helix token: %w", err)
	}
	base := hc.BaseURL
	if base == "" {
		base = DefaultHelixBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

func (hc *HelixClient) do(req *http.Request, out any) error {
	resp, err := hc.http().Do(req)
	if err != nil {
		return fmt.Errorf("helix request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("helix %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("helix decode %s: %w", req.URL.Path, err)
	}
	return nil
}
