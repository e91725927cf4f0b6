// Package twitchapi implements the Twitch side of the OAuth flow (code
// exchange and refresh against id.twitch.tv) and a minimal Helix REST client
// for user resolution and EventSub subscription management.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/oauth"
)

const (
	// DefaultAuthBaseURL is the user authorization endpoint.
	DefaultAuthBaseURL = "https://id.twitch.tv/oauth2/authorize"
	// DefaultTokenURL is the code-exchange and refresh endpoint.
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"
)

// Adapter implements oauth.PlatformAdapter for Twitch. Twitch uses a client
// secret rather than PKCE for confidential clients.
type Adapter struct {
	Creds      *config.Credentials
	AuthURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// NewAdapter builds a Twitch adapter from validated credentials.
func NewAdapter(creds *config.Credentials) *Adapter {
	return &Adapter{
		Creds:    creds,
		AuthURL:  DefaultAuthBaseURL,
		TokenURL: DefaultTokenURL,
	}
}

func (a *Adapter) Name() string        { return "twitch" }
func (a *Adapter) AuthBaseURL() string { return a.AuthURL }
func (a *Adapter) ClientID() string    { return a.Creds.ClientID }
func (a *Adapter) RedirectURI() string { return a.Creds.RedirectURI }
func (a *Adapter) Scopes() []string    { return config.ScopeList(a.Creds.Scopes) }
func (a *Adapter) UsesPKCE() bool      { return false }

func (a *Adapter) http() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return http.DefaultClient
}

// ExchangeCode trades an authorization code for tokens.
func (a *Adapter) ExchangeCode(ctx context.Context, code, _ string) (*oauth.TokenExchange, error) {
	if code == "" {
		return nil, fmt.Errorf("twitch code exchange: empty code")
	}
	form := url.Values{}
	form.Set("client_id", a.Creds.ClientID)
	form.Set("client_secret", a.Creds.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", a.Creds.RedirectURI)
	return a.postToken(ctx, form)
}

// Refresh trades a refresh token for a new token pair. Provider error codes
// (invalid_grant etc.) surface through *oauth.RefreshError.
func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenExchange, error) {
	if refreshToken == "" {
		return nil, &oauth.RefreshError{Err: fmt.Errorf("empty refresh token")}
	}
	form := url.Values{}
	form.Set("client_id", a.Creds.ClientID)
	form.Set("client_secret", a.Creds.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	ex, err := a.postToken(ctx, form)
	if err != nil {
		if pe, ok := err.(*providerError); ok {
			return nil, &oauth.RefreshError{Code: pe.Code, Err: err}
		}
		return nil, &oauth.RefreshError{Err: err}
	}
	return ex, nil
}

// providerError is a non-200 response from the token endpoint.
type providerError struct {
	Status  int
	Code    string
	Message string
}

func (e *providerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("twitch token endpoint %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("twitch token endpoint %d: %s", e.Status, e.Message)
}

func (a *Adapter) postToken(ctx context.Context, form url.Values) (*oauth.TokenExchange, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitch token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("twitch token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var pe struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &pe)
		return nil, &providerError{Status: resp.StatusCode, Code: pe.Error, Message: pe.Message}
	}
	return oauth.ParseTokenResponse(body)
}
