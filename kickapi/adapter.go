// Package kickapi implements the Kick side of the OAuth flow (PKCE code
// exchange and refresh against id.kick.com) and a small REST caller for
// channel/chatroom resolution.
package kickapi

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
	DefaultAuthBaseURL = "https://id.kick.com/oauth/authorize"
	// DefaultTokenURL is the code-exchange and refresh endpoint.
	DefaultTokenURL = "https://id.kick.com/oauth/token"
)

// Adapter implements oauth.PlatformAdapter for Kick. Kick is a public client:
// there is no client secret, the authorization code is bound to a PKCE
// verifier instead.
type Adapter struct {
	Creds      *config.Credentials
	AuthURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// NewAdapter builds a Kick adapter from validated credentials.
func NewAdapter(creds *config.Credentials) *Adapter {
	return &Adapter{
		Creds:    creds,
		AuthURL:  DefaultAuthBaseURL,
		TokenURL: DefaultTokenURL,
	}
}

func (a *Adapter) Name() string        { return "kick" }
func (a *Adapter) AuthBaseURL() string { return a.AuthURL }
func (a *Adapter) ClientID() string    { return a.Creds.ClientID }
func (a *Adapter) RedirectURI() string { return a.Creds.RedirectURI }
func (a *Adapter) Scopes() []string    { return config.ScopeList(a.Creds.Scopes) }
func (a *Adapter) UsesPKCE() bool      { return true }

func (a *Adapter) http() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return http.DefaultClient
}

// ExchangeCode trades an authorization code plus its PKCE verifier for tokens.
func (a *Adapter) ExchangeCode(ctx context.Context, code, verifier string) (*oauth.TokenExchange, error) {
	if code == "" {
		return nil, fmt.Errorf("kick code exchange: empty code")
	}
	if verifier == "" {
		return nil, fmt.Errorf("kick code exchange: missing pkce verifier")
	}
	form := url.Values{}
	form.Set("client_id", a.Creds.ClientID)
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", a.Creds.RedirectURI)
	return a.postToken(ctx, form)
}

// Refresh trades a refresh token for a new token pair.
func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenExchange, error) {
	if refreshToken == "" {
		return nil, &oauth.RefreshError{Err: fmt.Errorf("empty refresh token")}
	}
	form := url.Values{}
	form.Set("client_id", a.Creds.ClientID)
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

type providerError struct {
	Status  int
	Code    string
	Message string
}

func (e *providerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("kick token endpoint %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("kick token endpoint %d: %s", e.Status, e.Message)
}

func (a *Adapter) postToken(ctx context.Context, form url.Values) (*oauth.TokenExchange, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("kick token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kick token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var pe struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
			Message          string `json:"message"`
		}
		_ = json.Unmarshal(body, &pe)
		msg := pe.ErrorDescription
		if msg == "" {
			msg = pe.Message
		}
		return nil, &providerError{Status: resp.StatusCode, Code: pe.Error, Message: msg}
	}
	return oauth.ParseTokenResponse(body)
}
