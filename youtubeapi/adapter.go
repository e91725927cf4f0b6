// Package youtubeapi implements the YouTube side of the OAuth flow on top of
// golang.org/x/oauth2 with the Google endpoint, plus a thin YouTube Data API
// caller for resolving the active broadcast's live chat id.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/oauth"
)

// Adapter implements oauth.PlatformAdapter for YouTube, delegating the token
// endpoint mechanics to x/oauth2.
type Adapter struct {
	Creds  *config.Credentials
	Config *oauth2.Config
}

// NewAdapter builds a YouTube adapter from validated credentials.
func NewAdapter(creds *config.Credentials) *Adapter {
	return &Adapter{
		Creds: creds,
		Config: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Scopes:       config.ScopeList(creds.Scopes),
			Endpoint:     google.Endpoint,
		},
	}
}

func (a *Adapter) Name() string        { return "youtube" }
func (a *Adapter) AuthBaseURL() string { return a.Config.Endpoint.AuthURL }
func (a *Adapter) ClientID() string    { return a.Creds.ClientID }
func (a *Adapter) RedirectURI() string { return a.Creds.RedirectURI }
func (a *Adapter) Scopes() []string    { return a.Config.Scopes }
func (a *Adapter) UsesPKCE() bool      { return false }

// ExtraAuthParams asks Google for offline access so a refresh token is
// issued, and forces the consent screen so re-authorization re-issues one.
func (a *Adapter) ExtraAuthParams() url.Values {
	v := url.Values{}
	v.Set("access_type", "offline")
	v.Set("prompt", "consent")
	return v
}

// ExchangeCode trades an authorization code for tokens.
func (a *Adapter) ExchangeCode(ctx context.Context, code, _ string) (*oauth.TokenExchange, error) {
	if code == "" {
		return nil, fmt.Errorf("youtube code exchange: empty code")
	}
	tok, err := a.Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("youtube code exchange: %w", err)
	}
	return a.toExchange(tok), nil
}

// Refresh trades a refresh token for a new access token via the oauth2 token
// source machinery.
func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenExchange, error) {
	if refreshToken == "" {
		return nil, &oauth.RefreshError{Err: fmt.Errorf("empty refresh token")}
	}
	src := a.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, &oauth.RefreshError{Code: re.ErrorCode, Err: err}
		}
		return nil, &oauth.RefreshError{Err: err}
	}
	return a.toExchange(tok), nil
}

func (a *Adapter) toExchange(tok *oauth2.Token) *oauth.TokenExchange {
	var expiresIn int64
	if !tok.Expiry.IsZero() {
		expiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return &oauth.TokenExchange{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
		Scopes:       a.Config.Scopes,
	}
}
