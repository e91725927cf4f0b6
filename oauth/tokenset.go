package oauth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultRefreshBuffer is subtracted from expiry to get the refresh point.
const DefaultRefreshBuffer = 5 * time.Minute

// DefaultTokenLifetime is assumed when a provider omits expires_in.
const DefaultTokenLifetime = 60 * time.Minute

// TokenSet is one user's credentials for one platform. Token sets are
// immutable: a refresh produces a new value, it never mutates the old one.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshAt    time.Time `json:"refresh_at"`
	Scopes       []string  `json:"scope"`
}

// NewTokenSet builds a token set from a normalized provider response.
// RefreshAt is always ExpiresAt minus the buffer, so it can never trail
// expiry. Timestamps are truncated to millisecond precision so the value
// survives serialization unchanged.
func NewTokenSet(ex *TokenExchange, now time.Time, buffer time.Duration) TokenSet {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	lifetime := time.Duration(ex.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	expiresAt, refreshAt := RefreshTimes(now.Add(lifetime), buffer)
	return TokenSet{
		AccessToken:  ex.AccessToken,
		RefreshToken: ex.RefreshToken,
		ExpiresAt:    expiresAt,
		RefreshAt:    refreshAt,
		Scopes:       ex.Scopes,
	}
}

// RefreshTimes derives the (expiry, refresh) pair for a given expiry and
// safety buffer, at millisecond precision.
func RefreshTimes(expiresAt time.Time, buffer time.Duration) (time.Time, time.Time) {
	expiresAt = expiresAt.UTC().Truncate(time.Millisecond)
	return expiresAt, expiresAt.Add(-buffer)
}

// NeedsRefresh reports whether the access token is due for refresh at t.
func (ts TokenSet) NeedsRefresh(t time.Time) bool {
	return !t.Before(ts.RefreshAt)
}

// Serialize encodes the token set for opaque storage.
func (ts TokenSet) Serialize() (string, error) {
	b, err := json.Marshal(ts)
	if err != nil {
		return "", fmt.Errorf("serialize token set: %w", err)
	}
	return string(b), nil
}

// DeserializeTokenSet reverses Serialize.
func DeserializeTokenSet(s string) (TokenSet, error) {
	var ts TokenSet
	if err := json.Unmarshal([]byte(s), &ts); err != nil {
		return TokenSet{}, fmt.Errorf("deserialize token set: %w", err)
	}
	return ts, nil
}

// TokenExchange is a normalized provider token response. Providers disagree
// on wire types: expires_in arrives as a number or a string, scope as an
// array or a space-delimited string. ParseTokenResponse absorbs both.
type TokenExchange struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scopes       []string
}

type rawTokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    json.RawMessage `json:"expires_in"`
	Scope        json.RawMessage `json:"scope"`
	TokenType    string          `json:"token_type"`
}

// ParseTokenResponse decodes a provider token endpoint body into a
// normalized TokenExchange.
func ParseTokenResponse(body []byte) (*TokenExchange, error) {
	var raw rawTokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if raw.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	ex := &TokenExchange{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
	}
	var err error
	if ex.ExpiresIn, err = parseExpiresIn(raw.ExpiresIn); err != nil {
		return nil, err
	}
	if ex.Scopes, err = parseScope(raw.Scope); err != nil {
		return nil, err
	}
	return ex, nil
}

func parseExpiresIn(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expires_in %q is not numeric", s)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expires_in has unexpected type: %s", string(raw))
}

func parseScope(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.Fields(s), nil
	}
	return nil, fmt.Errorf("scope has unexpected type: %s", string(raw))
}
