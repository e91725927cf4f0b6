// Package oauth implements the shared OAuth2 authorization-code token
// lifecycle: authorization URL construction (with optional PKCE), callback
// handling, persistence through a token store, and single-flight refresh on
// demand. Platform specifics are injected through PlatformAdapter.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streambridge/telemetry"
	"github.com/onnwee/streambridge/tokenstore"
)

// storeService namespaces all token entries inside the token store.
const storeService = "oauth"

// PlatformAdapter supplies the platform-specific half of the flow. The
// generic sequencing (URL building, verifier bookkeeping, refresh policy,
// persistence) lives in Manager and is implemented once.
type PlatformAdapter interface {
	// Name is the platform key used in storage and logs (e.g. "twitch").
	Name() string
	// AuthBaseURL is the user authorization endpoint.
	AuthBaseURL() string
	ClientID() string
	RedirectURI() string
	Scopes() []string
	// UsesPKCE reports whether the platform requires a code challenge.
	UsesPKCE() bool
	// ExchangeCode trades an authorization code (plus the PKCE verifier
	// when the platform uses one) for tokens.
	ExchangeCode(ctx context.Context, code, verifier string) (*TokenExchange, error)
	// Refresh trades a refresh token for a new token pair. Implementations
	// should return *RefreshError so callers can see provider error codes.
	Refresh(ctx context.Context, refreshToken string) (*TokenExchange, error)
}

// Manager drives the token lifecycle for one platform. One mutex guards the
// whole read-check-refresh-write sequence: concurrent AccessToken callers
// during a refresh window collapse into a single provider refresh. The lock
// must not be narrowed to the individual store calls; providers rotate
// refresh tokens, and two racing refreshes would invalidate each other.
type Manager struct {
	adapter PlatformAdapter
	store   tokenstore.Store
	pkce    *PKCEManager
	buffer  time.Duration
	now     func() time.Time

	mu sync.Mutex
}

// NewManager wires an adapter to a token store. buffer <= 0 uses
// DefaultRefreshBuffer. The PKCE manager is created unconditionally but is
// only consulted for platforms whose adapter reports UsesPKCE.
func NewManager(adapter PlatformAdapter, store tokenstore.Store, buffer time.Duration) *Manager {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	return &Manager{
		adapter: adapter,
		store:   store,
		pkce:    NewPKCEManager(DefaultVerifierTTL),
		buffer:  buffer,
		now:     time.Now,
	}
}

// PKCE exposes the verifier store, mainly so main can start its sweeper.
func (m *Manager) PKCE() *PKCEManager { return m.pkce }

// Platform returns the adapter's platform name.
func (m *Manager) Platform() string { return m.adapter.Name() }

func (m *Manager) storeAccount(username string) string {
	return m.adapter.Name() + ":" + username
}

// NewState generates a 256-bit URL-safe random oauth state.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// AuthorizationURL builds the authorization-code URL. When state is empty a
// fresh random state is generated; the used state is returned alongside the
// URL. For PKCE platforms a verifier is generated, stored under the state,
// and the derived S256 challenge appended to the URL.
func (m *Manager) AuthorizationURL(state string) (string, string, error) {
	if state == "" {
		var err error
		if state, err = NewState(); err != nil {
			return "", "", err
		}
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", m.adapter.ClientID())
	v.Set("redirect_uri", m.adapter.RedirectURI())
	if scopes := m.adapter.Scopes(); len(scopes) > 0 {
		v.Set("scope", strings.Join(scopes, " "))
	}
	v.Set("state", state)

	if m.adapter.UsesPKCE() {
		verifier, err := NewVerifier(DefaultVerifierLength)
		if err != nil {
			return "", "", err
		}
		m.pkce.Store(state, verifier)
		v.Set("code_challenge", Challenge(verifier))
		v.Set("code_challenge_method", "S256")
	}

	// Some providers need extra authorization parameters (e.g. Google's
	// access_type=offline to issue a refresh token).
	if ep, ok := m.adapter.(interface{ ExtraAuthParams() url.Values }); ok {
		for k, vals := range ep.ExtraAuthParams() {
			for _, val := range vals {
				v.Set(k, val)
			}
		}
	}

	return m.adapter.AuthBaseURL() + "?" + v.Encode(), state, nil
}

// HandleCallback completes the authorization-code flow for a user: exchanges
// the code (consuming the stored PKCE verifier exactly once when the
// platform uses PKCE), builds the token set, and persists it.
func (m *Manager) HandleCallback(ctx context.Context, code, state, username string) (TokenSet, error) {
	verifier := ""
	if m.adapter.UsesPKCE() {
		if state == "" {
			return TokenSet{}, ErrMissingState
		}
		var ok bool
		verifier, ok = m.pkce.Get(state)
		if !ok {
			return TokenSet{}, ErrVerifierExpired
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "oauth", "oauth.exchange")
	defer span.End()

	ex, err := m.adapter.ExchangeCode(ctx, code, verifier)
	if err != nil {
		err = fmt.Errorf("%s code exchange: %w", m.adapter.Name(), err)
		telemetry.RecordError(span, err)
		return TokenSet{}, err
	}
	// Consume the verifier only after a successful exchange so a transient
	// exchange failure can be retried with the same state; a second
	// successful callback for the same state fails with ErrVerifierExpired.
	if m.adapter.UsesPKCE() {
		m.pkce.Clear(state)
	}

	ts := NewTokenSet(ex, m.now(), m.buffer)
	if err := m.persist(ctx, username, ts); err != nil {
		return TokenSet{}, err
	}
	slog.Info("oauth tokens stored",
		slog.String("platform", m.adapter.Name()),
		slog.String("username", username),
		slog.Time("expires_at", ts.ExpiresAt))
	return ts, nil
}

// AccessToken returns a valid token set for the user, refreshing first when
// the stored set is past its refresh point. The entire operation holds the
// manager mutex, so overlapping callers observe exactly one network refresh
// and all receive the refreshed set.
func (m *Manager) AccessToken(ctx context.Context, username string) (TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, err := m.load(ctx, username)
	if err != nil {
		return TokenSet{}, err
	}
	if !ts.NeedsRefresh(m.now()) {
		return ts, nil
	}
	return m.refreshLocked(ctx, username, ts)
}

// ForceRefresh refreshes the user's tokens regardless of the refresh point.
func (m *Manager) ForceRefresh(ctx context.Context, username string) (TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, err := m.load(ctx, username)
	if err != nil {
		return TokenSet{}, err
	}
	return m.refreshLocked(ctx, username, ts)
}

// DeleteToken removes the stored token set, reporting whether one existed.
func (m *Manager) DeleteToken(ctx context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(ctx, storeService, m.storeAccount(username))
}

func (m *Manager) load(ctx context.Context, username string) (TokenSet, error) {
	raw, ok, err := m.store.Get(ctx, storeService, m.storeAccount(username))
	if err != nil {
		return TokenSet{}, fmt.Errorf("read token store: %w", err)
	}
	if !ok {
		return TokenSet{}, ErrNoToken
	}
	return DeserializeTokenSet(raw)
}

func (m *Manager) persist(ctx context.Context, username string, ts TokenSet) error {
	raw, err := ts.Serialize()
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, storeService, m.storeAccount(username), raw); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	return nil
}

// refreshLocked performs one provider refresh and persists the result.
// Callers must hold m.mu.
func (m *Manager) refreshLocked(ctx context.Context, username string, old TokenSet) (TokenSet, error) {
	if old.RefreshToken == "" {
		return TokenSet{}, ErrNoRefreshToken
	}
	ctx, span := telemetry.StartSpan(ctx, "oauth", "oauth.refresh")
	defer span.End()

	ex, err := m.adapter.Refresh(ctx, old.RefreshToken)
	if err != nil {
		telemetry.CountTokenRefresh(m.adapter.Name(), false)
		telemetry.RecordError(span, err)
		if _, ok := err.(*RefreshError); ok {
			return TokenSet{}, err
		}
		return TokenSet{}, &RefreshError{Err: err}
	}
	// Providers may omit the refresh token on rotation-free refreshes;
	// keep the previous one in that case.
	if ex.RefreshToken == "" {
		ex.RefreshToken = old.RefreshToken
	}
	if len(ex.Scopes) == 0 {
		ex.Scopes = old.Scopes
	}
	ts := NewTokenSet(ex, m.now(), m.buffer)
	if err := m.persist(ctx, username, ts); err != nil {
		return TokenSet{}, err
	}
	telemetry.CountTokenRefresh(m.adapter.Name(), true)
	slog.Info("token refreshed",
		slog.String("platform", m.adapter.Name()),
		slog.String("username", username),
		slog.Time("expires_at", ts.ExpiresAt))
	return ts, nil
}
