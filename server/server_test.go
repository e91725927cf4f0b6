package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/tokenstore"
)

type fakeAdapter struct {
	name string
	pkce bool
}

func (f *fakeAdapter) Name() string        { return f.name }
func (f *fakeAdapter) AuthBaseURL() string { return "https://auth.example.test/authorize" }
func (f *fakeAdapter) ClientID() string    { return "cid" }
func (f *fakeAdapter) RedirectURI() string { return "http://localhost/cb" }
func (f *fakeAdapter) Scopes() []string    { return []string{"scope:a"} }
func (f *fakeAdapter) UsesPKCE() bool      { return f.pkce }
func (f *fakeAdapter) ExchangeCode(_ context.Context, code, _ string) (*oauth.TokenExchange, error) {
	return &oauth.TokenExchange{AccessToken: "at-" + code, RefreshToken: "rt", ExpiresIn: 3600}, nil
}
func (f *fakeAdapter) Refresh(context.Context, string) (*oauth.TokenExchange, error) {
	return &oauth.TokenExchange{AccessToken: "at2", RefreshToken: "rt2", ExpiresIn: 3600}, nil
}

func newTestMux(t *testing.T) (http.Handler, map[string]*oauth.Manager) {
	t.Helper()
	managers := map[string]*oauth.Manager{
		"twitch": oauth.NewManager(&fakeAdapter{name: "twitch"}, tokenstore.NewMemory(), 0),
		"kick":   oauth.NewManager(&fakeAdapter{name: "kick", pkce: true}, tokenstore.NewMemory(), 0),
	}
	usernames := map[string]string{"twitch": "mybot", "kick": "default"}
	return NewMux(nil, managers, usernames), managers
}

func TestOAuthStartRedirects(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), "https://auth.example.test/authorize?") {
		t.Errorf("location = %q", loc)
	}
	q := loc.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != "cid" || q.Get("state") == "" {
		t.Errorf("query = %v", q)
	}
	if q.Get("code_challenge") != "" {
		t.Error("non-PKCE platform must not carry a code challenge")
	}
}

func TestOAuthStartPKCEIncludesChallenge(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/kick/start", nil))

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := loc.Query()
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("pkce query = %v", q)
	}
}

func TestOAuthCallbackStoresToken(t *testing.T) {
	mux, managers := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc&state=s1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status   string `json:"status"`
		Platform string `json:"platform"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Username != "mybot" {
		t.Errorf("body = %+v", body)
	}
	ts, err := managers["twitch"].AccessToken(context.Background(), "mybot")
	if err != nil {
		t.Fatalf("token not stored: %v", err)
	}
	if ts.AccessToken != "at-abc" {
		t.Errorf("AccessToken = %q", ts.AccessToken)
	}
}

func TestOAuthCallbackMissingCode(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOAuthCallbackPKCEUnknownState(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/kick/callback?code=abc&state=never-issued", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOAuthRefresh(t *testing.T) {
	mux, _ := newTestMux(t)

	// No stored token yet.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/twitch/refresh", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("refresh without token: status = %d, want 404", rec.Code)
	}

	// Wrong method.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/refresh", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET refresh: status = %d, want 405", rec.Code)
	}

	// Authorize, then refresh succeeds.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/twitch/refresh", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("refresh: status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOAuthDelete(t *testing.T) {
	mux, managers := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/auth/twitch/token", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete without token: status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/twitch/token", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST delete: status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/auth/twitch/token", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := managers["twitch"].AccessToken(context.Background(), "mybot"); err == nil {
		t.Error("token still retrievable after delete")
	}
}

func TestStatusAndReadiness(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before auth: %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz after auth: %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body struct {
		Tokens map[string]struct {
			Present bool `json:"present"`
		} `json:"tokens"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !body.Tokens["twitch"].Present || body.Tokens["kick"].Present {
		t.Errorf("tokens = %+v", body.Tokens)
	}
}

func TestHealthzWithoutDatabase(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
}

func TestCorrelationHeaderEchoed(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation id = %q, want corr-123", got)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("correlation id not generated")
	}
}

func TestConnectionStateInStatus(t *testing.T) {
	managers := map[string]*oauth.Manager{
		"twitch": oauth.NewManager(&fakeAdapter{name: "twitch"}, tokenstore.NewMemory(), 0),
	}
	h := NewHandlers(nil, managers, map[string]string{"twitch": "mybot"})
	h.SetConnectionState("twitch/irc", "connected")

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var body struct {
		Connections map[string]string `json:"connections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Connections["twitch/irc"] != "connected" {
		t.Errorf("connections = %v", body.Connections)
	}
}
