package kickapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/oauth"
)

func testCreds() *config.Credentials {
	return &config.Credentials{
		ClientID:    "kick-cid",
		RedirectURI: "http://localhost:8080/auth/kick/callback",
		Scopes:      "user:read channel:read",
	}
}

func TestAdapterUsesPKCE(t *testing.T) {
	a := NewAdapter(testCreds())
	var _ oauth.PlatformAdapter = a
	if !a.UsesPKCE() {
		t.Error("kick adapter must require PKCE")
	}
}

func TestAdapterExchangeCodeSendsVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.Form.Get("code_verifier") != "verif-123" {
			t.Errorf("code_verifier = %q", r.Form.Get("code_verifier"))
		}
		if r.Form.Get("client_secret") != "" {
			t.Error("kick exchange must not send a client secret")
		}
		if r.Form.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":7200,"scope":"user:read channel:read"}`))
	}))
	defer srv.Close()

	a := NewAdapter(testCreds())
	a.TokenURL = srv.URL
	ex, err := a.ExchangeCode(context.Background(), "code-1", "verif-123")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	// Kick returns scope as one space-delimited string.
	if len(ex.Scopes) != 2 || ex.Scopes[0] != "user:read" {
		t.Errorf("scopes = %v", ex.Scopes)
	}
	if ex.ExpiresIn != 7200 {
		t.Errorf("ExpiresIn = %d", ex.ExpiresIn)
	}
}

func TestAdapterExchangeCodeRequiresVerifier(t *testing.T) {
	a := NewAdapter(testCreds())
	if _, err := a.ExchangeCode(context.Background(), "code-1", ""); err == nil {
		t.Fatal("exchange without a verifier should fail")
	}
}

func TestAdapterRefreshErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	defer srv.Close()

	a := NewAdapter(testCreds())
	a.TokenURL = srv.URL
	_, err := a.Refresh(context.Background(), "revoked")
	var re *oauth.RefreshError
	if !errors.As(err, &re) {
		t.Fatalf("Refresh error = %T, want *oauth.RefreshError", err)
	}
	if re.Code != "invalid_grant" {
		t.Errorf("Code = %q", re.Code)
	}
}

func TestChannelClientGetChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/somestreamer" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":777,"user_id":888,"slug":"somestreamer","chatroom":{"id":999}}`))
	}))
	defer srv.Close()

	cc := NewChannelClient()
	cc.BaseURL = srv.URL
	ch, err := cc.GetChannel(context.Background(), "somestreamer")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if ch.ID != 777 || ch.ChatroomID != 999 {
		t.Errorf("channel = %+v", ch)
	}
	if ch.ChannelID() != "777" || ch.ChatroomIDString() != "999" {
		t.Errorf("ids = %q/%q", ch.ChannelID(), ch.ChatroomIDString())
	}
}

func TestChannelClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cc := NewChannelClient()
	cc.BaseURL = srv.URL
	if _, err := cc.GetChannel(context.Background(), "ghost"); err == nil {
		t.Fatal("GetChannel should fail for a missing channel")
	}
}
