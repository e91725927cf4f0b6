package oauth

import (
	"testing"
	"time"
)

func TestTokenSetSerializeRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	ts := NewTokenSet(&TokenExchange{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresIn:    3600,
		Scopes:       []string{"chat:read", "chat:edit"},
	}, now, 5*time.Minute)

	raw, err := ts.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := DeserializeTokenSet(raw)
	if err != nil {
		t.Fatalf("DeserializeTokenSet: %v", err)
	}
	if got.AccessToken != ts.AccessToken || got.RefreshToken != ts.RefreshToken {
		t.Errorf("tokens changed in round trip: %+v vs %+v", got, ts)
	}
	if !got.ExpiresAt.Equal(ts.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v (millisecond precision)", got.ExpiresAt, ts.ExpiresAt)
	}
	if !got.RefreshAt.Equal(ts.RefreshAt) {
		t.Errorf("RefreshAt = %v, want %v", got.RefreshAt, ts.RefreshAt)
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != "chat:read" {
		t.Errorf("scopes changed in round trip: %v", got.Scopes)
	}
}

func TestRefreshTimes(t *testing.T) {
	exp := time.Date(2025, 6, 1, 12, 0, 0, 123_456_789, time.UTC)
	gotExp, gotRefresh := RefreshTimes(exp, 5*time.Minute)
	if gotExp.Nanosecond()%int(time.Millisecond) != 0 {
		t.Errorf("expiry not truncated to milliseconds: %v", gotExp)
	}
	if want := gotExp.Add(-5 * time.Minute); !gotRefresh.Equal(want) {
		t.Errorf("refresh = %v, want %v", gotRefresh, want)
	}
	if gotRefresh.After(gotExp) {
		t.Error("refresh_at must never trail expires_at")
	}
	// Input is not mutated.
	if exp.Nanosecond() != 123_456_789 {
		t.Error("RefreshTimes mutated its input")
	}
}

func TestNewTokenSetDefaults(t *testing.T) {
	now := time.Now()
	ts := NewTokenSet(&TokenExchange{AccessToken: "a"}, now, 0)
	if got := ts.ExpiresAt.Sub(ts.RefreshAt); got != DefaultRefreshBuffer {
		t.Errorf("buffer = %v, want %v", got, DefaultRefreshBuffer)
	}
	// Omitted expires_in assumes the default lifetime.
	if ts.ExpiresAt.Before(now.Add(DefaultTokenLifetime - time.Second)) {
		t.Errorf("ExpiresAt = %v, want ~now+%v", ts.ExpiresAt, DefaultTokenLifetime)
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Now().UTC()
	ts := NewTokenSet(&TokenExchange{AccessToken: "a", ExpiresIn: 3600}, now, 5*time.Minute)
	if ts.NeedsRefresh(now) {
		t.Error("fresh token reported as needing refresh")
	}
	if !ts.NeedsRefresh(ts.RefreshAt) {
		t.Error("token at refresh point should need refresh")
	}
	if !ts.NeedsRefresh(ts.ExpiresAt.Add(time.Hour)) {
		t.Error("expired token should need refresh")
	}
}

func TestParseTokenResponseNormalization(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		expiresIn int64
		scopes    []string
	}{
		{
			name:      "numeric expires_in, array scope",
			body:      `{"access_token":"a","refresh_token":"r","expires_in":3600,"scope":["x","y"]}`,
			expiresIn: 3600,
			scopes:    []string{"x", "y"},
		},
		{
			name:      "string expires_in, space-delimited scope",
			body:      `{"access_token":"a","expires_in":"7200","scope":"x y z"}`,
			expiresIn: 7200,
			scopes:    []string{"x", "y", "z"},
		},
		{
			name:      "missing expires_in and scope",
			body:      `{"access_token":"a"}`,
			expiresIn: 0,
			scopes:    nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ex, err := ParseTokenResponse([]byte(tc.body))
			if err != nil {
				t.Fatalf("ParseTokenResponse: %v", err)
			}
			if ex.ExpiresIn != tc.expiresIn {
				t.Errorf("ExpiresIn = %d, want %d", ex.ExpiresIn, tc.expiresIn)
			}
			if len(ex.Scopes) != len(tc.scopes) {
				t.Fatalf("Scopes = %v, want %v", ex.Scopes, tc.scopes)
			}
			for i := range tc.scopes {
				if ex.Scopes[i] != tc.scopes[i] {
					t.Errorf("Scopes[%d] = %q, want %q", i, ex.Scopes[i], tc.scopes[i])
				}
			}
		})
	}
}

func TestParseTokenResponseRejectsGarbage(t *testing.T) {
	if _, err := ParseTokenResponse([]byte(`{"expires_in":3600}`)); err == nil {
		t.Error("expected error for response without access_token")
	}
	if _, err := ParseTokenResponse([]byte(`{"access_token":"a","expires_in":"soon"}`)); err == nil {
		t.Error("expected error for non-numeric string expires_in")
	}
	if _, err := ParseTokenResponse([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed body")
	}
}
