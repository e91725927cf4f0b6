package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func staticToken(tok string) TokenFunc {
	return func(context.Context) (string, error) { return tok, nil }
}

func TestHelixGetUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Client-Id") != "cid" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("headers = %q/%q", r.Header.Get("Client-Id"), r.Header.Get("Authorization"))
		}
		if r.URL.Query().Get("login") != "streamer" {
			t.Errorf("login = %q", r.URL.Query().Get("login"))
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"123","login":"streamer","display_name":"Streamer"}]}`))
	}))
	defer srv.Close()

	hc := NewHelixClient("cid", staticToken("tok"))
	hc.BaseURL = srv.URL
	u, err := hc.GetUser(context.Background(), "streamer")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.ID != "123" || u.DisplayName != "Streamer" {
		t.Errorf("user = %+v", u)
	}
}

func TestHelixGetUserNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	hc := NewHelixClient("cid", staticToken("tok"))
	hc.BaseURL = srv.URL
	if _, err := hc.GetUser(context.Background(), "ghost"); err == nil {
		t.Fatal("GetUser should fail for unknown login")
	}
}

func TestHelixCreateEventSubSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/eventsub/subscriptions" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			Type      string            `json:"type"`
			Version   string            `json:"version"`
			Condition map[string]string `json:"condition"`
			Transport map[string]string `json:"transport"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if payload.Transport["method"] != "websocket" || payload.Transport["session_id"] != "sess-1" {
			t.Errorf("transport = %v", payload.Transport)
		}
		if payload.Condition["broadcaster_user_id"] != "123" {
			t.Errorf("condition = %v", payload.Condition)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":[{"id":"sub-1","type":"stream.online","version":"1","status":"enabled"}]}`))
	}))
	defer srv.Close()

	hc := NewHelixClient("cid", staticToken("tok"))
	hc.BaseURL = srv.URL
	sub, err := hc.CreateEventSubSubscription(context.Background(), "stream.online", "1",
		map[string]string{"broadcaster_user_id": "123"}, "sess-1")
	if err != nil {
		t.Fatalf("CreateEventSubSubscription: %v", err)
	}
	if sub.ID != "sub-1" || sub.Status != "enabled" {
		t.Errorf("subscription = %+v", sub)
	}
}

func TestHelixErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","status":401}`))
	}))
	defer srv.Close()

	hc := NewHelixClient("cid", staticToken("tok"))
	hc.BaseURL = srv.URL
	if _, err := hc.GetUser(context.Background(), "streamer"); err == nil {
		t.Fatal("GetUser should surface a 401")
	}
}
