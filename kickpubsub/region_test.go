package kickpubsub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDetectRegionPicksReachableRegion(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	endpoint := func(region string) string {
		if region == "mt1" {
			return wsURL
		}
		return "ws://127.0.0.1:1"
	}
	got := detectRegion(context.Background(), endpoint, 500*time.Millisecond)
	if got != "mt1" {
		t.Errorf("detectRegion = %q, want mt1", got)
	}
}

func TestDetectRegionFallsBackToDefault(t *testing.T) {
	endpoint := func(string) string { return "ws://127.0.0.1:1" }
	got := detectRegion(context.Background(), endpoint, 200*time.Millisecond)
	if got != DefaultRegion {
		t.Errorf("detectRegion = %q, want %q", got, DefaultRegion)
	}
}
