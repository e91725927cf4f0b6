package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/telemetry"
)

// Handlers carries the control plane's dependencies: the database (for
// probes), one token manager per platform, and the default token-store key
// for each platform.
type Handlers struct {
	db        *sql.DB
	managers  map[string]*oauth.Manager
	usernames map[string]string

	mu         sync.RWMutex
	connStates map[string]string // "<platform>/<transport>" -> state name
}

// NewHandlers builds the handler set.
func NewHandlers(db *sql.DB, managers map[string]*oauth.Manager, usernames map[string]string) *Handlers {
	return &Handlers{
		db:         db,
		managers:   managers,
		usernames:  usernames,
		connStates: make(map[string]string),
	}
}

// SetConnectionState records a transport's state for /status. Safe for
// concurrent use from protocol client callbacks.
func (h *Handlers) SetConnectionState(key, state string) {
	h.mu.Lock()
	h.connStates[key] = state
	h.mu.Unlock()
}

func (h *Handlers) username(platform string, r *http.Request) string {
	if u := r.URL.Query().Get("username"); u != "" {
		return u
	}
	return h.usernames[platform]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// handleOAuthStart redirects the operator to the platform's authorization
// page. The PKCE verifier (when used) is stored by the manager under the
// generated state.
func (h *Handlers) handleOAuthStart(platform string) http.HandlerFunc {
	mgr := h.managers[platform]
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, state, err := mgr.AuthorizationURL("")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		telemetry.LoggerWithCorr(r.Context()).Info("oauth flow started",
			slog.String("platform", platform),
			slog.String("state", state))
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// handleOAuthCallback completes the code exchange and persists the tokens.
func (h *Handlers) handleOAuthCallback(platform string) http.HandlerFunc {
	mgr := h.managers[platform]
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		state := r.URL.Query().Get("state")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		username := h.username(platform, r)
		ts, err := mgr.HandleCallback(r.Context(), code, state, username)
		if err != nil {
			switch {
			case errors.Is(err, oauth.ErrMissingState), errors.Is(err, oauth.ErrVerifierExpired):
				http.Error(w, err.Error(), http.StatusBadRequest)
			default:
				http.Error(w, err.Error(), http.StatusBadGateway)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"platform":   platform,
			"username":   username,
			"expires_at": ts.ExpiresAt,
			"scopes":     ts.Scopes,
		})
	}
}

// handleOAuthRefresh forces a token refresh, mainly for operators verifying a
// grant is still alive.
func (h *Handlers) handleOAuthRefresh(platform string) http.HandlerFunc {
	mgr := h.managers[platform]
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		username := h.username(platform, r)
		ts, err := mgr.ForceRefresh(r.Context(), username)
		if err != nil {
			var re *oauth.RefreshError
			switch {
			case errors.Is(err, oauth.ErrNoToken), errors.Is(err, oauth.ErrNoRefreshToken):
				http.Error(w, err.Error(), http.StatusNotFound)
			case errors.As(err, &re):
				http.Error(w, re.Error(), http.StatusBadGateway)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"platform":   platform,
			"username":   username,
			"expires_at": ts.ExpiresAt,
			"refresh_at": ts.RefreshAt,
		})
	}
}

// handleOAuthDelete revokes the stored grant locally (DELETE only). Useful
// when rotating accounts or after a provider-side revocation.
func (h *Handlers) handleOAuthDelete(platform string) http.HandlerFunc {
	mgr := h.managers[platform]
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		username := h.username(platform, r)
		existed, err := mgr.DeleteToken(r.Context(), username)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !existed {
			http.Error(w, "no stored token", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "deleted",
			"platform": platform,
			"username": username,
		})
	}
}

// HandleStatus reports token presence per platform and the live transport
// states recorded via SetConnectionState.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	type tokenStatus struct {
		Present   bool   `json:"present"`
		ExpiresAt string `json:"expires_at,omitempty"`
		RefreshAt string `json:"refresh_at,omitempty"`
	}
	tokens := make(map[string]tokenStatus, len(h.managers))
	for platform, mgr := range h.managers {
		st := tokenStatus{}
		if ts, err := mgr.AccessToken(r.Context(), h.usernames[platform]); err == nil {
			st.Present = true
			st.ExpiresAt = ts.ExpiresAt.Format("2006-01-02T15:04:05.000Z07:00")
			st.RefreshAt = ts.RefreshAt.Format("2006-01-02T15:04:05.000Z07:00")
		}
		tokens[platform] = st
	}

	h.mu.RLock()
	conns := make(map[string]string, len(h.connStates))
	for k, v := range h.connStates {
		conns[k] = v
	}
	h.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"tokens":      tokens,
		"connections": conns,
	})
}

// HandleHealthz is the liveness probe: process up, database reachable.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz is the readiness probe: healthy plus at least one platform
// with stored credentials.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": "database unreachable",
			})
			return
		}
	}
	for platform, mgr := range h.managers {
		if _, err := mgr.AccessToken(r.Context(), h.usernames[platform]); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status": "not_ready",
		"reason": "no platform has stored credentials",
	})
}
