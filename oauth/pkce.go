package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultVerifierLength is the generated code verifier length (RFC 7636
	// allows 43-128 characters).
	DefaultVerifierLength = 64

	// DefaultVerifierTTL bounds how long an abandoned flow keeps its
	// verifier around.
	DefaultVerifierTTL = 10 * time.Minute

	// DefaultSweepInterval is how often the background sweep removes
	// expired verifiers.
	DefaultSweepInterval = 5 * time.Minute
)

type pkceEntry struct {
	verifier  string
	createdAt time.Time
}

// PKCEManager holds short-lived code verifiers keyed by oauth state while a
// PKCE authorization flow is in flight. All map access serializes through
// one mutex so concurrent flows stay consistent.
type PKCEManager struct {
	mu      sync.Mutex
	entries map[string]pkceEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewPKCEManager creates a manager with the given verifier TTL (<=0 uses
// DefaultVerifierTTL).
func NewPKCEManager(ttl time.Duration) *PKCEManager {
	if ttl <= 0 {
		ttl = DefaultVerifierTTL
	}
	return &PKCEManager{
		entries: make(map[string]pkceEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// NewVerifier generates a cryptographically random URL-safe code verifier.
func NewVerifier(length int) (string, error) {
	if length <= 0 {
		length = DefaultVerifierLength
	}
	// RawURLEncoding expands 3 bytes to 4 chars; over-provision and cut.
	buf := make([]byte, (length*3+3)/4+3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

// Challenge derives the S256 code challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Store records a verifier for a state, replacing any previous entry.
func (m *PKCEManager) Store(state, verifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[state] = pkceEntry{verifier: verifier, createdAt: m.now()}
}

// Get returns the verifier stored for a state. Entries past their TTL are
// purged on read and reported as absent.
func (m *PKCEManager) Get(state string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[state]
	if !ok {
		return "", false
	}
	if m.now().Sub(e.createdAt) > m.ttl {
		delete(m.entries, state)
		return "", false
	}
	return e.verifier, true
}

// Clear removes the verifier for a state. Safe to call for absent states.
func (m *PKCEManager) Clear(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, state)
}

// Len reports the number of stored verifiers.
func (m *PKCEManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartSweeper launches a goroutine that periodically removes expired
// verifiers from abandoned flows. It exits when ctx is done, so it never
// keeps the process alive.
func (m *PKCEManager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := m.sweep(); n > 0 {
					slog.Debug("swept expired pkce verifiers", slog.Int("count", n), slog.String("component", "pkce"))
				}
			}
		}
	}()
}

func (m *PKCEManager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for state, e := range m.entries {
		if now.Sub(e.createdAt) > m.ttl {
			delete(m.entries, state)
			removed++
		}
	}
	return removed
}
