package oauth

import (
	"strings"
	"testing"
	"time"
)

func TestNewVerifierLengthAndCharset(t *testing.T) {
	v, err := NewVerifier(64)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if len(v) != 64 {
		t.Errorf("verifier length = %d, want 64", len(v))
	}
	if strings.ContainsAny(v, "+/=") {
		t.Errorf("verifier contains non URL-safe characters: %q", v)
	}

	v2, _ := NewVerifier(64)
	if v == v2 {
		t.Error("two verifiers are identical")
	}

	short, _ := NewVerifier(0)
	if len(short) != DefaultVerifierLength {
		t.Errorf("default verifier length = %d, want %d", len(short), DefaultVerifierLength)
	}
}

func TestChallenge(t *testing.T) {
	// base64url(SHA-256("test-verifier")), no padding.
	got := Challenge("test-verifier")
	if strings.ContainsAny(got, "+/=") {
		t.Errorf("challenge not URL-safe: %q", got)
	}
	if len(got) != 43 { // 32 bytes -> 43 base64url chars unpadded
		t.Errorf("challenge length = %d, want 43", len(got))
	}
	if got != Challenge("test-verifier") {
		t.Error("challenge is not deterministic")
	}
	if got == Challenge("other-verifier") {
		t.Error("distinct verifiers produced the same challenge")
	}
}

func TestPKCEStoreGetClear(t *testing.T) {
	m := NewPKCEManager(10 * time.Minute)
	m.Store("state1", "verifier1")

	v, ok := m.Get("state1")
	if !ok || v != "verifier1" {
		t.Fatalf("Get = %q, %v; want verifier1, true", v, ok)
	}

	m.Clear("state1")
	if _, ok := m.Get("state1"); ok {
		t.Error("verifier still present after Clear")
	}
	// Clearing again is a no-op.
	m.Clear("state1")
}

func TestPKCEGetPurgesExpired(t *testing.T) {
	m := NewPKCEManager(10 * time.Minute)
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Store("state", "verifier")

	m.now = func() time.Time { return base.Add(11 * time.Minute) }
	if _, ok := m.Get("state"); ok {
		t.Error("expired verifier returned from Get")
	}
	if m.Len() != 0 {
		t.Error("expired entry not purged on read")
	}
}

func TestPKCESweep(t *testing.T) {
	m := NewPKCEManager(10 * time.Minute)
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Store("old", "v1")

	m.now = func() time.Time { return base.Add(5 * time.Minute) }
	m.Store("fresh", "v2")

	m.now = func() time.Time { return base.Add(12 * time.Minute) }
	if removed := m.sweep(); removed != 1 {
		t.Errorf("sweep removed %d entries, want 1", removed)
	}
	if _, ok := m.Get("fresh"); !ok {
		t.Error("sweep removed a non-expired entry")
	}
}
