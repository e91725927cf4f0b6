// Package tokenstore abstracts secret storage for serialized OAuth token
// sets. The daemon treats values as opaque strings keyed by (service,
// account); the Postgres implementation optionally encrypts values at rest.
package tokenstore

import (
	"context"
	"sync"
)

// Store is the secret storage boundary consumed by the token manager.
// Implementations must make each call atomic; callers provide any broader
// serialization they need.
type Store interface {
	// Set stores or replaces a secret.
	Set(ctx context.Context, service, account, value string) error
	// Get retrieves a secret. The bool reports whether the entry exists.
	Get(ctx context.Context, service, account string) (string, bool, error)
	// Delete removes a secret, reporting whether an entry was removed.
	Delete(ctx context.Context, service, account string) (bool, error)
}

// Memory is an in-process Store used in tests and as a fallback when no
// database is configured.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

func memKey(service, account string) string { return service + "\x00" + account }

func (s *Memory) Set(_ context.Context, service, account, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[memKey(service, account)] = value
	return nil
}

func (s *Memory) Get(_ context.Context, service, account string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[memKey(service, account)]
	return v, ok, nil
}

func (s *Memory) Delete(_ context.Context, service, account string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(service, account)
	_, ok := s.m[k]
	delete(s.m, k)
	return ok, nil
}
