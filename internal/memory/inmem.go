package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type inmemEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// InMemoryStore is the in-process backend: a mutex-guarded map with lazy
// eviction. TTLs are enforced on read; nothing sweeps in the background.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]inmemEntry
	now     func() time.Time
}

// NewInMemoryStore creates an empty in-process store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]inmemEntry),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if s.expired(e) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *InMemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := inmemEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) List(_ context.Context, prefix string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			continue
		}
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *InMemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return TTLMissing, nil
	}
	if e.expiresAt.IsZero() {
		return TTLNone, nil
	}
	remaining := e.expiresAt.Sub(s.now())
	if remaining <= 0 {
		delete(s.entries, key)
		return TTLMissing, nil
	}
	return remaining, nil
}

func (s *InMemoryStore) expired(e inmemEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
