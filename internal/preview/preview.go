// Package preview keeps the confirmation previews a dialog renders. Entries
// live only while their dialog is open.
package preview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/prunebox/internal/prune"
)

var (
	ErrNotFound   = errors.New("preview not found")
	ErrInvalidKey = errors.New("invalid preview key")
)

const defaultTTL = 30 * time.Minute

type Store interface {
	prune.PreviewStore
	Close() error
}

func validKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

type memoryEntry struct {
	preview prune.Preview
	expires time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, entries: map[string]memoryEntry{}}
}

func (s *MemoryStore) Put(_ context.Context, key string, p prune.Preview) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !e.expires.After(now) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = memoryEntry{preview: p, expires: now.Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (prune.Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.expires.After(s.now()) {
		return prune.Preview{}, ErrNotFound
	}
	return e.preview, nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }
