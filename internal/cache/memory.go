package cache

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// DefaultMaxEntries bounds the in-memory store when no size is configured.
const DefaultMaxEntries = 1000

// MemoryStore keeps entries in a bounded LRU list. Reads use Peek so the list
// stays ordered by creation time: when full, expired entries are purged first
// and then the oldest-created entry is evicted.
type MemoryStore struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, Entry]
	maxEntries int
	clock      search.Clock
	onEvict    func()
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithEvictionHook registers fn to run whenever capacity forces an eviction.
func WithEvictionHook(fn func()) MemoryOption {
	return func(s *MemoryStore) {
		s.onEvict = fn
	}
}

// NewMemoryStore builds a store holding at most maxEntries pages.
func NewMemoryStore(maxEntries int, clock search.Clock, opts ...MemoryOption) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	s := &MemoryStore{clock: clock, maxEntries: maxEntries}
	for _, opt := range opts {
		opt(s)
	}
	entries, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	s.entries = entries
	return s, nil
}

// Get returns a live entry. Expired entries are removed on sight.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	entry, ok := s.entries.Peek(key)
	if !ok {
		return Entry{}, false, nil
	}
	if !entry.Live(s.clock.Now()) {
		s.entries.Remove(key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores entry, replacing any previous entry for key.
func (s *MemoryStore) Set(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-adding must move the key to the newest position.
	s.entries.Remove(key)
	if s.entries.Len() >= s.maxEntries {
		s.purgeExpiredLocked()
	}
	if evicted := s.entries.Add(key, entry); evicted && s.onEvict != nil {
		s.onEvict()
	}
	return nil
}

func (s *MemoryStore) purgeExpiredLocked() {
	now := s.clock.Now()
	for _, key := range s.entries.Keys() {
		if entry, ok := s.entries.Peek(key); ok && !entry.Live(now) {
			s.entries.Remove(key)
		}
	}
}

// Len reports the number of stored entries, including not-yet-purged expired ones.
func (s *MemoryStore) Len(context.Context) (int, error) {
	return s.entries.Len(), nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
	return nil
}
