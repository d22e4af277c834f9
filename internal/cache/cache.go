// Package cache provides the process-local TTL store used to avoid
// repeated backend reads on hot paths (user profile, budget summaries,
// trip context). Instances are constructed at the composition root and
// injected; there is no package-level store.
package cache

import (
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     any
	createdAt time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Store is a TTL key/value map safe for concurrent use. Entries are
// immutable once written; Set replaces the whole entry. Expired entries
// are removed lazily on Get, so staleness is bounded by ttl plus
// time-to-next-access and no background sweeper runs.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
	clock      func() time.Time
}

func New(defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Store{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		clock:      time.Now,
	}
}

// Key builds a namespaced cache key, e.g. Key("user", "profile", id).
// Namespacing by resource and identity keeps invalidation scoped.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Get returns the value for key, or false on miss. A hit on an expired
// entry removes it and reports a miss.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.expired(s.clock()) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// refreshed the entry.
		if cur, ok := s.entries[key]; ok && cur.expired(s.clock()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. ttl <= 0 uses the store default.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	s.entries[key] = entry{value: value, createdAt: s.clock(), ttl: ttl}
	s.mu.Unlock()
}

func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidatePrefix drops every entry whose key starts with prefix.
// Used after writes to flush a whole resource namespace, e.g.
// InvalidatePrefix(Key("user", "budget") + ":").
func (s *Store) InvalidatePrefix(prefix string) {
	s.mu.Lock()
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
}

// Len reports resident entries, including not-yet-collected expired ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
