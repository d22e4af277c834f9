package cache

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type boundedEntry struct {
	value     any
	createdAt time.Time
	ttl       time.Duration
}

// Bounded is a capacity-capped variant of Store for long-lived processes
// where the tracked key space is not small. Least-recently-used entries
// are evicted once maxEntries is reached; TTL semantics match Store.
type Bounded struct {
	inner      *lru.Cache[string, boundedEntry]
	defaultTTL time.Duration
	clock      func() time.Time
}

func NewBounded(maxEntries int, defaultTTL time.Duration) (*Bounded, error) {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	inner, err := lru.New[string, boundedEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Bounded{inner: inner, defaultTTL: defaultTTL, clock: time.Now}, nil
}

func (b *Bounded) Get(key string) (any, bool) {
	e, ok := b.inner.Get(key)
	if !ok {
		return nil, false
	}
	if b.clock().Sub(e.createdAt) > e.ttl {
		b.inner.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (b *Bounded) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	b.inner.Add(key, boundedEntry{value: value, createdAt: b.clock(), ttl: ttl})
}

func (b *Bounded) Invalidate(key string) {
	b.inner.Remove(key)
}

func (b *Bounded) InvalidatePrefix(prefix string) {
	for _, key := range b.inner.Keys() {
		if strings.HasPrefix(key, prefix) {
			b.inner.Remove(key)
		}
	}
}

func (b *Bounded) Clear() {
	b.inner.Purge()
}

func (b *Bounded) Len() int {
	return b.inner.Len()
}
