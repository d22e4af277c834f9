package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instrumented wraps a Cache and counts hits and misses. Writes pass
// through untouched.
type Instrumented struct {
	inner  Cache
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

var _ Cache = (*Instrumented)(nil)

func Instrument(inner Cache) *Instrumented {
	meter := otel.Meter("github.com/wheelswins/pam-core/cache")
	i := &Instrumented{inner: inner}
	if c, err := meter.Int64Counter("pam.cache.hits", metric.WithDescription("Cache lookups that returned a live entry")); err == nil {
		i.hits = c
	}
	if c, err := meter.Int64Counter("pam.cache.misses", metric.WithDescription("Cache lookups that missed or hit an expired entry")); err == nil {
		i.misses = c
	}
	return i
}

func (i *Instrumented) Get(key string) (any, bool) {
	value, ok := i.inner.Get(key)
	if ok {
		if i.hits != nil {
			i.hits.Add(context.Background(), 1)
		}
	} else if i.misses != nil {
		i.misses.Add(context.Background(), 1)
	}
	return value, ok
}

func (i *Instrumented) Set(key string, value any, ttl time.Duration) {
	i.inner.Set(key, value, ttl)
}

func (i *Instrumented) Invalidate(key string) {
	i.inner.Invalidate(key)
}

func (i *Instrumented) InvalidatePrefix(prefix string) {
	i.inner.InvalidatePrefix(prefix)
}

func (i *Instrumented) Clear() {
	i.inner.Clear()
}

func (i *Instrumented) Len() int {
	return i.inner.Len()
}
