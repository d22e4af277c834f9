package cache

import "time"

// Cache is the surface shared by Store and Bounded, letting callers pick
// unbounded or capacity-capped storage from config.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Invalidate(key string)
	InvalidatePrefix(prefix string)
	Clear()
	Len() int
}

var (
	_ Cache = (*Store)(nil)
	_ Cache = (*Bounded)(nil)
)
