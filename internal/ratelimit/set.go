package ratelimit

import (
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory builds a limiter for one lane.
type Factory func(key string, limit int, window time.Duration) Limiter

// InMemory returns a Factory producing process-local windows.
func InMemory() Factory {
	return func(_ string, limit int, window time.Duration) Limiter {
		return NewWindow(limit, window)
	}
}

// Redis returns a Factory producing Redis-backed windows under prefix.
func Redis(rdb redis.UniversalClient, prefix string, logger *zap.Logger) Factory {
	return func(key string, limit int, window time.Duration) Limiter {
		return NewRedisWindow(rdb, prefix+key, limit, window, logger)
	}
}

// Set hands out one shared limiter per key.
type Set struct {
	factory  Factory
	mu       sync.Mutex
	limiters map[string]Limiter
}

// NewSet creates a limiter set.
func NewSet(f Factory) *Set {
	if f == nil {
		f = InMemory()
	}
	return &Set{factory: f, limiters: make(map[string]Limiter)}
}

// PerMinute returns the limiter for key allowing n requests per minute, or
// nil when n is not positive. The first call for a key fixes its limit.
func (s *Set) PerMinute(key string, n int) Limiter {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[key]; ok {
		return l
	}
	l := s.factory(key, n, time.Minute)
	s.limiters[key] = l
	return l
}
