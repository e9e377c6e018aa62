package contextmgr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweep drops expired entries across every cached key and returns how many
// were removed. Persisted rows are left to their own expiry.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, list := range s.entries {
		before := len(list)
		list = pruneExpired(list, now)
		removed += before - len(list)
		if len(list) == 0 {
			delete(s.entries, k)
			continue
		}
		s.entries[k] = list
	}
	return removed
}

// Janitor sweeps a MemoryStore on a fixed interval so entries for users who
// never come back do not stay cached.
type Janitor struct {
	store    *MemoryStore
	interval time.Duration
	lastRun  time.Time
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewJanitor creates a janitor for store.
func NewJanitor(store *MemoryStore, interval time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{store: store, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepNow()
		}
	}
}

// SweepNow forces an immediate sweep, bypassing the interval.
func (j *Janitor) SweepNow() int {
	n := j.store.Sweep()
	j.mu.Lock()
	j.lastRun = time.Now()
	j.mu.Unlock()
	if n > 0 {
		j.logger.Debug("swept expired memories", zap.Int("removed", n))
	}
	return n
}

// LastRun returns when the janitor last swept.
func (j *Janitor) LastRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}
