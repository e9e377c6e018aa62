package contextmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryPersister is the durable backing for agent memory. The in-process
// MemoryStore is only a cache in front of it.
type MemoryPersister interface {
	SaveMemory(ctx context.Context, e MemoryEntry) error
	LoadMemories(ctx context.Context, userID, agentID string) ([]MemoryEntry, error)
	DeleteMemories(ctx context.Context, userID, agentID string) error
}

type memoryKey struct {
	userID  string
	agentID string
}

// MemoryStore keeps per (user, agent) memory entries, pruning expired ones
// on every write.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[memoryKey][]MemoryEntry
	loaded    map[memoryKey]bool
	persister MemoryPersister
	ttl       time.Duration
	maxPerKey int
	now       func() time.Time
	logger    *zap.Logger
}

// NewMemoryStore creates a memory store. persister may be nil.
func NewMemoryStore(cfg Config, persister MemoryPersister, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		entries:   make(map[memoryKey][]MemoryEntry),
		loaded:    make(map[memoryKey]bool),
		persister: persister,
		ttl:       cfg.MemoryTTL,
		maxPerKey: cfg.MaxMemoryPerKey,
		now:       time.Now,
		logger:    logger,
	}
}

// Store appends e. Missing timestamps and expiries are filled from the
// store's clock and default TTL. The entry is cached even when persisting
// fails; the persistence error is returned.
func (s *MemoryStore) Store(ctx context.Context, e MemoryEntry) error {
	if e.UserID == "" || e.AgentID == "" || e.Key == "" {
		return fmt.Errorf("memory entry needs user, agent and key")
	}
	now := s.now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.ExpiresAt == nil && s.ttl > 0 {
		exp := e.Timestamp.Add(s.ttl)
		e.ExpiresAt = &exp
	}

	k := memoryKey{e.UserID, e.AgentID}
	s.mu.Lock()
	list := pruneExpired(s.entries[k], now)
	list = append(list, e)
	if s.maxPerKey > 0 && len(list) > s.maxPerKey {
		list = list[len(list)-s.maxPerKey:]
	}
	s.entries[k] = list
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveMemory(ctx, e); err != nil {
			return fmt.Errorf("persist memory %s/%s/%s: %w", e.UserID, e.AgentID, e.Key, err)
		}
	}
	return nil
}

// Get returns the live entries for (userID, agentID), oldest first. A
// non-empty key filters by key. A cold key is loaded from the persister.
func (s *MemoryStore) Get(ctx context.Context, userID, agentID, key string) ([]MemoryEntry, error) {
	k := memoryKey{userID, agentID}
	if err := s.warm(ctx, k); err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MemoryEntry
	for _, e := range s.entries[k] {
		if e.Expired(now) || (key != "" && e.Key != key) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Latest returns the newest live entry for key.
func (s *MemoryStore) Latest(ctx context.Context, userID, agentID, key string) (MemoryEntry, bool, error) {
	list, err := s.Get(ctx, userID, agentID, key)
	if err != nil || len(list) == 0 {
		return MemoryEntry{}, false, err
	}
	return list[len(list)-1], true, nil
}

// Clear removes every entry for (userID, agentID).
func (s *MemoryStore) Clear(ctx context.Context, userID, agentID string) error {
	k := memoryKey{userID, agentID}
	s.mu.Lock()
	delete(s.entries, k)
	s.loaded[k] = true
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteMemories(ctx, userID, agentID); err != nil {
			return fmt.Errorf("delete memories %s/%s: %w", userID, agentID, err)
		}
	}
	return nil
}

func (s *MemoryStore) warm(ctx context.Context, k memoryKey) error {
	if s.persister == nil {
		return nil
	}
	s.mu.Lock()
	done := s.loaded[k]
	s.mu.Unlock()
	if done {
		return nil
	}

	stored, err := s.persister.LoadMemories(ctx, k.userID, k.agentID)
	if err != nil {
		return fmt.Errorf("load memories %s/%s: %w", k.userID, k.agentID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded[k] {
		return nil
	}
	// Entries cached before the load were persisted too; skip their copies.
	cached := make(map[string]bool, len(s.entries[k]))
	for _, e := range s.entries[k] {
		cached[entryID(e)] = true
	}
	var merged []MemoryEntry
	for _, e := range pruneExpired(stored, s.now()) {
		if !cached[entryID(e)] {
			merged = append(merged, e)
		}
	}
	s.entries[k] = append(merged, s.entries[k]...)
	s.loaded[k] = true
	s.logger.Debug("loaded memories",
		zap.String("user", k.userID), zap.String("agent", k.agentID), zap.Int("count", len(stored)))
	return nil
}

func entryID(e MemoryEntry) string {
	return fmt.Sprintf("%s@%d", e.Key, e.Timestamp.UnixMicro())
}

func pruneExpired(list []MemoryEntry, now time.Time) []MemoryEntry {
	out := list[:0]
	for _, e := range list {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out
}

// StoreMemory records an entry in the manager's memory store.
func (m *Manager) StoreMemory(ctx context.Context, e MemoryEntry) error {
	return m.memory.Store(ctx, e)
}

// GetMemory returns entries for (userID, agentID), optionally filtered by key.
func (m *Manager) GetMemory(ctx context.Context, userID, agentID, key string) ([]MemoryEntry, error) {
	return m.memory.Get(ctx, userID, agentID, key)
}

// ClearMemory drops all entries for (userID, agentID).
func (m *Manager) ClearMemory(ctx context.Context, userID, agentID string) error {
	return m.memory.Clear(ctx, userID, agentID)
}
