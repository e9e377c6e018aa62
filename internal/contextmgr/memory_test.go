package contextmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePersister struct {
	mu      sync.Mutex
	saved   []MemoryEntry
	deleted int
}

func (p *fakePersister) SaveMemory(_ context.Context, e MemoryEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, e)
	return nil
}

func (p *fakePersister) LoadMemories(_ context.Context, userID, agentID string) ([]MemoryEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []MemoryEntry
	for _, e := range p.saved {
		if e.UserID == userID && e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *fakePersister) DeleteMemories(context.Context, string, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted++
	p.saved = nil
	return nil
}

func TestMemoryStoreGetAndFilter(t *testing.T) {
	s := NewMemoryStore(Config{}, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, MemoryEntry{UserID: "u", AgentID: "a", Key: "k1", Value: 1}))
	require.NoError(t, s.Store(ctx, MemoryEntry{UserID: "u", AgentID: "a", Key: "k2", Value: 2}))
	require.NoError(t, s.Store(ctx, MemoryEntry{UserID: "u", AgentID: "b", Key: "k1", Value: 3}))

	all, err := s.Get(ctx, "u", "a", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := s.Get(ctx, "u", "a", "k2")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, 2, only[0].Value)

	require.NoError(t, s.Clear(ctx, "u", "a"))
	all, _ = s.Get(ctx, "u", "a", "")
	assert.Empty(t, all)
	other, _ := s.Get(ctx, "u", "b", "")
	assert.Len(t, other, 1)
}

func TestMemoryStorePrunesExpired(t *testing.T) {
	s := NewMemoryStore(Config{MemoryTTL: time.Minute}, nil, zap.NewNop())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, MemoryEntry{UserID: "u", AgentID: "a", Key: "old"}))
	now = now.Add(2 * time.Minute)

	got, _ := s.Get(ctx, "u", "a", "")
	assert.Empty(t, got, "expired entry must not be returned")

	require.NoError(t, s.Store(ctx, MemoryEntry{UserID: "u", AgentID: "a", Key: "new"}))
	s.mu.Lock()
	cached := len(s.entries[memoryKey{"u", "a"}])
	s.mu.Unlock()
	assert.Equal(t, 1, cached, "expired entry must be pruned on write")
}

func TestMemoryStoreMaxPerKey(t *testing.T) {
	s := NewMemoryStore(Config{MaxMemoryPerKey: 2}, nil, zap.NewNop())
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Store(ctx, MemoryEntry{UserID: "u", AgentID: "x", Key: k}))
	}
	got, _ := s.Get(ctx, "u", "x", "")
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Key)
	assert.Equal(t, "c", got[1].Key)
}

func TestMemoryStoreLoadsFromPersister(t *testing.T) {
	p := &fakePersister{}
	ctx := context.Background()
	ts := time.Now().Add(-time.Hour)
	p.saved = []MemoryEntry{{UserID: "u", AgentID: "a", Key: "last_interaction", Value: "hi", Timestamp: ts}}

	s := NewMemoryStore(Config{}, p, zap.NewNop())
	require.NoError(t, s.Store(ctx, MemoryEntry{UserID: "u", AgentID: "a", Key: "fresh"}))

	got, err := s.Get(ctx, "u", "a", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "last_interaction", got[0].Key)
	assert.Equal(t, "fresh", got[1].Key)

	latest, ok, err := s.Latest(ctx, "u", "a", "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", latest.Key)

	require.NoError(t, s.Clear(ctx, "u", "a"))
	assert.Equal(t, 1, p.deleted)
}

func TestMemoryStoreRejectsIncompleteEntry(t *testing.T) {
	s := NewMemoryStore(Config{}, nil, zap.NewNop())
	assert.Error(t, s.Store(context.Background(), MemoryEntry{UserID: "u"}))
}

func TestMemoryStoreConcurrentWrites(t *testing.T) {
	s := NewMemoryStore(Config{}, nil, zap.NewNop())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Store(ctx, MemoryEntry{UserID: "u", AgentID: "a", Key: "k"})
		}()
	}
	wg.Wait()
	got, _ := s.Get(ctx, "u", "a", "k")
	assert.Len(t, got, 50)
}
