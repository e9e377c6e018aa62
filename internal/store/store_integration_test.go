//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testStore *Store

func TestMain(m *testing.M) {
	ctx := context.Background()
	dsn, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}

	testStore, err = New(ctx, dsn, zap.NewNop())
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		testStore.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testStore.Close()
	cleanup()
	os.Exit(code)
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("maestro_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			fmt.Fprintf(os.Stderr, "terminate postgres: %v\n", err)
		}
	}
	return dsn, cleanup, nil
}

func TestMigrateRecordsVersions(t *testing.T) {
	ctx := context.Background()
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := testStore.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = '001_init.up.sql'`).Scan(&n); err != nil {
		t.Fatalf("count versions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 001_init.up.sql recorded once, got %d", n)
	}
	if err := testStore.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestAgentSessionLog(t *testing.T) {
	ctx := context.Background()
	rec := agent.SessionRecord{
		SessionID:  "s1",
		AgentID:    "narrator",
		Input:      "اشرح الكسور",
		Output:     "الكسر هو جزء من كل",
		TokensUsed: agent.Tokens{Input: 120, Output: 40, Cached: 20},
		CostUSD:    0.0012,
		DurationMs: 830,
	}
	if err := testStore.LogAgentSession(ctx, "log-user", rec); err != nil {
		t.Fatalf("log: %v", err)
	}
	rec.AgentID = "practice"
	if err := testStore.LogAgentSession(ctx, "log-user", rec); err != nil {
		t.Fatalf("log: %v", err)
	}

	got, err := testStore.ListAgentSessions(ctx, "log-user", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].TokensUsed.Cached != 20 || got[0].UserID != "log-user" {
		t.Errorf("unexpected record: %+v", got[0])
	}

	u, err := testStore.Usage(ctx, "log-user", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Calls != 2 || u.InputTokens != 240 {
		t.Errorf("unexpected usage: %+v", u)
	}
}

func TestProfileAndMastery(t *testing.T) {
	ctx := context.Background()
	_, err := testStore.GetStudentProfile(ctx, "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	p := contextmgr.StudentProfile{UserID: "stu-1", DisplayName: "Layla", GradeLevel: "9", PreferredDialect: "gulf"}
	if err := testStore.SaveStudentProfile(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.GradeLevel = "10"
	if err := testStore.SaveStudentProfile(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := testStore.GetStudentProfile(ctx, "stu-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GradeLevel != "10" || got.PreferredDialect != "gulf" {
		t.Errorf("unexpected profile: %+v", got)
	}

	if err := testStore.SetMastery(ctx, "stu-1", "fractions", 0.4); err != nil {
		t.Fatalf("set mastery: %v", err)
	}
	if err := testStore.SetMastery(ctx, "stu-1", "fractions", 0.7); err != nil {
		t.Fatalf("update mastery: %v", err)
	}
	if err := testStore.SetMastery(ctx, "stu-1", "algebra", 1.5); err == nil {
		t.Error("expected out-of-range mastery to fail")
	}
	m, err := testStore.GetMastery(ctx, "stu-1")
	if err != nil {
		t.Fatalf("get mastery: %v", err)
	}
	if len(m) != 1 || m["fractions"] != 0.7 {
		t.Errorf("unexpected mastery: %v", m)
	}
}

func TestMemoryPersistence(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	entries := []contextmgr.MemoryEntry{
		{UserID: "mem-user", AgentID: "practice", Key: "last_questions", Value: []any{"q1", "q2"}, Timestamp: time.Now(), ExpiresAt: &future},
		{UserID: "mem-user", AgentID: "practice", Key: "stale", Value: "x", Timestamp: time.Now(), ExpiresAt: &past},
		{UserID: "mem-user", AgentID: "practice", Key: "forever", Value: map[string]any{"n": 1.0}, Timestamp: time.Now()},
	}
	for _, e := range entries {
		if err := testStore.SaveMemory(ctx, e); err != nil {
			t.Fatalf("save memory: %v", err)
		}
	}

	got, err := testStore.LoadMemories(ctx, "mem-user", "practice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 unexpired entries, got %d", len(got))
	}
	if got[0].Key != "last_questions" || got[1].ExpiresAt != nil {
		t.Errorf("unexpected entries: %+v", got)
	}

	// The store backs the in-process cache after a restart.
	mem := contextmgr.NewMemoryStore(contextmgr.DefaultConfig(), testStore, zap.NewNop())
	cached, err := mem.Get(ctx, "mem-user", "practice", "forever")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if len(cached) != 1 {
		t.Errorf("expected warm cache entry, got %d", len(cached))
	}

	if err := testStore.DeleteMemories(ctx, "mem-user", "practice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = testStore.LoadMemories(ctx, "mem-user", "practice")
	if len(got) != 0 {
		t.Errorf("expected no entries after delete, got %d", len(got))
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	var msgs []contextmgr.Message
	for i := 0; i < 5; i++ {
		role := contextmgr.RoleUser
		if i%2 == 1 {
			role = contextmgr.RoleAgent
		}
		msgs = append(msgs, contextmgr.Message{
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i),
			AgentID:   map[bool]string{true: "narrator"}[role == contextmgr.RoleAgent],
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := testStore.AppendHistory(ctx, "hist-1", "hist-user", msgs[:2]...); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := testStore.AppendHistory(ctx, "hist-1", "hist-user", msgs[2:]...); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := testStore.LoadHistory(ctx, "hist-1", 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Content != "turn 2" || got[2].Content != "turn 4" {
		t.Errorf("unexpected order: %q .. %q", got[0].Content, got[2].Content)
	}
	if got[1].Role != contextmgr.RoleAgent || got[1].AgentID != "narrator" {
		t.Errorf("unexpected agent turn: %+v", got[1])
	}
}

func TestHistoryDropsUndecodableMetadata(t *testing.T) {
	ctx := context.Background()
	msg := contextmgr.Message{Role: contextmgr.RoleUser, Content: "hello", Timestamp: time.Now()}
	if err := testStore.AppendHistory(ctx, "hist-bad-meta", "hist-user", msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := testStore.db.Exec(ctx,
		`UPDATE messages SET metadata = '"not an object"'::jsonb WHERE session_id = $1`, "hist-bad-meta"); err != nil {
		t.Fatalf("corrupt metadata: %v", err)
	}

	core, logs := observer.New(zap.WarnLevel)
	s := &Store{db: testStore.db, logger: zap.New(core)}
	got, err := s.LoadHistory(ctx, "hist-bad-meta", 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("expected the message to survive, got %+v", got)
	}
	if got[0].Metadata != nil {
		t.Errorf("expected metadata to be dropped, got %v", got[0].Metadata)
	}
	if n := logs.FilterMessage("dropping undecodable message metadata").Len(); n != 1 {
		t.Errorf("expected one warning, got %d", n)
	}
}
