package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/maestro/internal/agent"
)

// LogAgentSession appends one agent invocation to the session log.
func (s *Store) LogAgentSession(ctx context.Context, userID string, rec agent.SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_sessions (id, user_id, session_id, agent_id, input, output,
			input_tokens, output_tokens, cached_tokens, cost_usd, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, userID, rec.SessionID, rec.AgentID, rec.Input, rec.Output,
		rec.TokensUsed.Input, rec.TokensUsed.Output, rec.TokensUsed.Cached,
		rec.CostUSD, rec.DurationMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log agent session: %w", err)
	}
	return nil
}

// ListAgentSessions returns a user's most recent invocations, newest first.
func (s *Store) ListAgentSessions(ctx context.Context, userID string, limit int) ([]agent.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, session_id, agent_id, input, output,
		       input_tokens, output_tokens, cached_tokens, cost_usd, duration_ms, created_at
		FROM agent_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer rows.Close()

	var out []agent.SessionRecord
	for rows.Next() {
		var r agent.SessionRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.AgentID, &r.Input, &r.Output,
			&r.TokensUsed.Input, &r.TokensUsed.Output, &r.TokensUsed.Cached,
			&r.CostUSD, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UsageSummary aggregates a user's token and cost totals.
type UsageSummary struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Usage sums a user's logged invocations since the given time.
func (s *Store) Usage(ctx context.Context, userID string, since time.Time) (UsageSummary, error) {
	var u UsageSummary
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_usd),0)
		FROM agent_sessions
		WHERE user_id = $1 AND created_at >= $2`, userID, since,
	).Scan(&u.Calls, &u.InputTokens, &u.OutputTokens, &u.CostUSD)
	if err != nil {
		return u, fmt.Errorf("usage for %s: %w", userID, err)
	}
	return u, nil
}
