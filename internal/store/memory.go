package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/maestro/internal/contextmgr"
	"go.uber.org/zap"
)

// SaveMemory persists one agent memory entry.
func (s *Store) SaveMemory(ctx context.Context, e contextmgr.MemoryEntry) error {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("marshal memory value: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_memory (id, user_id, agent_id, key, value, created_at, expires_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)`,
		e.UserID, e.AgentID, e.Key, value, e.Timestamp, e.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// LoadMemories returns the unexpired entries for (userID, agentID),
// oldest first.
func (s *Store) LoadMemories(ctx context.Context, userID, agentID string) ([]contextmgr.MemoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT key, value, created_at, expires_at
		FROM agent_memory
		WHERE user_id = $1 AND agent_id = $2 AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at ASC`, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()

	var out []contextmgr.MemoryEntry
	for rows.Next() {
		e := contextmgr.MemoryEntry{UserID: userID, AgentID: agentID}
		var raw []byte
		if err := rows.Scan(&e.Key, &raw, &e.Timestamp, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Value); err != nil {
			s.logger.Warn("skipping undecodable memory",
				zap.String("user", userID), zap.String("agent", agentID), zap.String("key", e.Key), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteMemories removes every entry for (userID, agentID).
func (s *Store) DeleteMemories(ctx context.Context, userID, agentID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM agent_memory WHERE user_id = $1 AND agent_id = $2`, userID, agentID)
	if err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	return nil
}
