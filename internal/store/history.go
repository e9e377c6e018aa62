package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"go.uber.org/zap"
)

// AppendHistory stores conversation turns for a session, creating the
// session on first use.
func (s *Store) AppendHistory(ctx context.Context, sessionID, userID string, msgs ...contextmgr.Message) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, user_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()`,
		sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sessionID, err)
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		var meta []byte
		if len(m.Metadata) > 0 {
			if meta, err = json.Marshal(m.Metadata); err != nil {
				return fmt.Errorf("marshal message metadata: %w", err)
			}
		}
		batch.Queue(`
			INSERT INTO messages (id, session_id, role, content, agent_id, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			m.ID, sessionID, string(m.Role), m.Content, m.AgentID, meta, m.Timestamp)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadHistory returns the latest limit turns of a session in chronological
// order. limit <= 0 returns all of them.
func (s *Store) LoadHistory(ctx context.Context, sessionID string, limit int) ([]contextmgr.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, role, content, agent_id, metadata, created_at FROM (
			SELECT id, role, content, agent_id, metadata, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []contextmgr.Message
	for rows.Next() {
		var m contextmgr.Message
		var role string
		var meta []byte
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.AgentID, &meta, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = contextmgr.Role(role)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				s.logger.Warn("dropping undecodable message metadata",
					zap.String("session", sessionID), zap.String("message", m.ID), zap.Error(err))
				m.Metadata = nil
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
