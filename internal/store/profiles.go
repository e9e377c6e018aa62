package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/maestro/internal/contextmgr"
)

// GetStudentProfile returns the learner's profile or ErrNotFound.
func (s *Store) GetStudentProfile(ctx context.Context, userID string) (*contextmgr.StudentProfile, error) {
	var p contextmgr.StudentProfile
	err := s.db.QueryRow(ctx, `
		SELECT user_id, display_name, grade_level, preferred_dialect, learning_style, language
		FROM student_profiles WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.DisplayName, &p.GradeLevel, &p.PreferredDialect, &p.LearningStyle, &p.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return &p, nil
}

// SaveStudentProfile upserts a learner's profile.
func (s *Store) SaveStudentProfile(ctx context.Context, p contextmgr.StudentProfile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO student_profiles (user_id, display_name, grade_level, preferred_dialect, learning_style, language, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			grade_level = EXCLUDED.grade_level,
			preferred_dialect = EXCLUDED.preferred_dialect,
			learning_style = EXCLUDED.learning_style,
			language = EXCLUDED.language,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.DisplayName, p.GradeLevel, p.PreferredDialect, p.LearningStyle, p.Language,
	)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.UserID, err)
	}
	return nil
}

// GetMastery returns mastery per knowledge component. A learner with no
// rows gets an empty map.
func (s *Store) GetMastery(ctx context.Context, userID string) (map[string]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT component_id, level FROM mastery WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("get mastery %s: %w", userID, err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var level float64
		if err := rows.Scan(&id, &level); err != nil {
			return nil, fmt.Errorf("scan mastery: %w", err)
		}
		out[id] = level
	}
	return out, rows.Err()
}

// SetMastery records a mastery level in [0,1] for one component.
func (s *Store) SetMastery(ctx context.Context, userID, componentID string, level float64) error {
	if level < 0 || level > 1 {
		return fmt.Errorf("mastery level %.2f out of range [0,1]", level)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO mastery (user_id, component_id, level, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, component_id) DO UPDATE SET
			level = EXCLUDED.level,
			updated_at = EXCLUDED.updated_at`,
		userID, componentID, level,
	)
	if err != nil {
		return fmt.Errorf("set mastery %s/%s: %w", userID, componentID, err)
	}
	return nil
}
