// Package postgres stores feedback records in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/feedback"
)

const ddlFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    session_id    TEXT         PRIMARY KEY,
    status        TEXT         NOT NULL CHECK (status IN ('GENERATING', 'COMPLETED', 'FAILED')),
    analysis      TEXT         NOT NULL DEFAULT '',
    action_guide  TEXT         NOT NULL DEFAULT '',
    error         TEXT         NOT NULL DEFAULT '',
    generated_at  TIMESTAMPTZ,
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the feedback table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlFeedback); err != nil {
		return fmt.Errorf("feedback postgres: migrate: %w", err)
	}
	return nil
}

// Store implements [feedback.Store] on a shared pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ feedback.Store = (*Store)(nil)

// New runs [Migrate] and returns a store using pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Save implements [feedback.Store].
func (s *Store) Save(ctx context.Context, r feedback.Record) error {
	if r.SessionID == "" {
		return fault.New(fault.KindInvalidArgument, "feedback postgres: save", "session id must not be empty")
	}
	const q = `
		INSERT INTO feedback (session_id, status, analysis, action_guide, error, generated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			status       = EXCLUDED.status,
			analysis     = EXCLUDED.analysis,
			action_guide = EXCLUDED.action_guide,
			error        = EXCLUDED.error,
			generated_at = EXCLUDED.generated_at,
			updated_at   = EXCLUDED.updated_at`

	var generatedAt *time.Time
	if !r.GeneratedAt.IsZero() {
		generatedAt = &r.GeneratedAt
	}
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		r.SessionID, string(r.Status), r.Analysis, r.ActionGuide, r.Error, generatedAt, updatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, "feedback postgres: save", err)
	}
	return nil
}

// Get implements [feedback.Store].
func (s *Store) Get(ctx context.Context, sessionID string) (feedback.Record, error) {
	const q = `
		SELECT session_id, status, analysis, action_guide, error, generated_at, updated_at
		FROM feedback WHERE session_id = $1`

	var (
		r           feedback.Record
		status      string
		generatedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&r.SessionID, &status, &r.Analysis, &r.ActionGuide, &r.Error, &generatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return feedback.Record{}, feedback.ErrNotFound(sessionID)
	}
	if err != nil {
		return feedback.Record{}, fault.Wrap(fault.KindStorage, "feedback postgres: get", err)
	}
	r.Status = feedback.Status(status)
	if generatedAt != nil {
		r.GeneratedAt = *generatedAt
	}
	return r, nil
}

// Exists implements [feedback.Store].
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM feedback WHERE session_id = $1)`
	var ok bool
	if err := s.pool.QueryRow(ctx, q, sessionID).Scan(&ok); err != nil {
		return false, fault.Wrap(fault.KindStorage, "feedback postgres: exists", err)
	}
	return ok, nil
}
