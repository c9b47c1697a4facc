// Package postgres provides a PostgreSQL-backed [session.Store].
//
// Sessions and turns live in two tables. Turn numbers are allocated inside a
// transaction that holds the session row lock (SELECT … FOR UPDATE), and the
// (session_id, turn_number) primary key rejects any duplicate that slips past
// that lock. Status changes are conditional on the row still being open, so
// the expiry sweeper and a live turn racing on the same session never
// overwrite each other.
//
// Usage:
//
//	pool, err := pgxpool.New(ctx, dsn)
//	if err != nil { … }
//	store, err := postgres.NewStore(ctx, pool)
//	if err != nil { … }
//	turns, err := store.AppendTurns(ctx, id, pair, nil)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    child_id    BIGINT       NOT NULL,
    story_id    BIGINT       NOT NULL,
    status      TEXT         NOT NULL
                CHECK (status IN ('CREATED', 'IN_PROGRESS', 'COMPLETED', 'FAILED')),
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    expire_at   TIMESTAMPTZ  NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_child_started
    ON sessions (child_id, started_at DESC);

CREATE INDEX IF NOT EXISTS idx_sessions_open_expire
    ON sessions (expire_at)
    WHERE status IN ('CREATED', 'IN_PROGRESS');
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    session_id          TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    turn_number         INTEGER      NOT NULL CHECK (turn_number > 0),
    stage               TEXT         NOT NULL,
    speaker             TEXT         NOT NULL CHECK (speaker IN ('CHILD', 'AI')),
    content             TEXT         NOT NULL DEFAULT '',
    audio_url           TEXT         NOT NULL DEFAULT '',
    retry_count         INTEGER      NOT NULL DEFAULT 0,
    is_safe             BOOLEAN      NOT NULL DEFAULT true,
    unsafe_reason       TEXT         NOT NULL DEFAULT '',
    emotion             TEXT         NOT NULL DEFAULT '',
    fallback_triggered  BOOLEAN      NOT NULL DEFAULT false,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, turn_number)
);
`

// Migrate creates the sessions and turns tables if they do not exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("session postgres: migrate: %w", err)
		}
	}
	return nil
}
