package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/session"
)

var _ session.Store = (*Store)(nil)

const sessionColumns = `id, child_id, story_id, status, started_at, ended_at, expire_at, created_at`

const turnColumns = `session_id, turn_number, stage, speaker, content, audio_url, retry_count,
	is_safe, unsafe_reason, emotion, fallback_triggered, created_at`

// Store implements [session.Store] on a shared [pgxpool.Pool]. The pool is
// owned by the caller; Store never closes it.
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore runs [Migrate] and returns a store using pool.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// CreateSession implements [session.Store].
func (s *Store) CreateSession(ctx context.Context, sess session.Session, intro *session.Turn) error {
	const op = "session postgres: create session"
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const q = `
			INSERT INTO sessions (` + sessionColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err := tx.Exec(ctx, q,
			sess.ID, sess.ChildID, sess.StoryID, string(sess.Status),
			sess.StartedAt, sess.EndedAt, sess.ExpireAt, sess.CreatedAt,
		); err != nil {
			return err
		}
		if intro == nil {
			return nil
		}
		t := *intro
		t.SessionID = sess.ID
		t.TurnNumber = 1
		if t.CreatedAt.IsZero() {
			t.CreatedAt = sess.CreatedAt
		}
		return insertTurn(ctx, tx, t)
	})
	if err != nil {
		return fault.Wrap(fault.KindStorage, op, err)
	}
	return nil
}

// GetSession implements [session.Store].
func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return session.Session{}, lookupErr("session postgres: get session", id, err)
	}
	return sess, nil
}

// ListSessions implements [session.Store].
func (s *Store) ListSessions(ctx context.Context, childID int64) ([]session.Session, error) {
	const q = `
		SELECT ` + sessionColumns + `
		FROM   sessions
		WHERE  child_id = $1
		ORDER  BY started_at DESC, id`

	rows, err := s.pool.Query(ctx, q, childID)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, "session postgres: list sessions", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, "session postgres: list sessions", err)
	}
	if out == nil {
		out = []session.Session{}
	}
	return out, nil
}

// TransitionStatus implements [session.Store].
func (s *Store) TransitionStatus(ctx context.Context, id string, ev session.Event, at time.Time) (session.Session, bool, error) {
	const op = "session postgres: transition"
	var (
		out     session.Session
		changed bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		out = cur

		next, effects, err := session.Transition(cur.Status, ev)
		if errors.Is(err, session.ErrAlreadyTerminal) {
			return nil
		}
		if err != nil {
			return err
		}
		if next == cur.Status {
			return nil
		}

		var ended *time.Time
		if session.HasEffect(effects, session.EffectStampEnded) {
			ended = &at
		}
		out, err = updateStatus(ctx, tx, id, next, ended)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return session.Session{}, false, lookupErr(op, id, err)
	}
	return out, changed, nil
}

// NextTurnNumber implements [session.Store].
func (s *Store) NextTurnNumber(ctx context.Context, id string) (int, error) {
	const q = `
		SELECT COALESCE((SELECT MAX(turn_number) FROM turns WHERE session_id = s.id), 0) + 1
		FROM   sessions s
		WHERE  s.id = $1`

	var n int
	if err := s.pool.QueryRow(ctx, q, id).Scan(&n); err != nil {
		return 0, lookupErr("session postgres: next turn number", id, err)
	}
	return n, nil
}

// AppendTurns implements [session.Store].
func (s *Store) AppendTurns(ctx context.Context, id string, turns []session.Turn, complete *time.Time) ([]session.Turn, error) {
	const op = "session postgres: append turns"
	var stored []session.Turn
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			return fault.New(fault.KindSessionEnded, op, fmt.Sprintf("session %s is %s", id, cur.Status))
		}

		var maxTurn int
		const qMax = `SELECT COALESCE(MAX(turn_number), 0) FROM turns WHERE session_id = $1`
		if err := tx.QueryRow(ctx, qMax, id).Scan(&maxTurn); err != nil {
			return err
		}

		now := time.Now()
		stored = make([]session.Turn, len(turns))
		batch := &pgx.Batch{}
		for i, t := range turns {
			t.SessionID = id
			t.TurnNumber = maxTurn + 1 + i
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			stored[i] = t
			queueTurn(batch, t)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		if complete != nil {
			if _, err := updateStatus(ctx, tx, id, session.StatusCompleted, complete); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if fault.Is(err, fault.KindSessionEnded) {
			return nil, err
		}
		return nil, lookupErr(op, id, err)
	}
	return stored, nil
}

// ExpireSessions implements [session.Store]. Candidates are updated in
// batches; when a batch update fails, its rows are retried one at a time so
// a single bad row cannot block the rest.
func (s *Store) ExpireSessions(ctx context.Context, now time.Time, batchSize int) ([]string, error) {
	const op = "session postgres: expire sessions"
	const qCandidates = `
		SELECT id
		FROM   sessions
		WHERE  status IN ('CREATED', 'IN_PROGRESS')
		  AND  expire_at < $1
		ORDER  BY expire_at, id`

	rows, err := s.pool.Query(ctx, qCandidates, now)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, op, err)
	}
	candidates, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, op, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = len(candidates)
	}

	var (
		expired []string
		errs    []error
	)
	for batch := range slices.Chunk(candidates, batchSize) {
		ids, err := s.expireBatch(ctx, batch, now)
		if err == nil {
			expired = append(expired, ids...)
			continue
		}
		slog.Warn("session postgres: batch expiry failed, retrying per row", "size", len(batch), "err", err)
		for _, id := range batch {
			ids, err := s.expireBatch(ctx, []string{id}, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", op, id, err))
				continue
			}
			expired = append(expired, ids...)
		}
	}
	return expired, errors.Join(errs...)
}

func (s *Store) expireBatch(ctx context.Context, ids []string, now time.Time) ([]string, error) {
	const q = `
		UPDATE sessions
		SET    status   = 'FAILED',
		       ended_at = COALESCE(ended_at, $2)
		WHERE  id = ANY($1)
		  AND  status IN ('CREATED', 'IN_PROGRESS')
		RETURNING id`

	rows, err := s.pool.Query(ctx, q, ids, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ListTurns implements [session.Store].
func (s *Store) ListTurns(ctx context.Context, id string) ([]session.Turn, error) {
	const op = "session postgres: list turns"
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fault.Wrap(fault.KindStorage, op, err)
	}
	if !exists {
		return nil, fault.New(fault.KindNotFound, op, fmt.Sprintf("session %q not found", id))
	}

	const q = `SELECT ` + turnColumns + ` FROM turns WHERE session_id = $1 ORDER BY turn_number`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, op, err)
	}
	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, op, err)
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	return turns, nil
}

// Ping implements [session.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func lockSession(ctx context.Context, tx pgx.Tx, id string) (session.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
	return scanSession(tx.QueryRow(ctx, q, id))
}

// updateStatus moves an open session to status. ended is only written when
// the row has no end time yet.
func updateStatus(ctx context.Context, tx pgx.Tx, id string, status session.Status, ended *time.Time) (session.Session, error) {
	const q = `
		UPDATE sessions
		SET    status   = $2,
		       ended_at = COALESCE(ended_at, $3)
		WHERE  id = $1
		  AND  status IN ('CREATED', 'IN_PROGRESS')
		RETURNING ` + sessionColumns
	return scanSession(tx.QueryRow(ctx, q, id, string(status), ended))
}

func insertTurn(ctx context.Context, tx pgx.Tx, t session.Turn) error {
	batch := &pgx.Batch{}
	queueTurn(batch, t)
	return tx.SendBatch(ctx, batch).Close()
}

func queueTurn(batch *pgx.Batch, t session.Turn) {
	const q = `
		INSERT INTO turns (` + turnColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	batch.Queue(q,
		t.SessionID, t.TurnNumber, string(t.Stage), string(t.Speaker),
		t.Content, t.AudioURL, t.RetryCount,
		t.IsSafe, t.UnsafeReason, t.Emotion, t.FallbackTriggered, t.CreatedAt,
	)
}

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		sess   session.Session
		status string
	)
	err := row.Scan(
		&sess.ID,
		&sess.ChildID,
		&sess.StoryID,
		&status,
		&sess.StartedAt,
		&sess.EndedAt,
		&sess.ExpireAt,
		&sess.CreatedAt,
	)
	sess.Status = session.Status(status)
	return sess, err
}

func scanTurn(row pgx.CollectableRow) (session.Turn, error) {
	var (
		t              session.Turn
		stage, speaker string
	)
	err := row.Scan(
		&t.SessionID,
		&t.TurnNumber,
		&stage,
		&speaker,
		&t.Content,
		&t.AudioURL,
		&t.RetryCount,
		&t.IsSafe,
		&t.UnsafeReason,
		&t.Emotion,
		&t.FallbackTriggered,
		&t.CreatedAt,
	)
	t.Stage = session.Stage(stage)
	t.Speaker = session.Speaker(speaker)
	return t, err
}

// lookupErr maps pgx.ErrNoRows to NotFound and everything else to Storage,
// leaving errors that already carry a kind alone.
func lookupErr(op, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.New(fault.KindNotFound, op, fmt.Sprintf("session %q not found", id))
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.KindStorage, op, err)
}
