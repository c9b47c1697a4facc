// Package memstore provides an in-memory [session.Store] for tests and local
// development. It follows the same rules as the PostgreSQL store: turn numbers
// are allocated under one lock, and terminal sessions are immutable.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/session"
)

var _ session.Store = (*Store)(nil)

// Store is a mutex-guarded map of sessions and their turn logs.
// The zero value is not usable; call [New].
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	turns    map[string][]session.Turn

	// failExpire, if set, makes ExpireSessions fail for the returned IDs.
	failExpire func(id string) error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*session.Session),
		turns:    make(map[string][]session.Turn),
	}
}

// FailExpireFor makes subsequent ExpireSessions calls report an error for
// every session where fn returns non-nil. It lets callers exercise per-row
// failure isolation.
func (s *Store) FailExpireFor(fn func(id string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failExpire = fn
}

// CreateSession implements [session.Store].
func (s *Store) CreateSession(_ context.Context, sess session.Session, intro *session.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		return fault.New(fault.KindInvalidArgument, "memstore: create session", "empty session id")
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return fault.New(fault.KindInvalidArgument, "memstore: create session", fmt.Sprintf("session %q already exists", sess.ID))
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	s.sessions[sess.ID] = &sess
	if intro != nil {
		t := *intro
		t.SessionID = sess.ID
		t.TurnNumber = 1
		if t.CreatedAt.IsZero() {
			t.CreatedAt = sess.CreatedAt
		}
		s.turns[sess.ID] = []session.Turn{t}
	}
	return nil
}

// GetSession implements [session.Store].
func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookup("memstore: get session", id)
	if err != nil {
		return session.Session{}, err
	}
	return copySession(sess), nil
}

// ListSessions implements [session.Store].
func (s *Store) ListSessions(_ context.Context, childID int64) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []session.Session{}
	for _, sess := range s.sessions {
		if sess.ChildID == childID {
			out = append(out, copySession(sess))
		}
	}
	slices.SortFunc(out, func(a, b session.Session) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out, nil
}

// TransitionStatus implements [session.Store].
func (s *Store) TransitionStatus(_ context.Context, id string, ev session.Event, at time.Time) (session.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookup("memstore: transition", id)
	if err != nil {
		return session.Session{}, false, err
	}
	changed, err := apply(sess, ev, at)
	if err != nil {
		return session.Session{}, false, err
	}
	return copySession(sess), changed, nil
}

// NextTurnNumber implements [session.Store].
func (s *Store) NextTurnNumber(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup("memstore: next turn number", id); err != nil {
		return 0, err
	}
	return s.maxTurn(id) + 1, nil
}

// AppendTurns implements [session.Store].
func (s *Store) AppendTurns(_ context.Context, id string, turns []session.Turn, complete *time.Time) ([]session.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "memstore: append turns"
	sess, err := s.lookup(op, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, fault.New(fault.KindSessionEnded, op, fmt.Sprintf("session %s is %s", id, sess.Status))
	}

	next := s.maxTurn(id) + 1
	now := time.Now()
	stored := make([]session.Turn, len(turns))
	for i, t := range turns {
		t.SessionID = id
		t.TurnNumber = next + i
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		stored[i] = t
	}
	s.turns[id] = append(s.turns[id], stored...)

	if complete != nil {
		if _, err := apply(sess, session.EventComplete, *complete); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return slices.Clone(stored), nil
}

// ExpireSessions implements [session.Store].
func (s *Store) ExpireSessions(_ context.Context, now time.Time, batchSize int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []string
	for id, sess := range s.sessions {
		if !sess.Status.IsTerminal() && sess.ExpireAt.Before(now) {
			candidates = append(candidates, id)
		}
	}
	slices.Sort(candidates)

	if batchSize <= 0 {
		batchSize = len(candidates)
	}
	var (
		expired []string
		errs    []error
	)
	for batch := range slices.Chunk(candidates, max(batchSize, 1)) {
		for _, id := range batch {
			if s.failExpire != nil {
				if err := s.failExpire(id); err != nil {
					errs = append(errs, fmt.Errorf("memstore: expire %s: %w", id, err))
					continue
				}
			}
			changed, err := apply(s.sessions[id], session.EventExpire, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("memstore: expire %s: %w", id, err))
				continue
			}
			if changed {
				expired = append(expired, id)
			}
		}
	}
	return expired, errors.Join(errs...)
}

// ListTurns implements [session.Store].
func (s *Store) ListTurns(_ context.Context, id string) ([]session.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup("memstore: list turns", id); err != nil {
		return nil, err
	}
	out := slices.Clone(s.turns[id])
	slices.SortFunc(out, func(a, b session.Turn) int {
		return cmp.Compare(a.TurnNumber, b.TurnNumber)
	})
	if out == nil {
		out = []session.Turn{}
	}
	return out, nil
}

// Ping implements [session.Store]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) lookup(op, id string) (*session.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, op, fmt.Sprintf("session %q not found", id))
	}
	return sess, nil
}

func (s *Store) maxTurn(id string) int {
	n := 0
	for _, t := range s.turns[id] {
		n = max(n, t.TurnNumber)
	}
	return n
}

// apply runs the status machine against sess in place. Terminal sessions are
// left untouched and reported as unchanged.
func apply(sess *session.Session, ev session.Event, at time.Time) (bool, error) {
	next, effects, err := session.Transition(sess.Status, ev)
	if errors.Is(err, session.ErrAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if next == sess.Status {
		return false, nil
	}
	sess.Status = next
	if session.HasEffect(effects, session.EffectStampEnded) && sess.EndedAt == nil {
		ended := at
		sess.EndedAt = &ended
	}
	return true, nil
}

func copySession(sess *session.Session) session.Session {
	out := *sess
	if sess.EndedAt != nil {
		ended := *sess.EndedAt
		out.EndedAt = &ended
	}
	return out
}
