package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/session"
	"github.com/MrWong99/storyturn/internal/session/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if STORYTURN_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("STORYTURN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STORYTURN_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS turns CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}

	store, err := postgres.NewStore(ctx, pool)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func create(t *testing.T, store *postgres.Store, id string, status session.Status, expireAt time.Time) {
	t.Helper()
	err := store.CreateSession(context.Background(), session.Session{
		ID:        id,
		ChildID:   1,
		StoryID:   1,
		Status:    status,
		StartedAt: t0,
		ExpireAt:  expireAt,
	}, nil)
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", id, err)
	}
}

func pair(stage session.Stage) []session.Turn {
	return []session.Turn{
		{Stage: stage, Speaker: session.SpeakerChild, Content: "I think the fox was sad", IsSafe: true},
		{Stage: stage, Speaker: session.SpeakerAI, Content: "Why was the fox sad?", IsSafe: true},
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intro := &session.Turn{Stage: session.StageIntro, Speaker: session.SpeakerAI, Content: "Hello!", IsSafe: true}
	err := store.CreateSession(ctx, session.Session{
		ID: "s1", ChildID: 4, StoryID: 9, Status: session.StatusCreated,
		StartedAt: t0, ExpireAt: t0.Add(time.Hour),
	}, intro)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ChildID != 4 || got.Status != session.StatusCreated || got.EndedAt != nil {
		t.Errorf("GetSession = %+v", got)
	}
	if n, err := store.NextTurnNumber(ctx, "s1"); err != nil || n != 2 {
		t.Errorf("NextTurnNumber = %d, %v, want 2", n, err)
	}

	if _, err := store.GetSession(ctx, "nope"); !fault.Is(err, fault.KindNotFound) {
		t.Errorf("GetSession(nope) err = %v, want NotFound", err)
	}
	if _, err := store.NextTurnNumber(ctx, "nope"); !fault.Is(err, fault.KindNotFound) {
		t.Errorf("NextTurnNumber(nope) err = %v, want NotFound", err)
	}
}

func TestAppendTurns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	create(t, store, "s1", session.StatusInProgress, t0.Add(time.Hour))

	first, err := store.AppendTurns(ctx, "s1", pair(session.StageS1), nil)
	if err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}
	if first[0].TurnNumber != 1 || first[1].TurnNumber != 2 {
		t.Errorf("numbers = %d,%d", first[0].TurnNumber, first[1].TurnNumber)
	}

	end := t0.Add(20 * time.Minute)
	if _, err := store.AppendTurns(ctx, "s1", pair(session.StageS6), &end); err != nil {
		t.Fatalf("AppendTurns complete: %v", err)
	}
	got, _ := store.GetSession(ctx, "s1")
	if got.Status != session.StatusCompleted || got.EndedAt == nil || !got.EndedAt.Equal(end) {
		t.Errorf("session = %s ended %v", got.Status, got.EndedAt)
	}

	if _, err := store.AppendTurns(ctx, "s1", pair(session.StageS6), nil); !fault.Is(err, fault.KindSessionEnded) {
		t.Errorf("append after end err = %v, want SessionEnded", err)
	}

	turns, err := store.ListTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("len(turns) = %d, want 4", len(turns))
	}
	for i, turn := range turns {
		if turn.TurnNumber != i+1 {
			t.Errorf("turn[%d] = #%d", i, turn.TurnNumber)
		}
	}
}

func TestAppendTurns_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	create(t, store, "s1", session.StatusInProgress, t0.Add(time.Hour))

	const workers = 8
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AppendTurns(ctx, "s1", pair(session.StageS3), nil); err != nil {
				t.Errorf("AppendTurns: %v", err)
			}
		}()
	}
	wg.Wait()

	turns, _ := store.ListTurns(ctx, "s1")
	if len(turns) != 2*workers {
		t.Fatalf("len(turns) = %d, want %d", len(turns), 2*workers)
	}
	for i, turn := range turns {
		if turn.TurnNumber != i+1 {
			t.Fatalf("gap at %d: #%d", i, turn.TurnNumber)
		}
		if (i%2 == 0) != (turn.Speaker == session.SpeakerChild) {
			t.Errorf("turn #%d speaker %s breaks CHILD/AI pairing", turn.TurnNumber, turn.Speaker)
		}
	}
}

func TestTransitionStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	create(t, store, "s1", session.StatusCreated, t0.Add(time.Hour))

	got, changed, err := store.TransitionStatus(ctx, "s1", session.EventUtterance, t0)
	if err != nil || !changed || got.Status != session.StatusInProgress {
		t.Fatalf("utterance: %s %v %v", got.Status, changed, err)
	}

	failedAt := t0.Add(time.Minute)
	if _, changed, err := store.TransitionStatus(ctx, "s1", session.EventFail, failedAt); err != nil || !changed {
		t.Fatalf("fail: %v %v", changed, err)
	}
	got, changed, err = store.TransitionStatus(ctx, "s1", session.EventExpire, failedAt.Add(time.Hour))
	if err != nil || changed {
		t.Errorf("expire after fail: changed=%v err=%v, want no-op", changed, err)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(failedAt) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, failedAt)
	}
}

func TestExpireSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := t0.Add(3 * time.Hour)
	create(t, store, "old-1", session.StatusCreated, t0)
	create(t, store, "old-2", session.StatusInProgress, t0.Add(time.Minute))
	create(t, store, "old-3", session.StatusInProgress, t0.Add(2*time.Minute))
	create(t, store, "fresh", session.StatusInProgress, now.Add(time.Hour))
	create(t, store, "done", session.StatusCompleted, t0)

	ids, err := store.ExpireSessions(ctx, now, 2)
	if err != nil {
		t.Fatalf("ExpireSessions: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expired = %v, want 3 sessions", ids)
	}
	for _, id := range ids {
		got, _ := store.GetSession(ctx, id)
		if got.Status != session.StatusFailed || got.EndedAt == nil || !got.EndedAt.Equal(now) {
			t.Errorf("%s = %s ended %v", id, got.Status, got.EndedAt)
		}
	}
	if got, _ := store.GetSession(ctx, "done"); got.Status != session.StatusCompleted {
		t.Errorf("done reverted to %s", got.Status)
	}

	again, err := store.ExpireSessions(ctx, now, 2)
	if err != nil || len(again) != 0 {
		t.Errorf("second run = %v, %v", again, err)
	}
}

func TestListSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	create(t, store, "a", session.StatusCreated, t0.Add(time.Hour))

	got, err := store.ListSessions(ctx, 1)
	if err != nil || len(got) != 1 || got[0].ID != "a" {
		t.Errorf("ListSessions = %+v, %v", got, err)
	}
	if empty, err := store.ListSessions(ctx, 404); err != nil || len(empty) != 0 {
		t.Errorf("ListSessions(404) = %+v, %v", empty, err)
	}
}
