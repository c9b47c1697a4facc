package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/session"
	"github.com/MrWong99/storyturn/internal/session/memstore"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newSession(id string, status session.Status) session.Session {
	return session.Session{
		ID:        id,
		ChildID:   7,
		StoryID:   3,
		Status:    status,
		StartedAt: t0,
		ExpireAt:  t0.Add(time.Hour),
	}
}

func mustCreate(t *testing.T, s *memstore.Store, sess session.Session) {
	t.Helper()
	if err := s.CreateSession(context.Background(), sess, nil); err != nil {
		t.Fatalf("CreateSession(%s): %v", sess.ID, err)
	}
}

func pair(stage session.Stage) []session.Turn {
	return []session.Turn{
		{Stage: stage, Speaker: session.SpeakerChild, Content: "child"},
		{Stage: stage, Speaker: session.SpeakerAI, Content: "ai"},
	}
}

func TestCreateSession_WithIntro(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	intro := &session.Turn{Stage: session.StageIntro, Speaker: session.SpeakerAI, Content: "Hi!", IsSafe: true}
	if err := s.CreateSession(ctx, newSession("a", session.StatusCreated), intro); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	turns, err := s.ListTurns(ctx, "a")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 1 || turns[0].TurnNumber != 1 || turns[0].SessionID != "a" {
		t.Fatalf("turns = %+v, want one intro turn #1", turns)
	}
	if n, _ := s.NextTurnNumber(ctx, "a"); n != 2 {
		t.Errorf("NextTurnNumber = %d, want 2", n)
	}

	if err := s.CreateSession(ctx, newSession("a", session.StatusCreated), nil); err == nil {
		t.Error("duplicate session id accepted")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	t.Parallel()
	_, err := memstore.New().GetSession(context.Background(), "missing")
	if !fault.Is(err, fault.KindNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestNextTurnNumber_Empty(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	mustCreate(t, s, newSession("a", session.StatusCreated))
	n, err := s.NextTurnNumber(context.Background(), "a")
	if err != nil || n != 1 {
		t.Errorf("NextTurnNumber = %d, %v, want 1", n, err)
	}
}

func TestAppendTurns_NumbersAndCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	mustCreate(t, s, newSession("a", session.StatusInProgress))

	first, err := s.AppendTurns(ctx, "a", pair(session.StageS1), nil)
	if err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}
	if first[0].TurnNumber != 1 || first[1].TurnNumber != 2 {
		t.Errorf("numbers = %d,%d, want 1,2", first[0].TurnNumber, first[1].TurnNumber)
	}

	end := t0.Add(10 * time.Minute)
	second, err := s.AppendTurns(ctx, "a", pair(session.StageS6), &end)
	if err != nil {
		t.Fatalf("AppendTurns complete: %v", err)
	}
	if second[0].TurnNumber != 3 || second[1].TurnNumber != 4 {
		t.Errorf("numbers = %d,%d, want 3,4", second[0].TurnNumber, second[1].TurnNumber)
	}

	got, _ := s.GetSession(ctx, "a")
	if got.Status != session.StatusCompleted || got.EndedAt == nil || !got.EndedAt.Equal(end) {
		t.Errorf("session = %s ended %v, want COMPLETED at %v", got.Status, got.EndedAt, end)
	}

	_, err = s.AppendTurns(ctx, "a", pair(session.StageS6), nil)
	if !fault.Is(err, fault.KindSessionEnded) {
		t.Errorf("append after completion: err = %v, want SessionEnded", err)
	}
	turns, _ := s.ListTurns(ctx, "a")
	if len(turns) != 4 {
		t.Errorf("len(turns) = %d, want 4 (rejected append must write nothing)", len(turns))
	}
}

func TestAppendTurns_ConcurrentIsGapless(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	mustCreate(t, s, newSession("a", session.StatusInProgress))

	const workers = 16
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendTurns(ctx, "a", pair(session.StageS2), nil); err != nil {
				t.Errorf("AppendTurns: %v", err)
			}
		}()
	}
	wg.Wait()

	turns, _ := s.ListTurns(ctx, "a")
	if len(turns) != 2*workers {
		t.Fatalf("len(turns) = %d, want %d", len(turns), 2*workers)
	}
	for i, turn := range turns {
		if turn.TurnNumber != i+1 {
			t.Fatalf("turn[%d].TurnNumber = %d, want %d", i, turn.TurnNumber, i+1)
		}
		wantSpeaker := session.SpeakerChild
		if i%2 == 1 {
			wantSpeaker = session.SpeakerAI
		}
		if turn.Speaker != wantSpeaker {
			t.Errorf("turn %d speaker = %s, want %s (pairs interleaved)", turn.TurnNumber, turn.Speaker, wantSpeaker)
		}
	}
}

func TestTransitionStatus_CompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	mustCreate(t, s, newSession("a", session.StatusCreated))

	got, changed, err := s.TransitionStatus(ctx, "a", session.EventUtterance, t0)
	if err != nil || !changed || got.Status != session.StatusInProgress {
		t.Fatalf("utterance: %s changed=%v err=%v", got.Status, changed, err)
	}
	_, changed, err = s.TransitionStatus(ctx, "a", session.EventUtterance, t0)
	if err != nil || changed {
		t.Errorf("repeat utterance: changed=%v err=%v, want no-op", changed, err)
	}

	failedAt := t0.Add(time.Minute)
	if _, changed, _ = s.TransitionStatus(ctx, "a", session.EventFail, failedAt); !changed {
		t.Fatal("fail did not change status")
	}
	got, changed, err = s.TransitionStatus(ctx, "a", session.EventFail, failedAt.Add(time.Hour))
	if err != nil || changed {
		t.Errorf("second fail: changed=%v err=%v, want no-op", changed, err)
	}
	if !got.EndedAt.Equal(failedAt) {
		t.Errorf("EndedAt rewritten: %v, want %v", got.EndedAt, failedAt)
	}
}

func TestExpireSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	stale := newSession("stale", session.StatusInProgress)
	staleCreated := newSession("stale-created", session.StatusCreated)
	fresh := newSession("fresh", session.StatusInProgress)
	fresh.ExpireAt = t0.Add(3 * time.Hour)
	done := newSession("done", session.StatusCompleted)
	for _, sess := range []session.Session{stale, staleCreated, fresh, done} {
		mustCreate(t, s, sess)
	}

	now := t0.Add(2 * time.Hour)
	ids, err := s.ExpireSessions(ctx, now, 1)
	if err != nil {
		t.Fatalf("ExpireSessions: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expired = %v, want stale and stale-created", ids)
	}
	for _, id := range ids {
		got, _ := s.GetSession(ctx, id)
		if got.Status != session.StatusFailed || got.EndedAt == nil || !got.EndedAt.Equal(now) {
			t.Errorf("%s: %s ended %v, want FAILED at %v", id, got.Status, got.EndedAt, now)
		}
	}
	if got, _ := s.GetSession(ctx, "done"); got.Status != session.StatusCompleted {
		t.Errorf("completed session reverted to %s", got.Status)
	}
	if got, _ := s.GetSession(ctx, "fresh"); got.Status != session.StatusInProgress {
		t.Errorf("fresh session changed to %s", got.Status)
	}

	again, err := s.ExpireSessions(ctx, now, 100)
	if err != nil || len(again) != 0 {
		t.Errorf("second sweep = %v, %v, want no-op", again, err)
	}
}

func TestExpireSessions_PerRowIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, s, newSession(id, session.StatusInProgress))
	}
	boom := errors.New("row locked")
	s.FailExpireFor(func(id string) error {
		if id == "b" {
			return boom
		}
		return nil
	})

	ids, err := s.ExpireSessions(ctx, t0.Add(2*time.Hour), 100)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped row error", err)
	}
	if len(ids) != 2 {
		t.Errorf("expired = %v, want a and c", ids)
	}
	if got, _ := s.GetSession(ctx, "b"); got.Status != session.StatusInProgress {
		t.Errorf("b = %s, want untouched", got.Status)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	older := newSession("older", session.StatusCompleted)
	newer := newSession("newer", session.StatusInProgress)
	newer.StartedAt = t0.Add(time.Hour)
	other := newSession("other", session.StatusCreated)
	other.ChildID = 99
	for _, sess := range []session.Session{older, newer, other} {
		mustCreate(t, s, sess)
	}

	got, err := s.ListSessions(ctx, 7)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 || got[0].ID != "newer" || got[1].ID != "older" {
		t.Errorf("ListSessions = %+v, want newer then older", got)
	}
}
