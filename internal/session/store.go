package session

import (
	"context"
	"time"
)

// Store is the durable record of sessions and their turn logs. It is the
// only shared mutable resource between concurrent turn requests and the
// [Sweeper].
//
// Implementations must serialise turn-number allocation per session and must
// apply status changes as compare-and-swap on "not terminal", so that a live
// request and the sweeper racing on the same session resolve to first writer
// wins, second is a no-op.
//
// All methods are safe for concurrent use. Lookups of unknown sessions fail
// with [fault.KindNotFound].
type Store interface {
	// CreateSession inserts s and, if intro is non-nil, its first turn in the
	// same transaction. The intro turn is numbered 1.
	CreateSession(ctx context.Context, s Session, intro *Turn) error

	// GetSession returns the session with the given ID.
	GetSession(ctx context.Context, id string) (Session, error)

	// ListSessions returns a child's sessions, newest first.
	ListSessions(ctx context.Context, childID int64) ([]Session, error)

	// TransitionStatus applies ev to the session's status via [Transition] at
	// time at. It returns the resulting session and whether anything changed.
	// An event on a terminal session, or one that leaves the status as it
	// was, is a no-op and returns changed=false with a nil error; EndedAt is
	// never rewritten.
	TransitionStatus(ctx context.Context, id string, ev Event, at time.Time) (s Session, changed bool, err error)

	// NextTurnNumber returns max(existing turn numbers)+1, or 1 for a session
	// without turns. The value is computed fresh on every call.
	NextTurnNumber(ctx context.Context, id string) (int, error)

	// AppendTurns atomically numbers and stores turns after the existing log.
	// Turn numbers in the input are ignored; the stored turns are returned
	// with numbers assigned. When complete is non-nil the session is moved to
	// COMPLETED with EndedAt set to *complete in the same transaction.
	//
	// A terminal session is rejected with [fault.KindSessionEnded] and
	// nothing is written.
	AppendTurns(ctx context.Context, id string, turns []Turn, complete *time.Time) ([]Turn, error)

	// ExpireSessions fails every CREATED or IN_PROGRESS session whose
	// ExpireAt is before now, stamping EndedAt=now. Writes are issued in
	// batches of at most batchSize. A failure on one session does not stop
	// the others; the IDs actually expired are returned alongside any joined
	// error.
	ExpireSessions(ctx context.Context, now time.Time, batchSize int) ([]string, error)

	// ListTurns returns the session's turns ordered by turn number.
	ListTurns(ctx context.Context, id string) ([]Turn, error)

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
}
