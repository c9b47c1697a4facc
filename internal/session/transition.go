package session

import (
	"fmt"
	"slices"

	"github.com/MrWong99/storyturn/internal/fault"
)

// Event drives a session's status machine.
type Event string

const (
	// EventUtterance is an accepted child utterance.
	EventUtterance Event = "utterance"

	// EventComplete is the end of the script.
	EventComplete Event = "complete"

	// EventExpire is the sweeper finding the session past its expiry.
	EventExpire Event = "expire"

	// EventFail is an explicit abort by the client.
	EventFail Event = "fail"
)

// Effect is a side effect the caller must carry out after a transition.
type Effect string

const (
	// EffectStampEnded sets EndedAt on the session.
	EffectStampEnded Effect = "stamp_ended"

	// EffectDispatchFeedback schedules the feedback job for the session.
	EffectDispatchFeedback Effect = "dispatch_feedback"
)

// ErrAlreadyTerminal is returned by [Transition] for any event on a COMPLETED
// or FAILED session. Callers treat it as a successful no-op.
var ErrAlreadyTerminal error = &fault.Error{Kind: fault.KindAlreadyTerminal, Op: "session: transition", Msg: "session already finished"}

// Transition computes the next status for current after ev, together with
// the side effects the caller must apply. It touches no state.
//
//	CREATED     + utterance        → IN_PROGRESS
//	IN_PROGRESS + utterance        → IN_PROGRESS
//	open        + complete         → COMPLETED (stamp ended, dispatch feedback)
//	open        + expire | fail    → FAILED    (stamp ended)
//	terminal    + any              → unchanged, ErrAlreadyTerminal
func Transition(current Status, ev Event) (Status, []Effect, error) {
	if current.IsTerminal() {
		return current, nil, ErrAlreadyTerminal
	}
	if !current.IsValid() {
		return current, nil, fmt.Errorf("session: transition: unknown status %q", current)
	}

	switch ev {
	case EventUtterance:
		return StatusInProgress, nil, nil
	case EventComplete:
		return StatusCompleted, []Effect{EffectStampEnded, EffectDispatchFeedback}, nil
	case EventExpire, EventFail:
		return StatusFailed, []Effect{EffectStampEnded}, nil
	}
	return current, nil, fmt.Errorf("session: transition: unknown event %q", ev)
}

// HasEffect reports whether effects contains e.
func HasEffect(effects []Effect, e Effect) bool {
	return slices.Contains(effects, e)
}
