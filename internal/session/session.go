// Package session models a child's dialogue session and its ordered turn log.
//
// A [Session] moves through a fixed lifecycle (see [Transition]); once it is
// COMPLETED or FAILED it is immutable. Turns are appended in CHILD/AI pairs
// with gapless, strictly increasing turn numbers allocated by the [Store].
//
// The package also provides the [Sweeper], a background loop that fails
// sessions abandoned past their expiry time.
package session

import (
	"fmt"
	"time"

	"github.com/MrWong99/storyturn/internal/fault"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether s is COMPLETED or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Stage tags where in the scripted dialogue a turn happens.
type Stage string

const (
	StageIntro Stage = "INTRO"
	StageS1    Stage = "S1"
	StageS2    Stage = "S2"
	StageS3    Stage = "S3"
	StageS4    Stage = "S4"
	StageS5    Stage = "S5"
	StageS6    Stage = "S6"
)

// TerminalStage is the only stage whose turn may end a session.
const TerminalStage = StageS6

// IsTerminal reports whether s is the final stage of the script.
func (s Stage) IsTerminal() bool { return s == TerminalStage }

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageIntro, StageS1, StageS2, StageS3, StageS4, StageS5, StageS6:
		return true
	}
	return false
}

// ParseStage converts a stage tag. Unknown tags fail with
// [fault.KindInvalidArgument].
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.IsValid() {
		return "", fault.New(fault.KindInvalidArgument, "session: parse stage", fmt.Sprintf("unknown stage %q", s))
	}
	return st, nil
}

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerChild Speaker = "CHILD"
	SpeakerAI    Speaker = "AI"
)

// Session is one conversation between a child and the AI about a story.
type Session struct {
	// ID is the opaque session token issued at session start.
	ID string

	ChildID int64
	StoryID int64

	Status Status

	StartedAt time.Time

	// EndedAt is nil until the session reaches a terminal status.
	EndedAt *time.Time

	// ExpireAt is when the sweeper may fail a session that is still open.
	ExpireAt time.Time

	CreatedAt time.Time
}

// Turn is one persisted utterance in a session's log.
type Turn struct {
	SessionID string

	// TurnNumber is sequence-wide across speakers, starting at 1.
	TurnNumber int

	Stage   Stage
	Speaker Speaker
	Content string

	// AudioURL points at synthesized reply audio; empty for child turns.
	AudioURL string

	RetryCount int

	IsSafe       bool
	UnsafeReason string

	// Emotion is the detected emotion label, if any.
	Emotion string

	FallbackTriggered bool

	CreatedAt time.Time
}
