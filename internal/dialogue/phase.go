package dialogue

import (
	"context"
	"time"

	"github.com/MrWong99/storyturn/internal/observe"
)

// Phase is a step of turn processing.
type Phase int

const (
	PhaseValidating Phase = iota
	PhaseConverting
	PhaseDetecting
	PhaseInferring
	PhasePersisting
	PhaseDeciding
)

// String returns the lowercase phase name used in logs, spans and metrics.
func (p Phase) String() string {
	switch p {
	case PhaseValidating:
		return "validating"
	case PhaseConverting:
		return "converting"
	case PhaseDetecting:
		return "detecting"
	case PhaseInferring:
		return "inferring"
	case PhasePersisting:
		return "persisting"
	case PhaseDeciding:
		return "deciding"
	}
	return "unknown"
}

// Outcome is how a turn request ended. It describes the request, not the
// session.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// runPhase runs fn inside a span named after p and records its latency.
func (s *Service) runPhase(ctx context.Context, p Phase, fn func(ctx context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, "dialogue."+p.String())
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	s.cfg.Metrics.RecordPhase(ctx, p.String(), time.Since(start))
	observe.FailSpan(span, err)
	return err
}
