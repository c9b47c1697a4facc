// Package dialogue orchestrates a child's spoken turn from upload to stored
// transcript.
//
// One call to [Service.ProcessTurn] walks a fixed sequence of phases:
//
//	Validating → Converting → Detecting → Inferring → Persisting → Deciding
//
// and ends Completed, Rejected (no speech) or Failed. No database
// transaction is held while audio is converted, the inference service is
// called or reply audio is uploaded; the only writes are the idempotent
// first-utterance status flip during Validating and the atomic CHILD/AI turn
// pair during Persisting.
//
// Requests share no in-process state. All coordination happens through the
// [session.Store].
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/storyturn/internal/blob"
	"github.com/MrWong99/storyturn/internal/catalog"
	"github.com/MrWong99/storyturn/internal/feedback"
	"github.com/MrWong99/storyturn/internal/inference"
	"github.com/MrWong99/storyturn/internal/observe"
	"github.com/MrWong99/storyturn/internal/session"
	"github.com/MrWong99/storyturn/pkg/audio"
	"github.com/MrWong99/storyturn/pkg/vad"
)

// DefaultSessionTTL is how long a new session may stay open before the
// sweeper fails it.
const DefaultSessionTTL = time.Hour

// Inference is the remote model service. [*inference.Client] implements it.
type Inference interface {
	Turn(ctx context.Context, req inference.TurnRequest) (*inference.TurnResult, error)
	StartSession(ctx context.Context, req inference.StartRequest) (*inference.StartResult, error)
}

// Detector classifies a canonical waveform as speech or silence.
// [*vad.Detector] implements it.
type Detector interface {
	Detect(w *audio.Waveform) vad.Decision
}

// FeedbackTrigger starts feedback generation in the background.
// [*feedback.Dispatcher] implements it.
type FeedbackTrigger interface {
	TriggerAsync(ctx context.Context, sessionID string)
}

// Config holds the collaborators of a [Service]. Every interface field is
// required.
type Config struct {
	Store      session.Store
	Catalog    catalog.Catalog
	Normalizer audio.Normalizer
	Detector   Detector
	Inference  Inference
	Blobs      blob.Store

	// Feedback is consulted before dispatching so that a session with an
	// existing record is never regenerated.
	Feedback   feedback.Store
	Dispatcher FeedbackTrigger

	// SessionTTL sets ExpireAt on new sessions. Default: [DefaultSessionTTL].
	SessionTTL time.Duration

	// Metrics records phase latencies and outcomes. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	// NewID issues a session ID when the inference service does not supply
	// one. Default: uuid.NewString.
	NewID func() string
}

// Service runs dialogue turns and session lifecycle operations.
// It is safe for concurrent use.
type Service struct {
	cfg Config
}

// New validates cfg and returns a [Service].
func New(cfg Config) (*Service, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if cfg.Catalog == nil {
		errs = append(errs, errors.New("catalog is required"))
	}
	if cfg.Normalizer == nil {
		errs = append(errs, errors.New("normalizer is required"))
	}
	if cfg.Detector == nil {
		errs = append(errs, errors.New("detector is required"))
	}
	if cfg.Inference == nil {
		errs = append(errs, errors.New("inference client is required"))
	}
	if cfg.Blobs == nil {
		errs = append(errs, errors.New("blob store is required"))
	}
	if cfg.Feedback == nil {
		errs = append(errs, errors.New("feedback store is required"))
	}
	if cfg.Dispatcher == nil {
		errs = append(errs, errors.New("feedback dispatcher is required"))
	}
	if cfg.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("session ttl must be >= 0, got %s", cfg.SessionTTL))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("dialogue: %w", err)
	}

	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{cfg: cfg}, nil
}
