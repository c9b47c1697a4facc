package dialogue

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/storyturn/internal/blob"
	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/inference"
	"github.com/MrWong99/storyturn/internal/observe"
	"github.com/MrWong99/storyturn/internal/session"
	"github.com/MrWong99/storyturn/pkg/audio"
)

// aiTurnOffset separates the AI reply's timestamp from the child utterance it
// answers.
const aiTurnOffset = time.Millisecond

// TurnRequest is one uploaded child utterance.
type TurnRequest struct {
	SessionID string
	Stage     session.Stage
	ChildID   int64
	StoryID   int64

	// Audio is the raw upload in any supported container.
	Audio    []byte
	Filename string
	MIMEType string
}

// TurnResponse is what the client needs to continue the dialogue.
type TurnResponse struct {
	SessionID    string
	CurrentStage session.Stage

	// NextStage is nil when the session ended with this turn.
	NextStage *session.Stage

	ChildText  string
	AIText     string
	AIAudioURL string

	End bool
}

// IsEnd reports whether a turn on stage ends the session given the inference
// service's next-stage answer. Only the terminal stage can end a session, and
// only when no next stage was returned.
func IsEnd(stage session.Stage, nextStage string) bool {
	return stage.IsTerminal() && strings.TrimSpace(nextStage) == ""
}

// ProcessTurn runs one child utterance through the full pipeline.
//
// Errors carry a [fault.Kind]: NotFound for unknown session, child or story;
// SessionEnded for a finished session; UnsupportedFormat, ConversionFailed or
// IO from normalization; NoSpeechDetected when the clip is silent;
// Inference or Storage from remote collaborators. Apart from the
// first-utterance status flip, a failed call leaves no trace in the store.
func (s *Service) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	start := time.Now()
	ctx = observe.WithSession(ctx, req.SessionID)
	ctx, span := observe.StartSpan(ctx, "dialogue.ProcessTurn",
		trace.WithAttributes(attribute.String("dialogue.stage", string(req.Stage))),
	)
	defer span.End()

	log := observe.Logger(ctx).With("stage", req.Stage)

	resp, err := s.processTurn(ctx, req, log)

	outcome := OutcomeCompleted
	switch {
	case fault.Is(err, fault.KindNoSpeechDetected):
		outcome = OutcomeRejected
		log.Info("dialogue: turn rejected, no speech")
	case err != nil:
		outcome = OutcomeFailed
		log.Warn("dialogue: turn failed", "kind", fault.KindOf(err), "err", err)
	default:
		var next string
		if resp.NextStage != nil {
			next = string(*resp.NextStage)
		}
		log.Info("dialogue: turn completed", "next_stage", next, "end", resp.End, "duration", time.Since(start))
	}
	span.SetAttributes(attribute.String("dialogue.outcome", string(outcome)))
	if outcome == OutcomeFailed {
		observe.FailSpan(span, err)
	}
	s.cfg.Metrics.RecordTurn(ctx, string(outcome), time.Since(start))
	return resp, err
}

func (s *Service) processTurn(ctx context.Context, req TurnRequest, log *slog.Logger) (*TurnResponse, error) {
	if !req.Stage.IsValid() {
		return nil, fault.New(fault.KindInvalidArgument, "dialogue: turn", fmt.Sprintf("unknown stage %q", req.Stage))
	}
	if req.SessionID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "dialogue: turn", "session id is required")
	}
	if len(req.Audio) == 0 {
		return nil, fault.New(fault.KindInvalidArgument, "dialogue: turn", "audio is empty")
	}

	if err := s.runPhase(ctx, PhaseValidating, func(ctx context.Context) error {
		return s.validate(ctx, req, log)
	}); err != nil {
		return nil, err
	}

	var wave *audio.Waveform
	if err := s.runPhase(ctx, PhaseConverting, func(ctx context.Context) error {
		var err error
		wave, err = s.cfg.Normalizer.Normalize(ctx, req.Audio, req.Filename, req.MIMEType)
		status := "ok"
		if err != nil {
			status = fault.KindOf(err).String()
		}
		s.cfg.Metrics.RecordConversion(ctx, formatLabel(req.Filename, req.MIMEType), status)
		return err
	}); err != nil {
		return nil, err
	}

	if err := s.runPhase(ctx, PhaseDetecting, func(ctx context.Context) error {
		dec := s.cfg.Detector.Detect(wave)
		log.Debug("dialogue: vad decision",
			"silent", dec.Silent,
			"dbfs", dec.Amplitude.DBFS,
			"duration", dec.Amplitude.Duration,
		)
		if dec.Silent {
			s.cfg.Metrics.RecordVADRejection(ctx, dec.Stage())
			return fault.New(fault.KindNoSpeechDetected, "dialogue: detect", "no speech detected, please try again")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var (
		res      *inference.TurnResult
		audioURL string
	)
	if err := s.runPhase(ctx, PhaseInferring, func(ctx context.Context) error {
		var err error
		res, err = s.cfg.Inference.Turn(ctx, inference.TurnRequest{
			SessionID: req.SessionID,
			Stage:     string(req.Stage),
			Audio:     wave,
		})
		if err != nil {
			return err
		}
		if res.Degraded {
			log.Warn("dialogue: inference returned no result body")
		}
		audioURL, err = s.uploadReply(ctx, req, res)
		return err
	}); err != nil {
		return nil, err
	}

	end := IsEnd(req.Stage, res.NextStage)
	if err := s.runPhase(ctx, PhasePersisting, func(ctx context.Context) error {
		now := s.cfg.Now()
		var complete *time.Time
		if end {
			complete = &now
		}
		_, err := s.cfg.Store.AppendTurns(ctx, req.SessionID, turnPair(req, res, audioURL, now), complete)
		return err
	}); err != nil {
		return nil, err
	}

	resp := &TurnResponse{
		SessionID:    req.SessionID,
		CurrentStage: req.Stage,
		ChildText:    res.Transcript.Text,
		AIText:       res.Reply.Text,
		AIAudioURL:   audioURL,
		End:          end,
	}
	// The turn is already persisted; a deciding failure is logged, not returned.
	if err := s.runPhase(ctx, PhaseDeciding, func(ctx context.Context) error {
		if !end {
			next := session.Stage(res.NextStage)
			if next != "" && !next.IsValid() {
				log.Warn("dialogue: inference returned unknown next stage", "next_stage", res.NextStage)
			}
			if next != "" {
				resp.NextStage = &next
			}
			return nil
		}
		log.Info("dialogue: session completed")
		s.cfg.Metrics.RecordSessionEnded(ctx, string(session.StatusCompleted))
		return s.dispatchFeedback(ctx, req.SessionID, log)
	}); err != nil {
		log.Warn("dialogue: feedback lookup failed, not dispatching", "err", err)
	}
	return resp, nil
}

// validate checks that the referenced entities exist and performs the
// first-utterance CREATED → IN_PROGRESS flip.
func (s *Service) validate(ctx context.Context, req TurnRequest, log *slog.Logger) error {
	if _, err := s.cfg.Catalog.Child(ctx, req.ChildID); err != nil {
		return err
	}
	if _, err := s.cfg.Catalog.Story(ctx, req.StoryID); err != nil {
		return err
	}
	sess, err := s.cfg.Store.GetSession(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusCreated {
		var changed bool
		sess, changed, err = s.cfg.Store.TransitionStatus(ctx, req.SessionID, session.EventUtterance, s.cfg.Now())
		if err != nil {
			return err
		}
		if changed {
			log.Info("dialogue: session in progress")
		}
	}
	if sess.Status.IsTerminal() {
		return fault.New(fault.KindSessionEnded, "dialogue: validate", fmt.Sprintf("session %s is %s", sess.ID, sess.Status))
	}
	return nil
}

// uploadReply stores the synthesized reply audio, if any, and returns its URL.
func (s *Service) uploadReply(ctx context.Context, req TurnRequest, res *inference.TurnResult) (string, error) {
	if res.Reply.AudioBase64 == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(res.Reply.AudioBase64)
	if err != nil {
		return "", fault.Wrap(fault.KindInference, "dialogue: decode reply audio", err)
	}
	key := blob.ReplyAudioKey(req.SessionID, string(req.Stage), res.RetryCount)
	return s.cfg.Blobs.Upload(ctx, data, key, blob.ContentType(data, "audio/wav"))
}

// formatLabel names the upload's container for metrics.
func formatLabel(filename, mimeType string) string {
	f, err := audio.DetectFormat(filename, mimeType)
	if err != nil {
		return "unknown"
	}
	return string(f)
}

// turnPair builds the CHILD utterance and AI reply records for one turn.
func turnPair(req TurnRequest, res *inference.TurnResult, audioURL string, now time.Time) []session.Turn {
	child := session.Turn{
		SessionID:         req.SessionID,
		Stage:             req.Stage,
		Speaker:           session.SpeakerChild,
		Content:           res.Transcript.Text,
		RetryCount:        res.RetryCount,
		IsSafe:            res.Safety.IsSafe,
		UnsafeReason:      res.Safety.Message,
		Emotion:           res.Emotion,
		FallbackTriggered: res.FallbackTriggered,
		CreatedAt:         now,
	}
	ai := session.Turn{
		SessionID:  req.SessionID,
		Stage:      req.Stage,
		Speaker:    session.SpeakerAI,
		Content:    res.Reply.Text,
		AudioURL:   audioURL,
		RetryCount: res.RetryCount,
		IsSafe:     true,
		CreatedAt:  now.Add(aiTurnOffset),
	}
	return []session.Turn{child, ai}
}

// dispatchFeedback starts feedback generation unless a record already
// exists. A failed lookup dispatches nothing.
func (s *Service) dispatchFeedback(ctx context.Context, sessionID string, log *slog.Logger) error {
	exists, err := s.cfg.Feedback.Exists(ctx, sessionID)
	if err != nil {
		return err
	}
	if exists {
		log.Debug("dialogue: feedback already exists")
		return nil
	}
	s.cfg.Dispatcher.TriggerAsync(ctx, sessionID)
	return nil
}
