package dialogue

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/MrWong99/storyturn/internal/blob"
	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/feedback"
	"github.com/MrWong99/storyturn/internal/inference"
	"github.com/MrWong99/storyturn/internal/observe"
	"github.com/MrWong99/storyturn/internal/session"
)

// StartRequest opens a dialogue for a child about a story.
type StartRequest struct {
	ChildID int64
	StoryID int64
}

// StartResponse carries the new session and its intro line.
type StartResponse struct {
	SessionID     string
	CharacterName string
	Stage         session.Stage
	IntroText     string
	IntroAudioURL string
}

// StartSession asks the inference service to open a dialogue, stores the
// session as CREATED and logs the intro line as turn 1.
//
// A story without an intro question cannot be started and is reported as
// [fault.KindNotFound].
func (s *Service) StartSession(ctx context.Context, req StartRequest) (*StartResponse, error) {
	ctx, span := observe.StartSpan(ctx, "dialogue.StartSession")
	defer span.End()

	child, err := s.cfg.Catalog.Child(ctx, req.ChildID)
	if err != nil {
		return nil, err
	}
	story, err := s.cfg.Catalog.Story(ctx, req.StoryID)
	if err != nil {
		return nil, err
	}
	if story.IntroQuestion == "" {
		return nil, fault.New(fault.KindNotFound, "dialogue: start session", fmt.Sprintf("story %d has no intro question", story.ID))
	}

	now := s.cfg.Now()
	res, err := s.cfg.Inference.StartSession(ctx, inference.StartRequest{
		StoryName: story.Title,
		ChildName: child.Name,
		ChildAge:  child.AgeIn(now.Year()),
		Intro:     story.IntroQuestion,
	})
	if err != nil {
		return nil, err
	}

	id := res.SessionID
	if id == "" {
		id = s.cfg.NewID()
		observe.Logger(ctx).Warn("dialogue: inference issued no session id, generated one", "session_id", id)
	}

	var audioURL string
	if res.IntroAudioBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(res.IntroAudioBase64)
		if err != nil {
			return nil, fault.Wrap(fault.KindInference, "dialogue: decode intro audio", err)
		}
		audioURL, err = s.cfg.Blobs.Upload(ctx, data, blob.IntroAudioKey(id), blob.ContentType(data, "audio/mpeg"))
		if err != nil {
			return nil, err
		}
	}

	sess := session.Session{
		ID:        id,
		ChildID:   child.ID,
		StoryID:   story.ID,
		Status:    session.StatusCreated,
		StartedAt: now,
		ExpireAt:  now.Add(s.cfg.SessionTTL),
		CreatedAt: now,
	}
	intro := &session.Turn{
		Stage:     session.StageIntro,
		Speaker:   session.SpeakerAI,
		Content:   res.IntroText,
		AudioURL:  audioURL,
		IsSafe:    true,
		CreatedAt: now,
	}
	if err := s.cfg.Store.CreateSession(ctx, sess, intro); err != nil {
		return nil, err
	}
	ctx = observe.WithSession(ctx, id)
	s.cfg.Metrics.SessionsStarted.Add(ctx, 1)
	observe.Logger(ctx).Info("dialogue: session started",
		"child_id", child.ID,
		"story_id", story.ID,
		"expire_at", sess.ExpireAt,
	)

	stage := session.StageIntro
	if st, err := session.ParseStage(res.Stage); err == nil {
		stage = st
	}
	return &StartResponse{
		SessionID:     id,
		CharacterName: res.CharacterName,
		Stage:         stage,
		IntroText:     res.IntroText,
		IntroAudioURL: audioURL,
	}, nil
}

// FailSession marks an open session FAILED, e.g. when the client abandons it.
// Failing a finished session is a no-op.
func (s *Service) FailSession(ctx context.Context, id string) error {
	ctx = observe.WithSession(ctx, id)
	sess, changed, err := s.cfg.Store.TransitionStatus(ctx, id, session.EventFail, s.cfg.Now())
	if err != nil {
		return err
	}
	if changed {
		s.cfg.Metrics.RecordSessionEnded(ctx, string(sess.Status))
		observe.Logger(ctx).Info("dialogue: session failed by client")
	}
	return nil
}

// Transcript returns the session's turns in order.
func (s *Service) Transcript(ctx context.Context, id string) ([]session.Turn, error) {
	return s.cfg.Store.ListTurns(ctx, id)
}

// Session returns a single session.
func (s *Service) Session(ctx context.Context, id string) (session.Session, error) {
	return s.cfg.Store.GetSession(ctx, id)
}

// ListSessions returns a child's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, childID int64) ([]session.Session, error) {
	if _, err := s.cfg.Catalog.Child(ctx, childID); err != nil {
		return nil, err
	}
	return s.cfg.Store.ListSessions(ctx, childID)
}

// Feedback returns the feedback record of a session.
func (s *Service) Feedback(ctx context.Context, id string) (feedback.Record, error) {
	if _, err := s.cfg.Store.GetSession(ctx, id); err != nil {
		return feedback.Record{}, err
	}
	return s.cfg.Feedback.Get(ctx, id)
}
