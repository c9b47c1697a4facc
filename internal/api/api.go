// Package api exposes the dialogue service over HTTP.
//
//	POST /api/conversations/start              open a session (JSON)
//	POST /api/conversations/turn               submit a child utterance (multipart)
//	POST /api/conversations/{id}/fail          abandon a session
//	GET  /api/conversations/{id}/turns         session transcript
//	GET  /api/conversations/{id}/feedback      generated feedback
//	GET  /api/children/{id}/conversations      a child's sessions
//
// Errors are JSON objects of the form {"error":{"code":...,"message":...}}
// where code is the [fault.Kind] name.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/storyturn/internal/dialogue"
	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/feedback"
	"github.com/MrWong99/storyturn/internal/observe"
	"github.com/MrWong99/storyturn/internal/session"
)

const (
	// MaxUploadBytes caps the turn request body.
	MaxUploadBytes = 20 << 20

	// multipartMemory is how much of a multipart body is held in memory
	// before spilling to temp files.
	multipartMemory = 8 << 20

	maxJSONBytes = 64 << 10
)

// Dialogue is the service surface the handlers call.
// [*dialogue.Service] implements it.
type Dialogue interface {
	ProcessTurn(ctx context.Context, req dialogue.TurnRequest) (*dialogue.TurnResponse, error)
	StartSession(ctx context.Context, req dialogue.StartRequest) (*dialogue.StartResponse, error)
	FailSession(ctx context.Context, id string) error
	Session(ctx context.Context, id string) (session.Session, error)
	Transcript(ctx context.Context, id string) ([]session.Turn, error)
	ListSessions(ctx context.Context, childID int64) ([]session.Session, error)
	Feedback(ctx context.Context, id string) (feedback.Record, error)
}

// Handler serves the dialogue endpoints.
type Handler struct {
	svc Dialogue
}

// New returns a [Handler] backed by svc.
func New(svc Dialogue) *Handler {
	return &Handler{svc: svc}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversations/start", h.handleStart)
	mux.HandleFunc("POST /api/conversations/turn", h.handleTurn)
	mux.HandleFunc("POST /api/conversations/{id}/fail", h.handleFail)
	mux.HandleFunc("GET /api/conversations/{id}/turns", h.handleTranscript)
	mux.HandleFunc("GET /api/conversations/{id}/feedback", h.handleFeedback)
	mux.HandleFunc("GET /api/children/{id}/conversations", h.handleListSessions)
}

type startRequest struct {
	ChildID int64 `json:"child_id"`
	StoryID int64 `json:"story_id"`
}

type startResponse struct {
	SessionID     string `json:"session_id"`
	CharacterName string `json:"character_name"`
	AIIntro       string `json:"ai_intro"`
	AIIntroAudio  string `json:"ai_intro_audio_url,omitempty"`
	Stage         string `json:"stage"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fault.Wrap(fault.KindInvalidArgument, "api: decode start request", err))
		return
	}
	if req.ChildID <= 0 || req.StoryID <= 0 {
		writeError(w, r, fault.New(fault.KindInvalidArgument, "api: start", "child_id and story_id are required"))
		return
	}

	res, err := h.svc.StartSession(r.Context(), dialogue.StartRequest{ChildID: req.ChildID, StoryID: req.StoryID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID:     res.SessionID,
		CharacterName: res.CharacterName,
		AIIntro:       res.IntroText,
		AIIntroAudio:  res.IntroAudioURL,
		Stage:         string(res.Stage),
	})
}

type turnResponse struct {
	SessionID    string  `json:"session_id"`
	CurrentStage string  `json:"current_stage"`
	NextStage    *string `json:"next_stage"`
	STTText      string  `json:"stt_text"`
	AIText       string  `json:"ai_text"`
	TTSAudioURL  string  `json:"tts_audio_url"`
	End          bool    `json:"is_end"`
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	req, err := parseTurnRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.ProcessTurn(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := turnResponse{
		SessionID:    res.SessionID,
		CurrentStage: string(res.CurrentStage),
		STTText:      res.ChildText,
		AIText:       res.AIText,
		TTSAudioURL:  res.AIAudioURL,
		End:          res.End,
	}
	if res.NextStage != nil {
		next := string(*res.NextStage)
		out.NextStage = &next
	}
	writeJSON(w, http.StatusOK, out)
}

// parseTurnRequest reads the multipart turn upload.
func parseTurnRequest(w http.ResponseWriter, r *http.Request) (dialogue.TurnRequest, error) {
	const op = "api: parse turn"
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return dialogue.TurnRequest{}, fault.New(fault.KindInvalidArgument, op, "upload exceeds 20 MiB")
		}
		return dialogue.TurnRequest{}, fault.Wrap(fault.KindInvalidArgument, op, err)
	}

	stage, err := session.ParseStage(r.FormValue("stage"))
	if err != nil {
		return dialogue.TurnRequest{}, err
	}
	childID, err := formID(r, "child_id")
	if err != nil {
		return dialogue.TurnRequest{}, err
	}
	storyID, err := formID(r, "story_id")
	if err != nil {
		return dialogue.TurnRequest{}, err
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		return dialogue.TurnRequest{}, fault.New(fault.KindInvalidArgument, op, "audio file part is required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return dialogue.TurnRequest{}, fault.Wrap(fault.KindIO, op, err)
	}

	return dialogue.TurnRequest{
		SessionID: r.FormValue("session_id"),
		Stage:     stage,
		ChildID:   childID,
		StoryID:   storyID,
		Audio:     data,
		Filename:  header.Filename,
		MIMEType:  header.Header.Get("Content-Type"),
	}, nil
}

func formID(r *http.Request, field string) (int64, error) {
	id, err := strconv.ParseInt(r.FormValue(field), 10, 64)
	if err != nil || id <= 0 {
		return 0, fault.New(fault.KindInvalidArgument, "api: parse turn", field+" must be a positive integer")
	}
	return id, nil
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.FailSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transcriptResponse struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Logs   []turnView `json:"logs"`
}

type turnView struct {
	TurnOrder  int    `json:"turn_order"`
	Stage      string `json:"stage"`
	Speaker    string `json:"speaker"`
	Content    string `json:"content"`
	AudioURL   string `json:"audio_url,omitempty"`
	Emotion    string `json:"emotion,omitempty"`
	RetryCount int    `json:"retry_count"`
	Violated   bool   `json:"is_violated"`
	CreatedAt  string `json:"created_at"`
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.svc.Session(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	turns, err := h.svc.Transcript(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := transcriptResponse{ID: sess.ID, Status: string(sess.Status), Logs: make([]turnView, 0, len(turns))}
	for _, t := range turns {
		out.Logs = append(out.Logs, turnView{
			TurnOrder:  t.TurnNumber,
			Stage:      string(t.Stage),
			Speaker:    string(t.Speaker),
			Content:    t.Content,
			AudioURL:   t.AudioURL,
			Emotion:    t.Emotion,
			RetryCount: t.RetryCount,
			Violated:   !t.IsSafe,
			CreatedAt:  t.CreatedAt.UTC().Format(timeLayout),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Feedback(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if rec.Status == feedback.StatusGenerating {
		status = http.StatusAccepted
	}
	writeJSON(w, status, rec)
}

type sessionView struct {
	ID        string  `json:"id"`
	StoryID   int64   `json:"story_id"`
	Status    string  `json:"status"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	childID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || childID <= 0 {
		writeError(w, r, fault.New(fault.KindInvalidArgument, "api: list sessions", "child id must be a positive integer"))
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), childID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		v := sessionView{
			ID:        s.ID,
			StoryID:   s.StoryID,
			Status:    string(s.Status),
			StartedAt: s.StartedAt.UTC().Format(timeLayout),
		}
		if s.EndedAt != nil {
			ended := s.EndedAt.UTC().Format(timeLayout)
			v.EndedAt = &ended
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError renders err with the status of its [fault.Kind]. Messages of
// internal errors are not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	msg := err.Error()
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Msg != "" {
		msg = fe.Msg
	}
	if kind == fault.KindInternal {
		observe.Logger(r.Context()).Error("api: internal error", "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{Error: errorDetail{
		Code:          kind.String(),
		Message:       msg,
		CorrelationID: observe.CorrelationID(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
