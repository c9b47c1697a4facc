package inference_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/inference"
	"github.com/MrWong99/storyturn/internal/resilience"
	"github.com/MrWong99/storyturn/pkg/audio"
)

func waveform() *audio.Waveform {
	return &audio.Waveform{Samples: make([]int16, 1600), SampleRate: audio.CanonicalRate}
}

func newClient(t *testing.T, url string, opts ...inference.Option) *inference.Client {
	t.Helper()
	c, err := inference.New(url, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := inference.New(""); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestTurn_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/dialogue/turn" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("session_id"); got != "sess-1" {
			t.Errorf("session_id = %q", got)
		}
		if got := r.FormValue("stage"); got != "S2" {
			t.Errorf("stage = %q", got)
		}
		f, _, err := r.FormFile("audio_file")
		if err != nil {
			t.Fatalf("audio_file: %v", err)
		}
		wav, _ := io.ReadAll(f)
		pcm, rate, ch, err := audio.DecodeWAV(wav)
		if err != nil || rate != 16000 || ch != 1 || len(pcm) != 3200 {
			t.Errorf("uploaded wav: rate=%d ch=%d len=%d err=%v", rate, ch, len(pcm), err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"success": true,
			"session_id": "sess-1",
			"stage": "S2",
			"next_stage": "S3",
			"retry_count": 1,
			"fallback_triggered": true,
			"processing_time_ms": 850,
			"detected_emotion": {"primary": "happy"},
			"result": {
				"stt_result": {"text": "the fox ran away", "confidence": 0.92},
				"safety_check": {"is_safe": false, "flagged_categories": ["violence"], "message": "mild"},
				"ai_response": {"text": "Where did it go?", "tts_audio_base64": "UklGRg==", "duration_ms": 1200}
			}
		}`)
	}))
	defer srv.Close()

	res, err := newClient(t, srv.URL).Turn(context.Background(), inference.TurnRequest{
		SessionID: "sess-1", Stage: "S2", Audio: waveform(),
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.NextStage != "S3" || res.RetryCount != 1 || !res.FallbackTriggered {
		t.Errorf("header fields = %+v", res)
	}
	if res.Transcript.Text != "the fox ran away" || res.Reply.Text != "Where did it go?" {
		t.Errorf("texts = %q / %q", res.Transcript.Text, res.Reply.Text)
	}
	if res.Safety.IsSafe || res.Safety.Message != "mild" || len(res.Safety.FlaggedCategories) != 1 {
		t.Errorf("safety = %+v", res.Safety)
	}
	if res.Reply.AudioBase64 != "UklGRg==" || res.Reply.Duration != 1200*time.Millisecond {
		t.Errorf("reply = %+v", res.Reply)
	}
	if res.Emotion != "happy" || res.Degraded {
		t.Errorf("emotion=%q degraded=%v", res.Emotion, res.Degraded)
	}
}

func TestTurn_Emotion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "inside result",
			body: `{"stage": "S1", "result": {"stt_result": {"text": "hi"}, "emotion_detected": {"primary": "기쁨", "confidence": 0.8}}}`,
			want: "기쁨",
		},
		{
			name: "result wins over top level",
			body: `{"stage": "S1", "detected_emotion": {"primary": "sad"}, "result": {"emotion_detected": {"primary": "기쁨"}}}`,
			want: "기쁨",
		},
		{
			name: "top level only",
			body: `{"stage": "S1", "detected_emotion": {"primary": "sad"}, "result": {"stt_result": {"text": "hi"}}}`,
			want: "sad",
		},
		{
			name: "absent",
			body: `{"stage": "S1", "result": {"stt_result": {"text": "hi"}}}`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			res, err := newClient(t, srv.URL).Turn(context.Background(), inference.TurnRequest{
				SessionID: "s", Stage: "S1", Audio: waveform(),
			})
			if err != nil {
				t.Fatalf("Turn: %v", err)
			}
			if res.Emotion != tt.want {
				t.Errorf("Emotion = %q, want %q", res.Emotion, tt.want)
			}
		})
	}
}

func TestTurn_DegradedAndNullNextStage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success": true, "stage": "S6", "next_stage": null}`)
	}))
	defer srv.Close()

	res, err := newClient(t, srv.URL).Turn(context.Background(), inference.TurnRequest{
		SessionID: "s", Stage: "S6", Audio: waveform(),
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !res.Degraded {
		t.Error("expected Degraded")
	}
	if res.NextStage != "" || res.Transcript.Text != "" || res.Reply.Text != "" || !res.Safety.IsSafe {
		t.Errorf("degraded result = %+v", res)
	}
}

func TestTurn_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"detail":"boom"}`},
		{name: "client error", status: http.StatusUnprocessableEntity, body: `{"detail":"bad stage"}`},
		{name: "malformed json", status: http.StatusOK, body: `{"result": [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL).Turn(context.Background(), inference.TurnRequest{
				SessionID: "s", Stage: "S1", Audio: waveform(),
			})
			if !fault.Is(err, fault.KindInference) {
				t.Errorf("err = %v, want InferenceError", err)
			}
		})
	}
}

func TestTurn_EmptyAudio(t *testing.T) {
	t.Parallel()
	_, err := newClient(t, "http://127.0.0.1:1").Turn(context.Background(), inference.TurnRequest{SessionID: "s", Stage: "S1"})
	if !fault.Is(err, fault.KindInvalidArgument) {
		t.Errorf("err = %v, want InvalidArgument", err)
	}
}

func TestTurn_CircuitOpens(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, inference.WithCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	}))
	req := inference.TurnRequest{SessionID: "s", Stage: "S1", Audio: waveform()}
	for range 4 {
		_, err := c.Turn(context.Background(), req)
		if !fault.Is(err, fault.KindInference) {
			t.Fatalf("err = %v, want InferenceError", err)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hit %d times, want 2 (breaker should short-circuit)", got)
	}
	_, err := c.Turn(context.Background(), req)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want wrapped ErrCircuitOpen", err)
	}
	if c.Breakers()[0].State() != resilience.StateOpen {
		t.Errorf("breaker state = %v", c.Breakers()[0].State())
	}
}

func TestTurn_ClientErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, inference.WithCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1}))
	for range 3 {
		_, _ = c.Turn(context.Background(), inference.TurnRequest{SessionID: "s", Stage: "S1", Audio: waveform()})
	}
	if c.Breakers()[0].State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", c.Breakers()[0].State())
	}
}

func TestTurn_FailsOverToSecondEndpoint(t *testing.T) {
	t.Parallel()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"next_stage":"S2","result":{"stt_result":{"text":"hi"},"ai_response":{"text":"hello"}}}`)
	}))
	defer up.Close()

	c := newClient(t, down.URL, inference.WithFallbackURLs(up.URL))
	res, err := c.Turn(context.Background(), inference.TurnRequest{SessionID: "s", Stage: "S1", Audio: waveform()})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.Transcript.Text != "hi" || res.NextStage != "S2" {
		t.Errorf("res = %+v", res)
	}
}

func TestTurn_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(t, srv.URL, inference.WithTimeout(50*time.Millisecond))
	_, err := c.Turn(context.Background(), inference.TurnRequest{SessionID: "s", Stage: "S1", Audio: waveform()})
	if !fault.Is(err, fault.KindInference) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want InferenceError wrapping deadline", err)
	}
}

func TestStartSession(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/dialogue/session/start" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		want := map[string]string{"story_name": "The Brave Fox", "child_name": "Mina", "child_age": "7", "intro": "Are you brave?"}
		for k, v := range want {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("%s = %q, want %q", k, got, v)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":               true,
			"session_id":            "srv-123",
			"character_name":        "Fox",
			"ai_intro":              "Hi Mina!",
			"ai_intro_audio_base64": "SUQz",
			"stage":                 "INTRO",
		})
	}))
	defer srv.Close()

	res, err := newClient(t, srv.URL).StartSession(context.Background(), inference.StartRequest{
		StoryName: "The Brave Fox", ChildName: "Mina", ChildAge: 7, Intro: "Are you brave?",
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if res.SessionID != "srv-123" || res.IntroText != "Hi Mina!" || res.IntroAudioBase64 != "SUQz" || res.CharacterName != "Fox" {
		t.Errorf("res = %+v", res)
	}
}

func TestFeedback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/feedback/sess-9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"child_analysis_feedback":"expressed sadness","parent_action_guide":"ask about feelings","generated_at":"2026-03-01T10:15:00"}`)
	}))
	defer srv.Close()

	res, err := newClient(t, srv.URL).Feedback(context.Background(), "sess-9")
	if err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	if res.Analysis != "expressed sadness" || res.ActionGuide != "ask about feelings" {
		t.Errorf("res = %+v", res)
	}
	if want := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC); !res.GeneratedAt.Equal(want) {
		t.Errorf("GeneratedAt = %v, want %v", res.GeneratedAt, want)
	}
}
