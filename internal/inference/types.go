package inference

import (
	"time"

	"github.com/MrWong99/storyturn/pkg/audio"
)

// TurnRequest is one child utterance forwarded for transcription and reply
// generation.
type TurnRequest struct {
	SessionID string
	Stage     string

	// Audio is canonical 16 kHz mono PCM. It is sent as a WAV file part.
	Audio *audio.Waveform
}

// Transcript is the speech-to-text result for the child's audio.
type Transcript struct {
	Text       string
	Confidence float64
}

// Safety is the content-safety verdict on the child's utterance.
type Safety struct {
	IsSafe            bool
	FlaggedCategories []string
	Message           string
}

// Reply is the AI's spoken answer.
type Reply struct {
	Text string

	// AudioBase64 holds synthesized speech, if any. Empty means no audio.
	AudioBase64 string

	Duration time.Duration
}

// TurnResult is the decoded answer of the turn endpoint.
type TurnResult struct {
	SessionID string
	Stage     string

	// NextStage is the stage the service expects next. Empty means none,
	// which on the terminal stage ends the session.
	NextStage string

	RetryCount        int
	FallbackTriggered bool

	Transcript Transcript
	Safety     Safety
	Reply      Reply

	// Emotion is the primary emotion detected in the child's speech.
	Emotion string

	ProcessingTime time.Duration

	// Degraded is set when the response carried no result body. All text
	// fields are then empty and Safety.IsSafe is true.
	Degraded bool
}

// StartRequest opens a dialogue on the inference side.
type StartRequest struct {
	StoryName string
	ChildName string
	ChildAge  int
	Intro     string
}

// StartResult is the service's answer to a session start.
type StartResult struct {
	SessionID     string
	CharacterName string
	Stage         string
	IntroText     string

	// IntroAudioBase64 is the synthesized intro line, usually MP3.
	IntroAudioBase64 string
}

// FeedbackResult is the parent-facing summary generated after a completed
// session.
type FeedbackResult struct {
	Analysis    string
	ActionGuide string
	GeneratedAt time.Time
}

// Wire formats.

type turnResponse struct {
	Success           bool          `json:"success"`
	SessionID         string        `json:"session_id"`
	Stage             string        `json:"stage"`
	NextStage         *string       `json:"next_stage"`
	RetryCount        int           `json:"retry_count"`
	FallbackTriggered bool          `json:"fallback_triggered"`
	ProcessingTimeMS  int64         `json:"processing_time_ms"`
	Result            *turnPayload  `json:"result"`
	DetectedEmotion   *emotionBlock `json:"detected_emotion"`
}

type turnPayload struct {
	STT *struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"stt_result"`
	Safety *struct {
		IsSafe            bool     `json:"is_safe"`
		FlaggedCategories []string `json:"flagged_categories"`
		Message           string   `json:"message"`
	} `json:"safety_check"`
	AI *struct {
		Text           string `json:"text"`
		TTSAudioBase64 string `json:"tts_audio_base64"`
		DurationMS     int64  `json:"duration_ms"`
	} `json:"ai_response"`
	Emotion *emotionBlock `json:"emotion_detected"`
}

type emotionBlock struct {
	Primary string `json:"primary"`
}

type startResponse struct {
	Success            bool   `json:"success"`
	SessionID          string `json:"session_id"`
	CharacterName      string `json:"character_name"`
	AIIntro            string `json:"ai_intro"`
	AIIntroAudioBase64 string `json:"ai_intro_audio_base64"`
	Stage              string `json:"stage"`
}

type feedbackResponse struct {
	Analysis    string `json:"child_analysis_feedback"`
	ActionGuide string `json:"parent_action_guide"`
	GeneratedAt string `json:"generated_at"`
}
