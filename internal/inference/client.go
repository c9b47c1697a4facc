// Package inference is the HTTP client for the remote dialogue inference
// service. The service transcribes a child's utterance, checks it for safety,
// and returns the AI's next line (optionally with synthesized speech) together
// with the stage it expects next.
//
// Every call goes through a circuit breaker per configured endpoint. When more
// than one base URL is configured, a failing endpoint is bypassed in favour of
// the next one. All failures surface as [fault.KindInference].
//
// Usage:
//
//	c, err := inference.New("http://inference:8000",
//	    inference.WithTimeout(60*time.Second),
//	)
//	res, err := c.Turn(ctx, inference.TurnRequest{SessionID: id, Stage: "S1", Audio: w})
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/observe"
	"github.com/MrWong99/storyturn/internal/resilience"
)

const (
	turnPath     = "/api/v1/dialogue/turn"
	startPath    = "/api/v1/dialogue/session/start"
	feedbackPath = "/api/v1/feedback/"

	defaultTimeout = 60 * time.Second

	// maxResponseBytes bounds how much of a response body is read. Replies
	// carry base64 audio, so this is generous.
	maxResponseBytes = 32 << 20
)

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.Code, e.Body)
}

// clientError reports whether err is a 4xx answer, which neither trips the
// breaker nor fails over to another endpoint.
func clientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is used
// as is, without tracing instrumentation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout. Defaults to 60s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithFallbackURLs registers additional base URLs tried in order when the
// primary fails.
func WithFallbackURLs(urls ...string) Option {
	return func(c *Client) {
		c.fallbacks = append(c.fallbacks, urls...)
	}
}

// WithCircuitBreaker sets the breaker configuration used for every endpoint.
// The Name and IsFailure fields are overwritten.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breaker = cfg
	}
}

// WithMetrics sets the metrics the client records call latencies to.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client talks to the inference service. It is safe for concurrent use.
type Client struct {
	metrics    *observe.Metrics
	baseURL    string
	fallbacks  []string
	timeout    time.Duration
	breaker    resilience.CircuitBreakerConfig
	httpClient *http.Client

	endpoints *resilience.FallbackGroup[string]
}

// New creates a Client for the service at baseURL (e.g.
// "http://localhost:8000"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("inference: base URL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	cb := c.breaker
	cb.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, context.Canceled) && !clientError(err)
	}
	c.endpoints = resilience.NewFallbackGroup(c.baseURL, c.baseURL, resilience.FallbackConfig{
		CircuitBreaker: cb,
		Retry:          func(err error) bool { return !clientError(err) && !errors.Is(err, context.Canceled) },
	})
	for _, u := range c.fallbacks {
		u = strings.TrimRight(u, "/")
		c.endpoints.AddFallback(u, u)
	}
	return c, nil
}

// Breakers returns the per-endpoint circuit breakers, primary first.
func (c *Client) Breakers() []*resilience.CircuitBreaker {
	return c.endpoints.Breakers()
}

// Turn submits one utterance. A response without a result body is not an
// error; it comes back with Degraded set.
func (c *Client) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	const op = "inference: turn"
	if req.Audio == nil || len(req.Audio.Samples) == 0 {
		return nil, fault.New(fault.KindInvalidArgument, op, "empty audio")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("session_id", req.SessionID); err != nil {
		return nil, fault.Wrap(fault.KindInference, op, fmt.Errorf("write session_id field: %w", err))
	}
	if err := mw.WriteField("stage", req.Stage); err != nil {
		return nil, fault.Wrap(fault.KindInference, op, fmt.Errorf("write stage field: %w", err))
	}
	fw, err := mw.CreateFormFile("audio_file", "utterance.wav")
	if err != nil {
		return nil, fault.Wrap(fault.KindInference, op, fmt.Errorf("create form file: %w", err))
	}
	if _, err := fw.Write(req.Audio.WAV()); err != nil {
		return nil, fault.Wrap(fault.KindInference, op, fmt.Errorf("write wav data: %w", err))
	}
	if err := mw.Close(); err != nil {
		return nil, fault.Wrap(fault.KindInference, op, fmt.Errorf("close multipart writer: %w", err))
	}

	data, err := c.post(ctx, "turn", turnPath, mw.FormDataContentType(), body.Bytes())
	if err != nil {
		return nil, fault.Wrap(fault.KindInference, op, err)
	}

	var raw turnResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.Wrap(fault.KindInference, op, fmt.Errorf("parse JSON response: %w", err))
	}
	res := decodeTurn(raw)
	if res.Degraded {
		slog.Warn("inference: turn response has no result body", "session_id", req.SessionID, "stage", req.Stage)
	}
	return res, nil
}

func decodeTurn(raw turnResponse) *TurnResult {
	res := &TurnResult{
		SessionID:         raw.SessionID,
		Stage:             raw.Stage,
		RetryCount:        raw.RetryCount,
		FallbackTriggered: raw.FallbackTriggered,
		ProcessingTime:    time.Duration(raw.ProcessingTimeMS) * time.Millisecond,
		Safety:            Safety{IsSafe: true},
	}
	if raw.NextStage != nil {
		res.NextStage = strings.TrimSpace(*raw.NextStage)
	}
	if raw.DetectedEmotion != nil {
		res.Emotion = raw.DetectedEmotion.Primary
	}
	if raw.Result == nil {
		res.Degraded = true
		return res
	}
	if e := raw.Result.Emotion; e != nil && e.Primary != "" {
		res.Emotion = e.Primary
	}
	if stt := raw.Result.STT; stt != nil {
		res.Transcript = Transcript{Text: stt.Text, Confidence: stt.Confidence}
	}
	if s := raw.Result.Safety; s != nil {
		res.Safety = Safety{IsSafe: s.IsSafe, FlaggedCategories: s.FlaggedCategories, Message: s.Message}
	}
	if ai := raw.Result.AI; ai != nil {
		res.Reply = Reply{
			Text:        ai.Text,
			AudioBase64: ai.TTSAudioBase64,
			Duration:    time.Duration(ai.DurationMS) * time.Millisecond,
		}
	}
	return res
}

// StartSession asks the service to open a dialogue and produce the intro
// line. The returned SessionID is the token used for all later turns.
func (c *Client) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	const op = "inference: start session"
	form := url.Values{}
	form.Set("story_name", req.StoryName)
	form.Set("child_name", req.ChildName)
	form.Set("child_age", strconv.Itoa(req.ChildAge))
	form.Set("intro", req.Intro)

	data, err := c.post(ctx, "start_session", startPath, "application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return nil, fault.Wrap(fault.KindInference, op, err)
	}
	var raw startResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.Wrap(fault.KindInference, op, fmt.Errorf("parse JSON response: %w", err))
	}
	return &StartResult{
		SessionID:        raw.SessionID,
		CharacterName:    raw.CharacterName,
		Stage:            raw.Stage,
		IntroText:        raw.AIIntro,
		IntroAudioBase64: raw.AIIntroAudioBase64,
	}, nil
}

// Feedback asks the service to generate the parent-facing summary for a
// finished session.
func (c *Client) Feedback(ctx context.Context, sessionID string) (*FeedbackResult, error) {
	const op = "inference: feedback"
	data, err := c.post(ctx, "feedback", feedbackPath+url.PathEscape(sessionID), "", nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindInference, op, err)
	}
	var raw feedbackResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.Wrap(fault.KindInference, op, fmt.Errorf("parse JSON response: %w", err))
	}
	return &FeedbackResult{
		Analysis:    raw.Analysis,
		ActionGuide: raw.ActionGuide,
		GeneratedAt: parseGeneratedAt(raw.GeneratedAt),
	}, nil
}

// parseGeneratedAt accepts RFC 3339 and zone-less ISO timestamps. Anything
// else yields the zero time.
func parseGeneratedAt(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// post sends body to path on the first healthy endpoint and returns the
// response body of a 2xx answer. The call is recorded under op.
func (c *Client) post(ctx context.Context, op, path, contentType string, body []byte) ([]byte, error) {
	start := time.Now()
	data, err := resilience.ExecuteWithResult(c.endpoints, func(base string) ([]byte, error) {
		return c.do(ctx, base+path, contentType, body)
	})
	c.metrics.RecordInference(ctx, op, callStatus(err), time.Since(start))
	return data, err
}

// callStatus is the metric label for the outcome of a call.
func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case clientError(err):
		return "client_error"
	default:
		return "error"
	}
}

func (c *Client) do(ctx context.Context, endpoint, contentType string, body []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 256)}
	}
	return data, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
