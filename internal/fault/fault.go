// Package fault defines the tagged error type shared by every storyturn
// component. A single [Error] carries an explicit [Kind] so that transports
// can map failures to status codes without inspecting error strings.
package fault

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	// KindInternal is the zero value and covers unclassified failures.
	KindInternal Kind = iota

	// KindNotFound means a session, child or story does not exist.
	KindNotFound

	// KindInvalidArgument means the request itself is malformed.
	KindInvalidArgument

	// KindUnsupportedFormat means neither filename nor MIME type maps to a
	// known audio codec.
	KindUnsupportedFormat

	// KindConversionFailed means the decoder or resampler rejected the input.
	KindConversionFailed

	// KindIO covers temp-storage failures during normalization.
	KindIO

	// KindNoSpeechDetected means voice-activity detection classified the clip
	// as silent.
	KindNoSpeechDetected

	// KindInference means the remote inference service failed or returned a
	// malformed body.
	KindInference

	// KindStorage means a blob upload or database write failed.
	KindStorage

	// KindAlreadyTerminal means an idempotency guard tripped. Callers treat it
	// as a successful no-op.
	KindAlreadyTerminal

	// KindSessionEnded means a turn was submitted for a COMPLETED or FAILED
	// session.
	KindSessionEnded
)

// String returns the stable upper-snake name of the kind. The names appear in
// HTTP error bodies and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindUnsupportedFormat:
		return "UNSUPPORTED_FORMAT"
	case KindConversionFailed:
		return "CONVERSION_FAILED"
	case KindIO:
		return "IO_ERROR"
	case KindNoSpeechDetected:
		return "NO_SPEECH_DETECTED"
	case KindInference:
		return "INFERENCE_ERROR"
	case KindStorage:
		return "STORAGE_ERROR"
	case KindAlreadyTerminal:
		return "ALREADY_TERMINAL"
	case KindSessionEnded:
		return "SESSION_ENDED"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps the kind to the status code an HTTP transport should use.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument, KindUnsupportedFormat, KindNoSpeechDetected:
		return http.StatusBadRequest
	case KindInference, KindStorage:
		return http.StatusBadGateway
	case KindSessionEnded:
		return http.StatusConflict
	case KindAlreadyTerminal:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may reasonably retry the same request.
func (k Kind) Retryable() bool {
	switch k {
	case KindInference, KindStorage, KindIO:
		return true
	}
	return false
}

// Error is the tagged error value. Op names the failing operation in the
// "pkg: op" form used throughout the codebase.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := e.Op
	if s == "" {
		s = e.Kind.String()
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New returns an [Error] without a wrapped cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap returns an [Error] wrapping err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost [Error] in err's chain, or
// [KindInternal] if there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
