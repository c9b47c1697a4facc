package fault_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/MrWong99/storyturn/internal/fault"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := fault.New(fault.KindNotFound, "session: get", "session abc")
	wrapped := fmt.Errorf("dialogue: validate: %w", base)

	if got := fault.KindOf(wrapped); got != fault.KindNotFound {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, fault.KindNotFound)
	}
	if got := fault.KindOf(errors.New("plain")); got != fault.KindInternal {
		t.Errorf("KindOf(plain) = %v, want %v", got, fault.KindInternal)
	}
	if fault.Is(nil, fault.KindInternal) {
		t.Error("Is(nil) should be false")
	}
}

func TestWrap_Nil(t *testing.T) {
	t.Parallel()
	if err := fault.Wrap(fault.KindIO, "op", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrap_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("disk full")
	err := fault.Wrap(fault.KindIO, "audio: write temp", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if want := "audio: write temp: disk full"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKind_HTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind fault.Kind
		want int
	}{
		{fault.KindNotFound, http.StatusNotFound},
		{fault.KindUnsupportedFormat, http.StatusBadRequest},
		{fault.KindNoSpeechDetected, http.StatusBadRequest},
		{fault.KindConversionFailed, http.StatusInternalServerError},
		{fault.KindIO, http.StatusInternalServerError},
		{fault.KindInference, http.StatusBadGateway},
		{fault.KindStorage, http.StatusBadGateway},
		{fault.KindSessionEnded, http.StatusConflict},
		{fault.KindAlreadyTerminal, http.StatusOK},
		{fault.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKind_Retryable(t *testing.T) {
	t.Parallel()
	if !fault.KindInference.Retryable() {
		t.Error("inference errors should be retryable")
	}
	if fault.KindNoSpeechDetected.Retryable() {
		t.Error("no-speech should not be retryable")
	}
}
