package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all endpoints failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// target in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Retry decides whether an error from one entry should move on to the
	// next. Errors for which it returns false are returned unchanged. Default:
	// every error fails over.
	Retry func(error) bool
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback targets of the same
// type. Calls go to the first entry whose breaker admits them; a failure moves
// on to the next entry in registration order.
//
// Entries must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a target tried after all earlier entries.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries in the group.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Breakers returns each entry's breaker in registration order.
func (fg *FallbackGroup[T]) Breakers() []*CircuitBreaker {
	out := make([]*CircuitBreaker, len(fg.entries))
	for i := range fg.entries {
		out[i] = fg.entries[i].breaker
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds. Entries with an open breaker are skipped. When every entry fails
// the last error is returned wrapped in [ErrAllFailed]; a single-entry group
// returns the entry's error as is.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		result, err := Do(entry.breaker, func() (R, error) {
			return fn(entry.value)
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, ErrCircuitOpen) && fg.cfg.Retry != nil && !fg.cfg.Retry(err) {
			return zero, err
		}
		if i == len(fg.entries)-1 {
			break
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping endpoint, circuit open", "endpoint", entry.name)
		} else {
			slog.Warn("resilience: endpoint failed, trying next", "endpoint", entry.name, "err", err)
		}
	}
	if len(fg.entries) == 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
