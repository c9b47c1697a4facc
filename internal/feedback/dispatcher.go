package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/internal/inference"
	"github.com/MrWong99/storyturn/internal/observe"
)

// Generator produces the feedback report for a session. The inference
// client satisfies it.
type Generator interface {
	Feedback(ctx context.Context, sessionID string) (*inference.FeedbackResult, error)
}

// Job outcomes, used as the metrics label.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// DispatcherConfig configures a [Dispatcher].
type DispatcherConfig struct {
	Store     Store
	Generator Generator

	// Guard deduplicates concurrent jobs. Nil uses a [LocalGuard].
	Guard Guard

	// Attempts is the total number of generator calls per job. Default: 3.
	Attempts int

	// BaseDelay is the first retry backoff; it doubles per retry. Default: 1s.
	BaseDelay time.Duration

	// Timeout bounds one job including retries. Default: 5m.
	Timeout time.Duration

	// Metrics receives job outcomes. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Dispatcher runs feedback jobs in the background. Jobs never report back to
// the request that triggered them: failures end up in a FAILED record and the
// log.
type Dispatcher struct {
	cfg DispatcherConfig
	wg  sync.WaitGroup
}

// NewDispatcher validates cfg, fills defaults and returns a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if cfg.Generator == nil {
		errs = append(errs, errors.New("generator is required"))
	}
	if cfg.Attempts < 0 {
		errs = append(errs, fmt.Errorf("attempts must be >= 0, got %d", cfg.Attempts))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("feedback: dispatcher: %w", err)
	}
	if cfg.Guard == nil {
		cfg.Guard = NewLocalGuard()
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{cfg: cfg}, nil
}

// TriggerAsync starts a job for sessionID and returns immediately. The job
// keeps ctx's values but not its cancellation, so it outlives the request.
func (d *Dispatcher) TriggerAsync(ctx context.Context, sessionID string) {
	ctx = observe.WithSession(context.WithoutCancel(ctx), sessionID)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Generate(ctx, sessionID); err != nil {
			observe.Logger(ctx).Warn("feedback: job failed", "err", err)
		}
	}()
}

// Wait blocks until every job started by [Dispatcher.TriggerAsync] returns.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Generate runs one job synchronously. A session that already has a record,
// or whose job is in flight elsewhere, is skipped without error.
func (d *Dispatcher) Generate(ctx context.Context, sessionID string) error {
	release, ok, err := d.cfg.Guard.Claim(ctx, sessionID)
	if err != nil {
		d.cfg.Metrics.RecordFeedbackJob(ctx, outcomeFailed)
		return err
	}
	if !ok {
		slog.Debug("feedback: job already in flight", "session_id", sessionID)
		d.cfg.Metrics.RecordFeedbackJob(ctx, outcomeSkipped)
		return nil
	}
	defer release(ctx)

	exists, err := d.cfg.Store.Exists(ctx, sessionID)
	if err != nil {
		d.cfg.Metrics.RecordFeedbackJob(ctx, outcomeFailed)
		return fmt.Errorf("feedback: check existing: %w", err)
	}
	if exists {
		d.cfg.Metrics.RecordFeedbackJob(ctx, outcomeSkipped)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if err := d.cfg.Store.Save(ctx, Record{
		SessionID: sessionID,
		Status:    StatusGenerating,
		UpdatedAt: d.cfg.Now(),
	}); err != nil {
		d.cfg.Metrics.RecordFeedbackJob(ctx, outcomeFailed)
		return fmt.Errorf("feedback: mark generating: %w", err)
	}

	res, genErr := d.generate(ctx, sessionID)
	if genErr != nil {
		d.cfg.Metrics.RecordFeedbackJob(ctx, outcomeFailed)
		rec := Record{
			SessionID: sessionID,
			Status:    StatusFailed,
			Error:     genErr.Error(),
			UpdatedAt: d.cfg.Now(),
		}
		// The job context may be spent by now; the FAILED mark must still land.
		if err := d.cfg.Store.Save(context.WithoutCancel(ctx), rec); err != nil {
			return errors.Join(genErr, fmt.Errorf("feedback: mark failed: %w", err))
		}
		return genErr
	}

	generatedAt := res.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = d.cfg.Now()
	}
	if err := d.cfg.Store.Save(ctx, Record{
		SessionID:   sessionID,
		Status:      StatusCompleted,
		Analysis:    res.Analysis,
		ActionGuide: res.ActionGuide,
		GeneratedAt: generatedAt,
		UpdatedAt:   d.cfg.Now(),
	}); err != nil {
		d.cfg.Metrics.RecordFeedbackJob(ctx, outcomeFailed)
		return fmt.Errorf("feedback: save result: %w", err)
	}
	d.cfg.Metrics.RecordFeedbackJob(ctx, outcomeCompleted)
	slog.Info("feedback: generated", "session_id", sessionID)
	return nil
}

// generate calls the generator with exponential backoff. Only errors whose
// kind is retryable are retried.
func (d *Dispatcher) generate(ctx context.Context, sessionID string) (*inference.FeedbackResult, error) {
	backoff := retry.WithMaxRetries(uint64(d.cfg.Attempts-1), retry.NewExponential(d.cfg.BaseDelay))

	var res *inference.FeedbackResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := d.cfg.Generator.Feedback(ctx, sessionID)
		if err != nil {
			if fault.KindOf(err).Retryable() {
				slog.Debug("feedback: generator failed, retrying", "session_id", sessionID, "err", err)
				return retry.RetryableError(err)
			}
			return err
		}
		if r == nil {
			return fault.New(fault.KindInference, "feedback: generate", "empty feedback response")
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("feedback: generate %s: %w", sessionID, err)
	}
	return res, nil
}
