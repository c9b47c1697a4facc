package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultSweepInterval is the default period between expiry sweeps.
	defaultSweepInterval = 5 * time.Minute

	// defaultSweepBatch bounds how many sessions one UPDATE touches.
	defaultSweepBatch = 100
)

// Sweeper periodically fails sessions that were abandoned past their
// ExpireAt. It never reverts a COMPLETED session; that guarantee comes from
// the store's compare-and-swap transition, not from locking here.
//
// All methods are safe for concurrent use.
type Sweeper struct {
	store     Store
	interval  time.Duration
	batchSize int
	now       func() time.Time
	onExpired func(ctx context.Context, ids []string)

	// mu serialises sweeps so a manual SweepNow never overlaps a tick.
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// SweeperConfig configures a [Sweeper].
type SweeperConfig struct {
	// Store is the session store to sweep.
	Store Store

	// Interval is how often to sweep. Defaults to 5 minutes if zero.
	Interval time.Duration

	// BatchSize caps sessions per write. Defaults to 100 if zero.
	BatchSize int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// OnExpired, if set, is called after each sweep that expired at least
	// one session.
	OnExpired func(ctx context.Context, ids []string)
}

// NewSweeper creates a new [Sweeper] with the given configuration.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		store:     cfg.Store,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
		onExpired: cfg.OnExpired,
		done:      make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultSweepBatch
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start begins periodic sweeping in a background goroutine.
// The goroutine runs until [Sweeper.Stop] is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Run sweeps on every tick and blocks until [Sweeper.Stop] is called or ctx
// is cancelled. It always returns nil so that it can run inside an errgroup.
func (s *Sweeper) Run(ctx context.Context) error {
	s.loop(ctx)
	return nil
}

// Stop halts the sweep loop. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// SweepNow runs one sweep immediately and returns the number of sessions
// that were failed.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweep(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.SweepNow(ctx); err != nil {
				// Rows that failed stay open and are retried on the next tick.
				slog.Warn("session sweeper: sweep failed", "err", err)
			}
		}
	}
}

// sweep must be called with s.mu held.
func (s *Sweeper) sweep(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.ExpireSessions(ctx, now, s.batchSize)
	if len(ids) > 0 {
		slog.Info("session sweeper: expired sessions", "count", len(ids), "at", now)
		if s.onExpired != nil {
			s.onExpired(ctx, ids)
		}
	}
	return len(ids), err
}
