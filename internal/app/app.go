// Package app wires all storyturn subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background loops, and Shutdown
// drains feedback jobs and releases connections in order.
//
// For testing, inject implementations via functional options
// (WithSessionStore, WithCatalog, etc.). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/storyturn/internal/api"
	"github.com/MrWong99/storyturn/internal/blob"
	"github.com/MrWong99/storyturn/internal/catalog"
	catalogpg "github.com/MrWong99/storyturn/internal/catalog/postgres"
	"github.com/MrWong99/storyturn/internal/config"
	"github.com/MrWong99/storyturn/internal/dialogue"
	"github.com/MrWong99/storyturn/internal/feedback"
	feedbackpg "github.com/MrWong99/storyturn/internal/feedback/postgres"
	"github.com/MrWong99/storyturn/internal/health"
	"github.com/MrWong99/storyturn/internal/inference"
	"github.com/MrWong99/storyturn/internal/observe"
	"github.com/MrWong99/storyturn/internal/resilience"
	"github.com/MrWong99/storyturn/internal/session"
	"github.com/MrWong99/storyturn/internal/session/memstore"
	sessionpg "github.com/MrWong99/storyturn/internal/session/postgres"
	"github.com/MrWong99/storyturn/pkg/audio"
	"github.com/MrWong99/storyturn/pkg/vad"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// InferenceClient is the remote model service as the app uses it.
// [*inference.Client] implements it.
type InferenceClient interface {
	dialogue.Inference
	feedback.Generator
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	logLevel   *slog.LevelVar
	metrics    *observe.Metrics

	// Subsystems, initialised in New.
	pool       *pgxpool.Pool
	sessions   session.Store
	catalog    catalog.Catalog
	feedback   feedback.Store
	guard      feedback.Guard
	blobs      blob.Store
	normalizer audio.Normalizer
	detector   *vad.Detector
	inference  InferenceClient
	dispatcher *feedback.Dispatcher
	service    *dialogue.Service
	sweeper    *session.Sweeper
	watcher    *config.Watcher
	checkers   []health.Checker
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithCatalog injects a catalog instead of creating one from config.
func WithCatalog(c catalog.Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithFeedbackStore injects a feedback store instead of creating one from config.
func WithFeedbackStore(s feedback.Store) Option {
	return func(a *App) { a.feedback = s }
}

// WithFeedbackGuard injects the single-flight guard for feedback jobs.
func WithFeedbackGuard(g feedback.Guard) Option {
	return func(a *App) { a.guard = g }
}

// WithBlobStore injects an audio object store instead of creating one from config.
func WithBlobStore(s blob.Store) Option {
	return func(a *App) { a.blobs = s }
}

// WithNormalizer injects the audio normalizer instead of an ffmpeg transcoder.
func WithNormalizer(n audio.Normalizer) Option {
	return func(a *App) { a.normalizer = n }
}

// WithInference injects the inference client instead of creating an HTTP one.
func WithInference(c InferenceClient) Option {
	return func(a *App) { a.inference = c }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the log level of the handler
// that uses lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigFile enables hot reload of the VAD block and log level from the
// file at path.
func WithConfigFile(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects to the
// database and runs migrations, but does not start serving.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStores(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := a.initAudio(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	if err := a.initInference(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init inference: %w", err)
	}
	if err := a.initBlobs(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init blob store: %w", err)
	}
	if err := a.initFeedback(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init feedback: %w", err)
	}
	if err := a.initDialogue(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init dialogue: %w", err)
	}
	if err := a.initWatcher(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	a.sweeper = session.NewSweeper(session.SweeperConfig{
		Store:     a.sessions,
		Interval:  cfg.Sweeper.Interval,
		BatchSize: cfg.Sweeper.BatchSize,
		OnExpired: func(ctx context.Context, ids []string) {
			a.metrics.RecordSessionsExpired(ctx, len(ids))
		},
	})
	a.handler = a.routes()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores connects to PostgreSQL when a DSN is configured and creates any
// store that was not injected.
func (a *App) initStores(ctx context.Context) error {
	needsDB := a.sessions == nil || a.catalog == nil ||
		(a.feedback == nil && a.cfg.Feedback.Store == config.FeedbackPostgres)
	if needsDB && a.cfg.Database.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, a.cfg.Database.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
	}

	if a.sessions == nil {
		if a.pool != nil {
			s, err := sessionpg.NewStore(ctx, a.pool)
			if err != nil {
				return err
			}
			a.sessions = s
		} else {
			slog.Warn("app: no database configured, sessions are kept in memory")
			a.sessions = memstore.New()
		}
	}

	if a.catalog == nil {
		if a.pool != nil {
			c, err := catalogpg.New(ctx, a.pool)
			if err != nil {
				return err
			}
			a.catalog = c
		} else {
			a.catalog = seededCatalog(a.cfg.Catalog)
		}
	}

	if a.feedback == nil {
		switch a.cfg.Feedback.Store {
		case config.FeedbackPostgres:
			if a.pool == nil {
				return errors.New("feedback store postgres needs database.postgres_dsn")
			}
			s, err := feedbackpg.New(ctx, a.pool)
			if err != nil {
				return err
			}
			a.feedback = s
		case config.FeedbackFile:
			s, err := feedback.NewFileStore(a.cfg.Feedback.FilePath)
			if err != nil {
				return err
			}
			a.feedback = s
		default:
			a.feedback = feedback.NewMemStore()
		}
	}

	a.checkers = append(a.checkers, health.PingCheck("database", a.sessions))
	return nil
}

func seededCatalog(cc config.CatalogConfig) *catalog.Memory {
	children := make([]catalog.Child, 0, len(cc.Children))
	for _, c := range cc.Children {
		children = append(children, catalog.Child{ID: c.ID, Name: c.Name, BirthYear: c.BirthYear})
	}
	stories := make([]catalog.Story, 0, len(cc.Stories))
	for _, s := range cc.Stories {
		stories = append(stories, catalog.Story{ID: s.ID, Title: s.Title, IntroQuestion: s.IntroQuestion})
	}
	slog.Info("app: using in-memory catalog", "children", len(children), "stories", len(stories))
	return catalog.NewMemory(children, stories)
}

func (a *App) initAudio() error {
	if a.normalizer == nil {
		var opts []audio.Option
		if a.cfg.Audio.FFmpegPath != "" {
			opts = append(opts, audio.WithFFmpegPath(a.cfg.Audio.FFmpegPath))
		}
		if a.cfg.Audio.TempDir != "" {
			opts = append(opts, audio.WithTempDir(a.cfg.Audio.TempDir))
		}
		opts = append(opts,
			audio.WithTimeout(a.cfg.Audio.ConversionTimeout),
			audio.WithNativeDecoding(a.cfg.Audio.NativeDecoding),
		)
		a.normalizer = audio.NewTranscoder(opts...)
	}
	if c, ok := a.normalizer.(interface{ Check(context.Context) error }); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "ffmpeg", Check: c.Check})
	}

	det, err := vad.New(a.cfg.VAD.Detector())
	if err != nil {
		return err
	}
	a.detector = det
	return nil
}

func (a *App) initInference() error {
	if a.inference != nil {
		return nil
	}
	ic := a.cfg.Inference
	c, err := inference.New(ic.BaseURL,
		inference.WithTimeout(ic.Timeout),
		inference.WithFallbackURLs(ic.FallbackURLs...),
		inference.WithMetrics(a.metrics),
		inference.WithCircuitBreaker(resilience.CircuitBreakerConfig{
			MaxFailures:  ic.CircuitBreaker.MaxFailures,
			ResetTimeout: ic.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  ic.CircuitBreaker.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("app: inference circuit breaker changed state", "endpoint", name, "from", from, "to", to)
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		}),
	)
	if err != nil {
		return err
	}
	a.inference = c
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	bc := a.cfg.Blob
	switch bc.Driver {
	case config.BlobS3:
		s, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          bc.Bucket,
			Region:          bc.Region,
			Endpoint:        bc.Endpoint,
			UsePathStyle:    bc.UsePathStyle,
			AccessKeyID:     bc.AccessKeyID,
			SecretAccessKey: bc.SecretAccessKey,
			PublicBaseURL:   bc.PublicBaseURL,
		})
		if err != nil {
			return err
		}
		a.blobs = s
	default:
		s, err := blob.NewFileStore(bc.Dir, bc.PublicBaseURL)
		if err != nil {
			return err
		}
		a.blobs = s
	}
	return nil
}

func (a *App) initFeedback() error {
	if a.guard == nil && a.cfg.Feedback.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Feedback.RedisAddr})
		a.closers = append(a.closers, client.Close)
		a.checkers = append(a.checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		a.guard = feedback.NewRedisGuard(client, a.cfg.Feedback.GuardTTL, "")
	}

	d, err := feedback.NewDispatcher(feedback.DispatcherConfig{
		Store:     a.feedback,
		Generator: a.inference,
		Guard:     a.guard,
		Attempts:  a.cfg.Feedback.Attempts,
		BaseDelay: a.cfg.Feedback.BaseDelay,
		Timeout:   a.cfg.Feedback.Timeout,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	a.dispatcher = d
	return nil
}

func (a *App) initDialogue() error {
	svc, err := dialogue.New(dialogue.Config{
		Store:      a.sessions,
		Catalog:    a.catalog,
		Normalizer: a.normalizer,
		Detector:   a.detector,
		Inference:  a.inference,
		Blobs:      a.blobs,
		Feedback:   a.feedback,
		Dispatcher: a.dispatcher,
		SessionTTL: a.cfg.Session.TTL,
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}
	a.service = svc
	return nil
}

func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.ApplyConfig)
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	api.New(a.service).Register(mux)
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ApplyConfig applies the hot-reloadable parts of a changed config and logs
// the sections that need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.VADChanged {
		if err := a.detector.SetConfig(d.NewVAD.Detector()); err != nil {
			slog.Warn("app: rejected vad reload", "err", err)
		} else {
			slog.Info("app: vad thresholds reloaded", "config", a.detector.Config())
		}
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the expiry sweeper and config watcher until ctx is
// cancelled or one of them fails. The HTTP server is shut down gracefully
// before Run returns.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.sweeper.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the background loops, waits for in-flight feedback jobs
// until ctx expires, then releases connections. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.sweeper.Stop()

		drained := make(chan struct{})
		go func() {
			a.dispatcher.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded with feedback jobs still running")
			shutdownErr = ctx.Err()
		}

		a.close()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) close() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
