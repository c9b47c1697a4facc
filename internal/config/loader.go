package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultConversionTimeout = 30 * time.Second
	DefaultSessionTTL        = time.Hour
	DefaultSweepInterval     = time.Minute
	DefaultSweepBatchSize    = 100
	DefaultInferenceTimeout  = 60 * time.Second
	DefaultBlobDir           = "./data/audio"
	DefaultFeedbackFile      = "./data/feedback.jsonl"
	DefaultServiceName       = "storyturn"
)

// Load opens the YAML file at path, decodes it into a [Config], applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes YAML from r into a [Config], applies defaults and
// validates the result. Unknown keys are rejected. An empty document is
// decoded as all defaults, which still lack inference.base_url.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Audio.ConversionTimeout == 0 {
		cfg.Audio.ConversionTimeout = DefaultConversionTimeout
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = DefaultSessionTTL
	}
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = DefaultSweepInterval
	}
	if cfg.Sweeper.BatchSize == 0 {
		cfg.Sweeper.BatchSize = DefaultSweepBatchSize
	}
	if cfg.Inference.Timeout == 0 {
		cfg.Inference.Timeout = DefaultInferenceTimeout
	}
	if cfg.Blob.Driver == "" {
		cfg.Blob.Driver = BlobFile
	}
	if cfg.Blob.Driver == BlobFile && cfg.Blob.Dir == "" {
		cfg.Blob.Dir = DefaultBlobDir
	}
	if cfg.Feedback.Store == "" {
		if cfg.Database.PostgresDSN != "" {
			cfg.Feedback.Store = FeedbackPostgres
		} else {
			cfg.Feedback.Store = FeedbackMemory
		}
	}
	if cfg.Feedback.Store == FeedbackFile && cfg.Feedback.FilePath == "" {
		cfg.Feedback.FilePath = DefaultFeedbackFile
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks cfg for consistency and returns all problems joined.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be >= 0, got %s", cfg.Server.ShutdownTimeout))
	}

	childIDs := make(map[int64]bool, len(cfg.Catalog.Children))
	for i, c := range cfg.Catalog.Children {
		if c.ID <= 0 {
			errs = append(errs, fmt.Errorf("catalog.children[%d].id must be > 0", i))
		} else if childIDs[c.ID] {
			errs = append(errs, fmt.Errorf("catalog.children[%d]: duplicate id %d", i, c.ID))
		}
		childIDs[c.ID] = true
	}
	storyIDs := make(map[int64]bool, len(cfg.Catalog.Stories))
	for i, s := range cfg.Catalog.Stories {
		if s.ID <= 0 {
			errs = append(errs, fmt.Errorf("catalog.stories[%d].id must be > 0", i))
		} else if storyIDs[s.ID] {
			errs = append(errs, fmt.Errorf("catalog.stories[%d]: duplicate id %d", i, s.ID))
		}
		storyIDs[s.ID] = true
	}

	if cfg.Audio.ConversionTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.conversion_timeout must be >= 0, got %s", cfg.Audio.ConversionTimeout))
	}

	if err := cfg.VAD.Detector().Validate(); err != nil {
		errs = append(errs, err)
	}

	if cfg.Session.TTL < 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be >= 0, got %s", cfg.Session.TTL))
	}
	if cfg.Sweeper.Interval < 0 {
		errs = append(errs, fmt.Errorf("sweeper.interval must be >= 0, got %s", cfg.Sweeper.Interval))
	}
	if cfg.Sweeper.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("sweeper.batch_size must be >= 0, got %d", cfg.Sweeper.BatchSize))
	}

	if cfg.Inference.BaseURL == "" {
		errs = append(errs, errors.New("inference.base_url is required"))
	} else if err := validateURL(cfg.Inference.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("inference.base_url: %w", err))
	}
	for i, u := range cfg.Inference.FallbackURLs {
		if err := validateURL(u); err != nil {
			errs = append(errs, fmt.Errorf("inference.fallback_urls[%d]: %w", i, err))
		}
	}
	if cb := cfg.Inference.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("inference.circuit_breaker values must be >= 0"))
	}

	switch cfg.Blob.Driver {
	case BlobS3:
		if cfg.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob.bucket is required for the s3 driver"))
		}
		if (cfg.Blob.AccessKeyID == "") != (cfg.Blob.SecretAccessKey == "") {
			errs = append(errs, errors.New("blob.access_key_id and blob.secret_access_key must be set together"))
		}
	case BlobFile:
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q is invalid; valid values: s3, file", cfg.Blob.Driver))
	}

	if !cfg.Feedback.Store.IsValid() {
		errs = append(errs, fmt.Errorf("feedback.store %q is invalid; valid values: postgres, file, memory", cfg.Feedback.Store))
	}
	if cfg.Feedback.Store == FeedbackPostgres && cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("feedback.store postgres requires database.postgres_dsn"))
	}
	if cfg.Feedback.Attempts < 0 {
		errs = append(errs, fmt.Errorf("feedback.attempts must be >= 0, got %d", cfg.Feedback.Attempts))
	}
	if cfg.Feedback.GuardTTL < 0 {
		errs = append(errs, fmt.Errorf("feedback.guard_ttl must be >= 0, got %s", cfg.Feedback.GuardTTL))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio must be in [0, 1], got %v", r))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http or https URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
