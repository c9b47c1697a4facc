// Package config provides the configuration schema, loader and file watcher
// for the storyturn server.
package config

import (
	"time"

	"github.com/MrWong99/storyturn/pkg/vad"
)

// LogLevel controls log verbosity for the storyturn server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// BlobDriver selects where reply and intro audio is stored.
type BlobDriver string

const (
	BlobS3   BlobDriver = "s3"
	BlobFile BlobDriver = "file"
)

// IsValid reports whether d is a recognised blob driver.
func (d BlobDriver) IsValid() bool {
	return d == BlobS3 || d == BlobFile
}

// FeedbackStoreKind selects the feedback record backend.
type FeedbackStoreKind string

const (
	FeedbackPostgres FeedbackStoreKind = "postgres"
	FeedbackFile     FeedbackStoreKind = "file"
	FeedbackMemory   FeedbackStoreKind = "memory"
)

// IsValid reports whether k is a recognised feedback store.
func (k FeedbackStoreKind) IsValid() bool {
	switch k {
	case FeedbackPostgres, FeedbackFile, FeedbackMemory:
		return true
	}
	return false
}

// Config is the root configuration structure for storyturn.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Session   SessionConfig   `yaml:"session"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Inference InferenceConfig `yaml:"inference"`
	Blob      BlobConfig      `yaml:"blob"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown, including pending feedback
	// jobs.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds paths to PEM-encoded TLS credentials.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DatabaseConfig configures PostgreSQL. An empty DSN runs the server on
// in-memory stores, which is only suitable for development.
type DatabaseConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CatalogConfig seeds the in-memory catalog used when no database is
// configured. It is ignored when database.postgres_dsn is set.
type CatalogConfig struct {
	Children []ChildConfig `yaml:"children"`
	Stories  []StoryConfig `yaml:"stories"`
}

// ChildConfig is one seeded child.
type ChildConfig struct {
	ID        int64  `yaml:"id"`
	Name      string `yaml:"name"`
	BirthYear int    `yaml:"birth_year"`
}

// StoryConfig is one seeded story.
type StoryConfig struct {
	ID            int64  `yaml:"id"`
	Title         string `yaml:"title"`
	IntroQuestion string `yaml:"intro_question"`
}

// AudioConfig tunes the ffmpeg-backed normalizer.
type AudioConfig struct {
	FFmpegPath        string        `yaml:"ffmpeg_path"`
	TempDir           string        `yaml:"temp_dir"`
	ConversionTimeout time.Duration `yaml:"conversion_timeout"`

	// NativeDecoding decodes WAV and MP3 in-process instead of shelling out.
	NativeDecoding bool `yaml:"native_decoding"`
}

// VADConfig mirrors [vad.Config] in YAML form. Zero fields take the
// detector defaults. This block is hot-reloadable.
type VADConfig struct {
	MinDuration        time.Duration `yaml:"min_duration"`
	AmplitudeThreshold *float64      `yaml:"amplitude_threshold_dbfs"`
	SilenceThreshold   *float64      `yaml:"silence_threshold_dbfs"`
	MinSilence         time.Duration `yaml:"min_silence"`
	SilenceRatio       float64       `yaml:"silence_ratio"`
}

// Detector returns the detector configuration with defaults filled in.
func (c VADConfig) Detector() vad.Config {
	out := vad.DefaultConfig()
	if c.MinDuration > 0 {
		out.MinDuration = c.MinDuration
	}
	if c.AmplitudeThreshold != nil {
		out.AmplitudeThreshold = *c.AmplitudeThreshold
	}
	if c.SilenceThreshold != nil {
		out.SilenceThreshold = *c.SilenceThreshold
	}
	if c.MinSilence > 0 {
		out.MinSilence = c.MinSilence
	}
	if c.SilenceRatio > 0 {
		out.SilenceRatio = c.SilenceRatio
	}
	return out
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	// TTL is how long a session may stay open before it expires.
	TTL time.Duration `yaml:"ttl"`
}

// SweeperConfig controls the expiry sweeper.
type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// InferenceConfig points at the remote model service.
type InferenceConfig struct {
	BaseURL string `yaml:"base_url"`

	// FallbackURLs are tried in order when BaseURL is failing.
	FallbackURLs []string `yaml:"fallback_urls"`

	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the per-endpoint circuit breakers.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// BlobConfig selects and configures the audio object store.
type BlobConfig struct {
	Driver BlobDriver `yaml:"driver"`

	// S3 settings.
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// PublicBaseURL prefixes returned object URLs.
	PublicBaseURL string `yaml:"public_base_url"`

	// Dir is the root directory of the file driver.
	Dir string `yaml:"dir"`
}

// FeedbackConfig configures feedback persistence and dispatch.
type FeedbackConfig struct {
	Store    FeedbackStoreKind `yaml:"store"`
	FilePath string            `yaml:"file_path"`

	// RedisAddr, when set, makes the single-flight claim cluster-wide.
	// Empty uses a process-local guard.
	RedisAddr string        `yaml:"redis_addr"`
	GuardTTL  time.Duration `yaml:"guard_ttl"`

	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces sampled, in [0, 1].
	// Zero samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
