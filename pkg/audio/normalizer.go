package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/storyturn/internal/fault"
)

const (
	defaultFFmpegPath = "ffmpeg"
	defaultTimeout    = 30 * time.Second

	// stderrTail bounds how much ffmpeg output ends up in an error message.
	stderrTail = 512
)

// Normalizer converts an uploaded recording into a canonical [Waveform].
//
// Implementations fail with [fault.KindUnsupportedFormat] when the format
// cannot be determined, [fault.KindConversionFailed] when decoding fails and
// [fault.KindIO] when temporary storage cannot be used.
type Normalizer interface {
	Normalize(ctx context.Context, raw []byte, filename, mimeType string) (*Waveform, error)
}

// CommandRunner runs an external program and returns its combined output.
// A non-nil error means the program could not be started or exited non-zero.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Compile-time interface assertion.
var _ Normalizer = (*Transcoder)(nil)

// Transcoder is the production [Normalizer]. It decodes PCM16 WAV and MP3 in
// process and shells out to ffmpeg for everything else.
//
// Transcoder is safe for concurrent use; every call works in its own temp
// directory.
type Transcoder struct {
	ffmpegPath string
	tempDir    string
	timeout    time.Duration
	native     bool
	run        CommandRunner
}

// Option configures a [Transcoder].
type Option func(*Transcoder)

// WithFFmpegPath sets the ffmpeg executable. Defaults to "ffmpeg" on $PATH.
func WithFFmpegPath(path string) Option {
	return func(t *Transcoder) {
		if path != "" {
			t.ffmpegPath = path
		}
	}
}

// WithTempDir sets the parent directory for per-call scratch directories.
// Defaults to [os.TempDir].
func WithTempDir(dir string) Option {
	return func(t *Transcoder) { t.tempDir = dir }
}

// WithTimeout bounds a single ffmpeg invocation. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcoder) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithNativeDecoding toggles the in-process WAV/MP3 decoders. Enabled by
// default; when disabled every upload goes through ffmpeg.
func WithNativeDecoding(enabled bool) Option {
	return func(t *Transcoder) { t.native = enabled }
}

// WithCommandRunner replaces the subprocess runner. Tests use it to stand in
// for ffmpeg.
func WithCommandRunner(r CommandRunner) Option {
	return func(t *Transcoder) {
		if r != nil {
			t.run = r
		}
	}
}

// NewTranscoder returns a [Transcoder] with the given options applied.
func NewTranscoder(opts ...Option) *Transcoder {
	t := &Transcoder{
		ffmpegPath: defaultFFmpegPath,
		timeout:    defaultTimeout,
		native:     true,
		run:        execCommand,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Normalize implements [Normalizer].
func (t *Transcoder) Normalize(ctx context.Context, raw []byte, filename, mimeType string) (*Waveform, error) {
	if len(raw) == 0 {
		return nil, fault.New(fault.KindInvalidArgument, "audio: normalize", "empty upload")
	}
	format, err := DetectFormat(filename, mimeType)
	if err != nil {
		return nil, err
	}

	if t.native {
		pcm, rate, channels, err := decodeNative(format, raw)
		switch {
		case err == nil:
			return t.finish(pcm, rate, channels)
		case !errors.Is(err, errNoNativeDecoder):
			slog.Debug("audio: native decode failed, falling back to ffmpeg",
				"format", format,
				"err", err,
			)
		}
	}
	return t.transcode(ctx, format, raw)
}

// Check reports whether the configured ffmpeg binary can be found. It is
// suitable as a readiness probe.
func (t *Transcoder) Check(_ context.Context) error {
	if _, err := exec.LookPath(t.ffmpegPath); err != nil {
		return fmt.Errorf("audio: ffmpeg: %w", err)
	}
	return nil
}

var errNoNativeDecoder = errors.New("audio: no native decoder")

func decodeNative(format Format, raw []byte) ([]byte, int, int, error) {
	switch format {
	case FormatWAV:
		return DecodeWAV(raw)
	case FormatMP3:
		return DecodeMP3(raw)
	}
	return nil, 0, 0, errNoNativeDecoder
}

func (t *Transcoder) finish(pcm []byte, rate, channels int) (*Waveform, error) {
	mono, err := ToCanonical(pcm, rate, channels)
	if err != nil {
		return nil, fault.Wrap(fault.KindConversionFailed, "audio: normalize", err)
	}
	if len(mono) < 2 {
		return nil, fault.New(fault.KindConversionFailed, "audio: normalize", "decoded clip is empty")
	}
	return NewWaveform(mono, CanonicalRate), nil
}

// transcode runs ffmpeg inside a private scratch directory. The directory and
// everything in it is removed before returning, whatever the outcome.
func (t *Transcoder) transcode(ctx context.Context, format Format, raw []byte) (*Waveform, error) {
	dir, err := os.MkdirTemp(t.tempDir, "storyturn-audio-*")
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, "audio: create scratch dir", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("audio: failed to remove scratch dir", "dir", dir, "err", err)
		}
	}()

	in := filepath.Join(dir, "input"+format.Ext())
	out := filepath.Join(dir, "output.pcm")
	if err := os.WriteFile(in, raw, 0o600); err != nil {
		return nil, fault.Wrap(fault.KindIO, "audio: write scratch input", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	output, err := t.run(runCtx, t.ffmpegPath,
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-i", in,
		"-vn", "-ac", "1", "-ar", fmt.Sprint(CanonicalRate),
		"-f", "s16le", "-acodec", "pcm_s16le",
		out,
	)
	if err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			err = ctxErr
		}
		slog.Warn("audio: ffmpeg conversion failed",
			"format", format,
			"err", err,
			"output", tail(output),
		)
		return nil, &fault.Error{
			Kind: fault.KindConversionFailed,
			Op:   "audio: ffmpeg",
			Msg:  tail(output),
			Err:  err,
		}
	}
	slog.Debug("audio: ffmpeg conversion done", "format", format, "duration", time.Since(start))

	pcm, err := os.ReadFile(out)
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, "audio: read scratch output", err)
	}
	return t.finish(pcm, CanonicalRate, 1)
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTail {
		s = "…" + s[len(s)-stderrTail:]
	}
	return s
}
