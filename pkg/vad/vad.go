// Package vad decides whether a recorded clip contains speech.
//
// Detection runs in two stages over a whole canonical [audio.Waveform]:
//
//   - Amplitude: the clip's RMS level in dBFS is compared to a fixed
//     threshold. Clips shorter than a minimum duration are always treated as
//     speech by this stage so that short, quiet answers are not discarded.
//   - Silence ratio: runs of quiet samples that last at least a minimum hold
//     time are summed; if they cover most of the clip it is silent. This
//     catches clips whose average level is raised by a brief click or rustle.
//
// The clip is silent if the amplitude stage says so, or if the amplitude stage
// passes and the ratio stage says so. Both stages fail open: any internal
// failure is reported as "not silent".
//
// A [Detector] is safe for concurrent use and its [Config] can be replaced at
// runtime.
package vad

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/storyturn/pkg/audio"
)

// fullScale is the reference amplitude for 16-bit signed PCM.
const fullScale = 32768.0

// Config holds the detection thresholds.
type Config struct {
	// MinDuration is the clip length below which the amplitude stage always
	// reports speech. Default: 800ms.
	MinDuration time.Duration

	// AmplitudeThreshold is the RMS level, in dBFS, at or below which the
	// amplitude stage reports silence. Default: -42.
	AmplitudeThreshold float64

	// SilenceThreshold is the per-sample level, in dBFS, below which a sample
	// counts as quiet for the ratio stage. Default: -40.
	SilenceThreshold float64

	// MinSilence is how long a quiet run must last before it counts toward the
	// silence ratio. Default: 250ms.
	MinSilence time.Duration

	// SilenceRatio is the fraction of the clip that must be covered by quiet
	// runs for the ratio stage to report silence. Default: 0.95.
	SilenceRatio float64
}

// DefaultConfig returns the thresholds tuned for short utterances by young
// children.
func DefaultConfig() Config {
	return Config{
		MinDuration:        800 * time.Millisecond,
		AmplitudeThreshold: -42,
		SilenceThreshold:   -40,
		MinSilence:         250 * time.Millisecond,
		SilenceRatio:       0.95,
	}
}

// Validate reports every out-of-range field as a joined error.
func (c Config) Validate() error {
	var errs []error
	if c.MinDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: min_duration %s must not be negative", c.MinDuration))
	}
	if c.AmplitudeThreshold > 0 {
		errs = append(errs, fmt.Errorf("vad: amplitude_threshold %.1f dBFS must be <= 0", c.AmplitudeThreshold))
	}
	if c.SilenceThreshold > 0 {
		errs = append(errs, fmt.Errorf("vad: silence_threshold %.1f dBFS must be <= 0", c.SilenceThreshold))
	}
	if c.MinSilence < 0 {
		errs = append(errs, fmt.Errorf("vad: min_silence %s must not be negative", c.MinSilence))
	}
	if c.SilenceRatio <= 0 || c.SilenceRatio > 1 {
		errs = append(errs, fmt.Errorf("vad: silence_ratio %.2f must be in (0, 1]", c.SilenceRatio))
	}
	return errors.Join(errs...)
}

// AmplitudeSilent is the amplitude stage's decision rule: a clip of length d
// with RMS level dbfs is silent iff it is at least MinDuration long and its
// level is at or below AmplitudeThreshold.
func (c Config) AmplitudeSilent(dbfs float64, d time.Duration) bool {
	if d < c.MinDuration {
		return false
	}
	return dbfs <= c.AmplitudeThreshold
}

// StageResult is the outcome of one detection stage.
type StageResult struct {
	// Silent is the stage's verdict.
	Silent bool

	// Guarded is set by the amplitude stage when the clip was shorter than
	// MinDuration and the level was not considered.
	Guarded bool

	// DBFS is the RMS level of the clip (amplitude stage).
	DBFS float64

	// Silence is the summed length of qualifying quiet runs (ratio stage).
	Silence time.Duration

	// Ratio is Silence divided by Duration (ratio stage).
	Ratio float64

	// Duration is the clip length.
	Duration time.Duration

	// Err is non-nil when the stage failed internally. Silent is always false
	// in that case.
	Err error
}

// Decision is the combined verdict for one clip. It is request-scoped and
// never persisted.
type Decision struct {
	Amplitude StageResult

	// Ratio is nil when the amplitude stage already reported silence.
	Ratio *StageResult

	Silent bool
}

// Stage returns the name of the stage that produced a silent verdict, or ""
// when the clip has speech.
func (d Decision) Stage() string {
	switch {
	case !d.Silent:
		return ""
	case d.Amplitude.Silent:
		return "amplitude"
	default:
		return "ratio"
	}
}

var errEmptyClip = errors.New("vad: clip has no samples")

// Detector runs both stages with a shared, swappable [Config].
type Detector struct {
	mu  sync.RWMutex
	cfg Config
}

// New returns a [Detector] using cfg. It fails if cfg is invalid.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the thresholds currently in use.
func (d *Detector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// SetConfig replaces the thresholds for subsequent calls to [Detector.Detect].
// An invalid config is rejected and the old one kept.
func (d *Detector) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

// Detect classifies w. The ratio stage only runs when the amplitude stage did
// not report silence.
func (d *Detector) Detect(w *audio.Waveform) Decision {
	cfg := d.Config()

	dec := Decision{Amplitude: Amplitude(w, cfg)}
	if dec.Amplitude.Silent {
		dec.Silent = true
		return dec
	}
	r := SilenceRatio(w, cfg)
	dec.Ratio = &r
	dec.Silent = r.Silent
	return dec
}

// Amplitude runs the amplitude stage. Zero-length clips, invalid input and
// panics yield a not-silent result with Err set.
func Amplitude(w *audio.Waveform, cfg Config) (res StageResult) {
	defer func() {
		if r := recover(); r != nil {
			res = StageResult{Err: fmt.Errorf("vad: amplitude stage panicked: %v", r)}
		}
	}()
	if w == nil || w.SampleRate <= 0 {
		return StageResult{Err: fmt.Errorf("vad: amplitude stage: invalid waveform")}
	}
	if len(w.Samples) == 0 {
		return StageResult{Err: errEmptyClip}
	}

	res.Duration = w.Duration()
	res.DBFS = DBFS(RMS(w.Samples))
	if res.Duration < cfg.MinDuration {
		res.Guarded = true
		return res
	}
	res.Silent = cfg.AmplitudeSilent(res.DBFS, res.Duration)
	return res
}

// SilenceRatio runs the ratio stage. Zero-length clips, invalid input and
// panics yield a not-silent result with Err set.
func SilenceRatio(w *audio.Waveform, cfg Config) (res StageResult) {
	defer func() {
		if r := recover(); r != nil {
			res = StageResult{Err: fmt.Errorf("vad: ratio stage panicked: %v", r)}
		}
	}()
	if w == nil || w.SampleRate <= 0 {
		return StageResult{Err: fmt.Errorf("vad: ratio stage: invalid waveform")}
	}
	n := len(w.Samples)
	if n == 0 {
		return StageResult{Err: errEmptyClip}
	}

	limit := Amplitude16(cfg.SilenceThreshold)
	hold := int(int64(cfg.MinSilence) * int64(w.SampleRate) / int64(time.Second))

	var quiet, run int
	for _, s := range w.Samples {
		if math.Abs(float64(s)) < limit {
			run++
			continue
		}
		if run >= hold {
			quiet += run
		}
		run = 0
	}
	// A quiet run that reaches the end of the clip still counts.
	if run >= hold {
		quiet += run
	}

	res.Duration = w.Duration()
	res.Silence = time.Duration(quiet) * time.Second / time.Duration(w.SampleRate)
	res.Ratio = float64(quiet) / float64(n)
	res.Silent = res.Ratio >= cfg.SilenceRatio
	return res
}

// RMS returns the root-mean-square of samples, or 0 for an empty slice.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts an RMS amplitude in 16-bit PCM units to decibels relative to
// full scale. Zero maps to -Inf.
func DBFS(rms float64) float64 {
	return 20 * math.Log10(rms/fullScale)
}

// Amplitude16 converts a dBFS level to a 16-bit PCM amplitude.
func Amplitude16(dbfs float64) float64 {
	return fullScale * math.Pow(10, dbfs/20)
}
