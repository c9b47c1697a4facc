package audio_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MrWong99/storyturn/internal/fault"
	"github.com/MrWong99/storyturn/pkg/audio"
)

// fakeFFmpeg records invocations and writes pcm to the output path (the last
// argument) when err is nil.
type fakeFFmpeg struct {
	mu     sync.Mutex
	pcm    []byte
	err    error
	output []byte
	panics bool

	calls   int
	lastIn  string
	lastDir string
}

func (f *fakeFFmpeg) run(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for i, a := range args {
		if a == "-i" && i+1 < len(args) {
			f.lastIn = args[i+1]
			f.lastDir = filepath.Dir(args[i+1])
		}
	}
	if f.panics {
		panic("ffmpeg exploded")
	}
	if f.err != nil {
		return f.output, f.err
	}
	out := args[len(args)-1]
	return nil, os.WriteFile(out, f.pcm, 0o600)
}

func assertGone(t *testing.T, dir string) {
	t.Helper()
	if dir == "" {
		t.Fatal("runner never saw an input path")
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("scratch dir %q still exists (stat err: %v)", dir, err)
	}
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filename string
		mime     string
		want     audio.Format
		wantErr  bool
	}{
		{name: "extension", filename: "clip.webm", want: audio.FormatWebM},
		{name: "uppercase extension", filename: "CLIP.M4A", want: audio.FormatM4A},
		{name: "extension wins over mime", filename: "a.caf", mime: "audio/mpeg", want: audio.FormatCAF},
		{name: "mime fallback", filename: "blob", mime: "audio/aac", want: audio.FormatAAC},
		{name: "mime with params", mime: "audio/webm;codecs=opus", want: audio.FormatWebM},
		{name: "unknown extension uses mime", filename: "x.bin", mime: "audio/x-wav", want: audio.FormatWAV},
		{name: "mp3 mime", mime: "audio/mpeg", want: audio.FormatMP3},
		{name: "nothing", filename: "", mime: "", wantErr: true},
		{name: "unknown both", filename: "x.ogg", mime: "audio/ogg", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := audio.DetectFormat(tt.filename, tt.mime)
			if tt.wantErr {
				if !fault.Is(err, fault.KindUnsupportedFormat) {
					t.Fatalf("err = %v, want UnsupportedFormat", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTranscoder_NativeWAV(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{}
	tr := audio.NewTranscoder(audio.WithCommandRunner(ff.run))

	// 32 kHz stereo input, 3200 frames = 100ms.
	frames := make([]int16, 3200*2)
	for i := range frames {
		frames[i] = 1000
	}
	wav := audio.EncodeWAV(samplesToBytes(frames), 32000, 2)

	w, err := tr.Normalize(context.Background(), wav, "reply.wav", "")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ff.calls != 0 {
		t.Errorf("ffmpeg called %d times, want 0", ff.calls)
	}
	if w.SampleRate != audio.CanonicalRate {
		t.Errorf("rate = %d, want %d", w.SampleRate, audio.CanonicalRate)
	}
	if len(w.Samples) != 1600 {
		t.Errorf("samples = %d, want 1600", len(w.Samples))
	}
	if w.Samples[0] != 1000 {
		t.Errorf("sample[0] = %d, want 1000", w.Samples[0])
	}
}

func TestTranscoder_FFmpegPath(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{pcm: samplesToBytes([]int16{10, 20, 30, 40})}
	tr := audio.NewTranscoder(audio.WithCommandRunner(ff.run), audio.WithTempDir(t.TempDir()))

	w, err := tr.Normalize(context.Background(), []byte("webm bytes"), "turn.webm", "audio/webm")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ff.calls != 1 {
		t.Fatalf("ffmpeg calls = %d, want 1", ff.calls)
	}
	if filepath.Ext(ff.lastIn) != ".webm" {
		t.Errorf("input file %q should keep the .webm extension", ff.lastIn)
	}
	assertSamples(t, w.Samples, []int16{10, 20, 30, 40})
	assertGone(t, ff.lastDir)
}

func TestTranscoder_ConversionFailed(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{err: errors.New("exit status 1"), output: []byte("Invalid data found when processing input")}
	tr := audio.NewTranscoder(audio.WithCommandRunner(ff.run), audio.WithTempDir(t.TempDir()))

	_, err := tr.Normalize(context.Background(), []byte("junk"), "turn.m4a", "")
	if !fault.Is(err, fault.KindConversionFailed) {
		t.Fatalf("err = %v, want ConversionFailed", err)
	}
	assertGone(t, ff.lastDir)
}

func TestTranscoder_EmptyOutput(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{pcm: nil}
	tr := audio.NewTranscoder(audio.WithCommandRunner(ff.run), audio.WithTempDir(t.TempDir()))

	_, err := tr.Normalize(context.Background(), []byte("x"), "turn.aac", "")
	if !fault.Is(err, fault.KindConversionFailed) {
		t.Fatalf("err = %v, want ConversionFailed", err)
	}
	assertGone(t, ff.lastDir)
}

func TestTranscoder_CleansUpOnPanic(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{panics: true}
	tr := audio.NewTranscoder(audio.WithCommandRunner(ff.run), audio.WithTempDir(t.TempDir()))

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_, _ = tr.Normalize(context.Background(), []byte("x"), "turn.caf", "")
	}()
	assertGone(t, ff.lastDir)
}

func TestTranscoder_IOError(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "does", "not", "exist")
	tr := audio.NewTranscoder(audio.WithCommandRunner((&fakeFFmpeg{}).run), audio.WithTempDir(missing))

	_, err := tr.Normalize(context.Background(), []byte("x"), "turn.webm", "")
	if !fault.Is(err, fault.KindIO) {
		t.Fatalf("err = %v, want IOError", err)
	}
}

func TestTranscoder_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{}
	tr := audio.NewTranscoder(audio.WithCommandRunner(ff.run))

	_, err := tr.Normalize(context.Background(), []byte("x"), "turn.flac", "audio/flac")
	if !fault.Is(err, fault.KindUnsupportedFormat) {
		t.Fatalf("err = %v, want UnsupportedFormat", err)
	}
	if ff.calls != 0 {
		t.Error("ffmpeg must not run for unsupported formats")
	}
}

func TestTranscoder_BrokenMP3FallsBackToFFmpeg(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{pcm: samplesToBytes([]int16{1, 2})}
	tr := audio.NewTranscoder(audio.WithCommandRunner(ff.run), audio.WithTempDir(t.TempDir()))

	w, err := tr.Normalize(context.Background(), []byte("definitely not mpeg audio"), "intro.mp3", "")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ff.calls != 1 {
		t.Errorf("ffmpeg calls = %d, want 1", ff.calls)
	}
	assertSamples(t, w.Samples, []int16{1, 2})
}

func TestTranscoder_EmptyUpload(t *testing.T) {
	t.Parallel()
	_, err := audio.NewTranscoder().Normalize(context.Background(), nil, "a.wav", "")
	if !fault.Is(err, fault.KindInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}
