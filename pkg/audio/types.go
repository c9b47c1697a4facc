// Package audio turns uploaded voice recordings into the canonical waveform
// every downstream stage works on: mono, 16 kHz, signed 16-bit linear PCM.
//
// Small WAV and MP3 uploads are decoded in-process. Everything else (WebM,
// M4A, AAC, CAF, or exotic WAV encodings) is handed to an ffmpeg subprocess
// working inside a private temp directory that is removed on every exit path.
package audio

import (
	"encoding/binary"
	"time"
)

// CanonicalRate is the sample rate of every [Waveform] produced by a
// [Normalizer].
const CanonicalRate = 16000

// Waveform is a decoded mono PCM16 clip.
type Waveform struct {
	// Samples holds one signed 16-bit sample per tick.
	Samples []int16

	// SampleRate in Hz. Always [CanonicalRate] for normalizer output.
	SampleRate int
}

// Duration returns the playback length of the clip. It returns 0 for a clip
// with no samples or an invalid sample rate.
func (w *Waveform) Duration() time.Duration {
	if w == nil || w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// PCM returns the samples as little-endian bytes.
func (w *Waveform) PCM() []byte {
	out := make([]byte, len(w.Samples)*2)
	for i, s := range w.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// WAV returns the clip wrapped in a RIFF/WAVE container, ready for upload.
func (w *Waveform) WAV() []byte {
	return EncodeWAV(w.PCM(), w.SampleRate, 1)
}

// NewWaveform builds a [Waveform] from little-endian PCM16 bytes. A trailing
// odd byte is ignored.
func NewWaveform(pcm []byte, sampleRate int) *Waveform {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return &Waveform{Samples: samples, SampleRate: sampleRate}
}
