package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 stream. go-mp3 always yields interleaved stereo
// PCM16, so the returned channel count is fixed at 2.
func DecodeMP3(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("audio: decode mp3: %w", err)
	}
	pcm, err = io.ReadAll(dec)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("audio: decode mp3: read: %w", err)
	}
	return pcm, dec.SampleRate(), 2, nil
}
