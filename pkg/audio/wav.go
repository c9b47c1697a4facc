package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// errNotPCM16 signals a WAV file the in-process decoder does not handle. The
// normalizer falls back to ffmpeg when it sees it.
var errNotPCM16 = errors.New("audio: wav payload is not 16-bit integer PCM")

// EncodeWAV wraps little-endian PCM16 data in a canonical 44-byte RIFF/WAVE
// header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bits = 16
	blockAlign := channels * bits / 8
	size := len(pcm)

	buf := make([]byte, 44+size)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+size))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bits)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(size))
	copy(buf[44:], pcm)
	return buf
}

// DecodeWAV walks the RIFF chunks of data and returns the raw PCM payload with
// its sample rate and channel count. Only 16-bit integer PCM is supported;
// anything else returns an error wrapping errNotPCM16.
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("audio: decode wav: missing RIFF/WAVE header")
	}

	var haveFmt bool
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			// Streaming encoders sometimes leave the data size unset.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, 0, 0, fmt.Errorf("audio: decode wav: short fmt chunk")
			}
			tag := binary.LittleEndian.Uint16(data[body:])
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if (tag != wavFormatPCM && tag != wavFormatExtensible) || bits != 16 {
				return nil, 0, 0, fmt.Errorf("audio: decode wav: format tag %d, %d bits: %w", tag, bits, errNotPCM16)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, fmt.Errorf("audio: decode wav: data chunk before fmt chunk")
			}
			return data[body:end], sampleRate, channels, nil
		}

		// Chunks are word aligned.
		off = end + size%2
	}
	return nil, 0, 0, fmt.Errorf("audio: decode wav: no data chunk")
}
