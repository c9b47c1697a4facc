package audio

import (
	"fmt"
	"log/slog"
)

// ToCanonical converts interleaved PCM16 with the given rate and channel count
// to mono PCM16 at [CanonicalRate]. Channel reduction happens before
// resampling so that only one channel is interpolated.
func ToCanonical(pcm []byte, rate, channels int) ([]byte, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", rate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	if len(pcm)%2 != 0 {
		slog.Debug("audio: dropping trailing odd byte", "bytes", len(pcm))
		pcm = pcm[:len(pcm)-1]
	}

	if channels > 1 {
		slog.Debug("audio: downmixing",
			"from", formatString(rate, channels),
			"to", formatString(rate, 1),
		)
		pcm = Downmix(pcm, channels)
	}
	if rate != CanonicalRate {
		pcm = ResampleMono16(pcm, rate, CanonicalRate)
	}
	return pcm, nil
}

// Downmix averages every frame of interleaved PCM16 with n channels into one
// mono sample. Sums are computed in int32 and clamped to the int16 range.
// Incomplete trailing frames are dropped.
func Downmix(pcm []byte, n int) []byte {
	if n <= 1 {
		return pcm
	}
	frameBytes := n * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		base := i * frameBytes
		for c := range n {
			off := base + c*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := clamp16(sum / int32(n))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// StereoToMono is [Downmix] for two channels.
func StereoToMono(pcm []byte) []byte {
	return Downmix(pcm, 2)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation between neighbouring samples. Invalid rates, equal rates and
// inputs shorter than one sample are returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	outN := int(int64(n) * int64(dstRate) / int64(srcRate))
	if outN == 0 {
		return nil
	}

	sample := func(i int) int16 {
		if i >= n {
			i = n - 1
		}
		return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}

	step := float64(srcRate) / float64(dstRate)
	out := make([]byte, outN*2)
	for i := range outN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		v := int16(float64(sample(idx))*(1-frac) + float64(sample(idx+1))*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func clamp16(v int32) int32 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return v
}

// formatString renders a rate and channel count for log output, e.g.
// "44100Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	switch {
	case channels == 2:
		ch = "stereo"
	case channels > 2:
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
