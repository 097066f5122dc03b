package audiocore

import (
	"math"
	"time"
)

// AudioFrame is one analysis window. Samples are mono float32 in [-1, 1] and
// the slice is owned by the frame.
type AudioFrame struct {
	ID        uint64
	Timestamp time.Time
	Samples   []float32
}

// Duration returns the frame length at sampleRate.
func (f AudioFrame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(sampleRate)
}

// Sanitize clips samples into [-1, 1] in place. NaN becomes 0 and infinities
// saturate. It returns how many samples were modified.
func Sanitize(samples []float32) int {
	clipped := 0
	for i, s := range samples {
		switch {
		case s != s: // NaN
			samples[i] = 0
		case s > 1:
			samples[i] = 1
		case s < -1:
			samples[i] = -1
		default:
			continue
		}
		clipped++
	}
	return clipped
}

// PCM16ToFloat32 converts little-endian signed 16-bit PCM to float32 in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(dst []float32, pcm []byte) []float32 {
	n := len(pcm) / 2
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range n {
		v := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		dst[i] = float32(v) / 32768.0
	}
	return dst
}

// RMS returns the root mean square of samples, used for level logging.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
