package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// bytesPerSample is the width of one PCM16 sample.
const bytesPerSample = 2

// Chunk is an immutable block of little-endian PCM16 audio.
type Chunk struct {
	PCM []byte
}

// Base64 returns the standard base64 encoding of the chunk.
func (c Chunk) Base64() string {
	return base64.StdEncoding.EncodeToString(c.PCM)
}

// Samples returns the number of samples in the chunk.
func (c Chunk) Samples() int {
	return len(c.PCM) / bytesPerSample
}

// Quantize converts a float sample to int16, saturating at the int16 range.
func Quantize(s float32) int16 {
	v := float64(s) * 32768
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// DecodePCM16 converts little-endian PCM16 to floats by dividing by 32768.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/bytesPerSample)
	for i := range out {
		//nolint:gosec // PCM16 uses the full int16 range stored as unsigned bytes
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))) / 32768
	}
	return out
}

// EncodePCM16 quantizes floats to little-endian PCM16.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(Quantize(s))) //nolint:gosec // two's complement
	}
	return out
}

// Resample converts samples between rates using linear interpolation.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return samples
	}
	n := int(float64(len(samples)) * float64(toRate) / float64(fromRate))
	if n == 0 {
		return []float32{}
	}
	out := make([]float32, n)
	ratio := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
