// Package audio implements the narrowband audio plumbing shared by the
// voice bridge: G.711 mu-law transcoding, sample rate conversion, energy
// measurement and frame chunking for the 20ms telephony cadence.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// TelephonyRate is the provider-side sample rate in Hz.
	TelephonyRate = 8000
	// RecognitionRate is the sample rate expected by the speech services.
	RecognitionRate = 16000

	// FrameBytes is one 20ms mu-law frame at 8kHz.
	FrameBytes = 160
	// FrameSamples is one 20ms frame in 8kHz samples.
	FrameSamples = 160

	// MulawSilence is the mu-law encoding of a zero sample.
	MulawSilence = 0xFF

	mulawBias = 0x84
	mulawClip = 32635
)

// ============================================
// G.711 MU-LAW TRANSCODING
// ============================================
// The provider delivers and accepts mu-law 8kHz mono. Recognition and
// synthesis services work in linear 16-bit PCM, usually at 16kHz.
// ============================================

// DecodeMulaw decodes mu-law bytes to linear 16-bit samples.
func DecodeMulaw(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		b ^= 0xFF

		exponent := (b >> 4) & 0x07
		mantissa := b & 0x0F

		sample := ((int16(mantissa) << 3) + mulawBias) << exponent
		sample -= mulawBias

		if (b & 0x80) != 0 {
			sample = -sample
		}
		samples[i] = sample
	}
	return samples
}

// EncodeMulaw encodes linear 16-bit samples to mu-law bytes.
func EncodeMulaw(samples []int16) []byte {
	data := make([]byte, len(samples))
	for i, s := range samples {
		data[i] = linearToMulaw(s)
	}
	return data
}

// linearToMulaw converts a single linear sample using the standard
// G.711 segment search.
func linearToMulaw(sample int16) byte {
	// Widened so negating math.MinInt16 cannot overflow.
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); (s&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F

	return ^(sign | (exponent << 4) | mantissa)
}

// ============================================
// SAMPLE RATE CONVERSION
// ============================================

// Resample converts samples between rates using linear interpolation.
// Good enough for telephony bandwidth.
func Resample(samples []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: %d -> %d", fromRate, toRate)
	}
	if fromRate == toRate || len(samples) == 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, nil
	}
	if len(samples) == 1 {
		n := toRate / fromRate
		if n < 1 {
			n = 1
		}
		out := make([]int16, n)
		for i := range out {
			out[i] = samples[0]
		}
		return out, nil
	}

	numOut := (len(samples) * toRate) / fromRate
	out := make([]int16, numOut)
	ratio := float64(fromRate) / float64(toRate)

	for i := 0; i < numOut; i++ {
		srcPos := float64(i) * ratio
		srcIndex := int(srcPos)
		if srcIndex >= len(samples)-1 {
			srcIndex = len(samples) - 2
		}
		fraction := srcPos - float64(srcIndex)

		interpolated := float64(samples[srcIndex])*(1-fraction) + float64(samples[srcIndex+1])*fraction
		if interpolated > math.MaxInt16 {
			interpolated = math.MaxInt16
		} else if interpolated < math.MinInt16 {
			interpolated = math.MinInt16
		}
		out[i] = int16(interpolated)
	}
	return out, nil
}

// ============================================
// ENERGY AND BYTE HELPERS
// ============================================

// RMS returns the root mean square amplitude of the samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// BytesToSamples reinterprets little-endian 16-bit PCM bytes as samples.
// A trailing odd byte is dropped.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return samples
}

// SamplesToBytes serializes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:i*2+2], uint16(s))
	}
	return data
}

// SplitFrames slices mu-law data into fixed transport frames, padding the
// final partial frame with mu-law silence so every frame plays for the
// same wall-clock duration.
func SplitFrames(data []byte, frameSize int) [][]byte {
	if frameSize <= 0 {
		frameSize = FrameBytes
	}

	var frames [][]byte
	for i := 0; i < len(data); i += frameSize {
		end := i + frameSize
		if end <= len(data) {
			frames = append(frames, data[i:end])
			continue
		}
		frame := make([]byte, frameSize)
		n := copy(frame, data[i:])
		for j := n; j < frameSize; j++ {
			frame[j] = MulawSilence
		}
		frames = append(frames, frame)
	}
	return frames
}
