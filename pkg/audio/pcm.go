// Package audio provides the PCM signal primitives used by the Parley
// relay pipeline: RMS energy, int16/float32 conversion, base64 framing,
// linear-interpolation resampling, voice activity detection, and level
// metering for UI telemetry.
//
// All byte-slice inputs are interleaved mono PCM16 little-endian at a
// nominal 24 kHz unless stated otherwise.
package audio

import (
	"encoding/base64"
	"math"
)

// SampleRate is the nominal sample rate of all audio on the wire.
const SampleRate = 24000

// RMS returns the root-mean-square energy of a PCM16 LE buffer,
// normalised to [0, 1]. Samples are divided by 32768 before squaring.
// An empty or odd-length buffer yields 0.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

// EncodeBase64 encodes raw PCM bytes for transmission in a JSON frame.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 decodes a base64 audio payload back to raw PCM bytes.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Float32ToPCM16 converts float32 samples in [-1, 1] to PCM16 LE bytes.
// Values outside the range are clamped. Negative samples are scaled by
// 32768 and non-negative samples by 32767 so that both endpoints map
// onto the full int16 range; results are rounded to nearest.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		var v int16
		if f < 0 {
			v = int16(math.Round(float64(f) * 32768))
		} else {
			v = int16(math.Round(float64(f) * 32767))
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts PCM16 LE bytes to float32 samples by dividing
// each sample by 32768. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	samples := len(pcm) / 2
	out := make([]float32, samples)
	for i := 0; i < samples; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Resample converts mono PCM16 LE audio from one sample rate to another
// using linear interpolation. When from == to (or either rate is
// non-positive) the input is returned unchanged. The last source index
// is clamped so interpolation never reads past the buffer.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(to) / int64(from))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(from) / float64(to)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0) + frac*float64(s1-s0))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Quality classifies a buffer's signal level for UI display.
type Quality string

const (
	QualitySilent   Quality = "silent"
	QualityLow      Quality = "low"
	QualityGood     Quality = "good"
	QualityLoud     Quality = "loud"
	QualityClipping Quality = "clipping"
)

// Measurement is the result of analysing one audio buffer.
type Measurement struct {
	RMS     float64
	Peak    float64
	DBFS    float64
	Quality Quality
}

// minDBFS is the floor reported for silent buffers, where a true dBFS
// value would be -Inf.
const minDBFS = -100

// Measure computes level statistics for a PCM16 LE buffer. Quality
// thresholds on RMS: silent < 0.001, low < 0.01, good < 0.5,
// loud < 0.9, otherwise clipping.
func Measure(pcm []byte) Measurement {
	samples := len(pcm) / 2
	var sum, peak float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768.0
		sum += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	var rms float64
	if samples > 0 {
		rms = math.Sqrt(sum / float64(samples))
	}

	dbfs := float64(minDBFS)
	if rms > 0 {
		dbfs = 20 * math.Log10(rms)
		if dbfs < minDBFS {
			dbfs = minDBFS
		}
	}

	q := QualityClipping
	switch {
	case rms < 0.001:
		q = QualitySilent
	case rms < 0.01:
		q = QualityLow
	case rms < 0.5:
		q = QualityGood
	case rms < 0.9:
		q = QualityLoud
	}

	return Measurement{RMS: rms, Peak: peak, DBFS: dbfs, Quality: q}
}
