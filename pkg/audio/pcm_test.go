package audio

import (
	"bytes"
	"math"
	"testing"
)

// pcmFrame builds a PCM16 LE buffer of n samples, each with the given
// int16 value.
func pcmFrame(n int, value int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = byte(value)
		out[i*2+1] = byte(value >> 8)
	}
	return out
}

// sineFrame builds n samples of a sine wave with the given peak
// amplitude in [0, 1].
func sineFrame(n int, amplitude float64) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(amplitude * 32767 * math.Sin(2*math.Pi*float64(i)/float64(n)))
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS(pcmFrame(480, 0)); got != 0 {
		t.Errorf("RMS(silence) = %v, want 0", got)
	}

	// A constant buffer of value v has RMS exactly v/32768.
	got := RMS(pcmFrame(480, 16384))
	want := 0.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("RMS(constant 16384) = %v, want %v", got, want)
	}

	// Sine with peak amplitude a has RMS ≈ a/√2.
	got = RMS(sineFrame(480, 0.8))
	want = 0.8 / math.Sqrt2
	if math.Abs(got-want) > 0.01 {
		t.Errorf("RMS(sine 0.8) = %v, want ≈%v", got, want)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	t.Parallel()

	cases := [][]byte{
		nil,
		{0},
		{0xff, 0x00, 0x80, 0x7f},
		sineFrame(480, 0.5),
	}
	for _, in := range cases {
		out, err := DecodeBase64(EncodeBase64(in))
		if err != nil {
			t.Fatalf("DecodeBase64: %v", err)
		}
		if !bytes.Equal(out, in) {
			t.Errorf("round trip mismatch: in=%v out=%v", in, out)
		}
	}

	if _, err := DecodeBase64("not!!base64"); err == nil {
		t.Error("DecodeBase64 accepted invalid input")
	}
}

func TestFloat32Conversion(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, 1, -1, 0.999, -0.999, 2, -2}
	pcm := Float32ToPCM16(in)
	out := PCM16ToFloat32(pcm)

	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d != %d", len(out), len(in))
	}
	for i := range in {
		want := in[i]
		// Out-of-range inputs are clamped.
		if want > 1 {
			want = 1
		} else if want < -1 {
			want = -1
		}
		if math.Abs(float64(out[i]-want)) > 1.0/32767 {
			t.Errorf("sample %d: got %v, want %v ± 1/32767", i, out[i], want)
		}
	}
}

func TestFloat32ToPCM16Endpoints(t *testing.T) {
	t.Parallel()

	pcm := Float32ToPCM16([]float32{-1, 1})
	lo := int16(pcm[0]) | int16(pcm[1])<<8
	hi := int16(pcm[2]) | int16(pcm[3])<<8
	if lo != -32768 {
		t.Errorf("-1 maps to %d, want -32768", lo)
	}
	if hi != 32767 {
		t.Errorf("+1 maps to %d, want 32767", hi)
	}
}

func TestResampleIdentity(t *testing.T) {
	t.Parallel()

	in := sineFrame(480, 0.5)
	out := Resample(in, 24000, 24000)
	if !bytes.Equal(out, in) {
		t.Error("Resample with equal rates should be identity")
	}
}

func TestResampleLength(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to   int
		inSamples  int
		outSamples int
	}{
		{48000, 24000, 960, 480},
		{24000, 48000, 480, 960},
		{24000, 16000, 480, 320},
		{16000, 24000, 320, 480},
	}
	for _, c := range cases {
		out := Resample(sineFrame(c.inSamples, 0.5), c.from, c.to)
		if got := len(out) / 2; got != c.outSamples {
			t.Errorf("Resample %d→%d of %d samples: got %d samples, want %d",
				c.from, c.to, c.inSamples, got, c.outSamples)
		}
	}
}

func TestResampleConstantSignal(t *testing.T) {
	t.Parallel()

	// Linear interpolation of a constant signal is the same constant.
	out := Resample(pcmFrame(480, 1000), 24000, 16000)
	for i := 0; i+1 < len(out); i += 2 {
		s := int16(out[i]) | int16(out[i+1])<<8
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i/2, s)
		}
	}
}

func TestMeasureQuality(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		amplitude float64
		want      Quality
	}{
		{"silent", 0, QualitySilent},
		{"low", 0.005, QualityLow},
		{"good", 0.3, QualityGood},
		{"loud", 0.85, QualityLoud},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m := Measure(pcmFrame(480, int16(c.amplitude*32767)))
			if m.Quality != c.want {
				t.Errorf("amplitude %v: quality = %q, want %q (rms=%v)",
					c.amplitude, m.Quality, c.want, m.RMS)
			}
		})
	}

	// Full-scale constant signal clips.
	m := Measure(pcmFrame(480, 32767))
	if m.Quality != QualityClipping {
		t.Errorf("full-scale quality = %q, want clipping", m.Quality)
	}
	if m.Peak < 0.99 {
		t.Errorf("full-scale peak = %v, want ≈1", m.Peak)
	}
}

func TestMeasureDBFS(t *testing.T) {
	t.Parallel()

	if m := Measure(pcmFrame(480, 0)); m.DBFS != minDBFS {
		t.Errorf("silent dBFS = %v, want %v", m.DBFS, minDBFS)
	}

	// RMS 0.5 is -6.02 dBFS.
	m := Measure(pcmFrame(480, 16384))
	if math.Abs(m.DBFS+6.02) > 0.1 {
		t.Errorf("dBFS = %v, want ≈-6.02", m.DBFS)
	}
}
