package audio

import (
	"math"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	const eps = 1.0 / 32768.0

	in := []float32{0, 0.5, -0.5, 0.999, -0.999, 0.123456, -0.654321}
	out := DecodePCM16(EncodePCM16(in))

	if len(out) != len(in) {
		t.Fatalf("round trip changed length: got %d, want %d", len(out), len(in))
	}
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > eps {
			t.Errorf("sample %d: got %v, want %v (+/- %v)", i, out[i], in[i], eps)
		}
	}
}

func TestCodecRoundTripSweep(t *testing.T) {
	// Uniform sweep across the representable range; every in-range
	// sample must survive a round trip within one quantization step.
	const eps = 1.0 / 32768.0

	for i := 0; i <= 65536; i++ {
		in := float32(-1.0 + eps + float64(i)*(2.0-2.0*eps)/65536.0)
		out := DecodePCM16(EncodePCM16([]float32{in}))[0]
		if diff := math.Abs(float64(out - in)); diff > eps {
			t.Fatalf("input %v: got %v, error %v exceeds one step (%v)", in, out, diff, eps)
		}
	}
}

func TestEncodeClamps(t *testing.T) {
	data := EncodePCM16([]float32{2.0, -2.0})
	out := DecodePCM16(data)

	if out[0] < 0.999 || out[0] > 1.0 {
		t.Errorf("positive overflow decoded to %v, want ~1.0", out[0])
	}
	if out[1] > -0.999 || out[1] < -1.0 {
		t.Errorf("negative overflow decoded to %v, want ~-1.0", out[1])
	}
}

func TestDecodeIgnoresTrailingByte(t *testing.T) {
	data := EncodePCM16([]float32{0.25})
	out := DecodePCM16(append(data, 0xFF))

	if len(out) != 1 {
		t.Fatalf("got %d samples, want 1", len(out))
	}
}

func TestFrameDuration(t *testing.T) {
	// 320 samples at 16kHz is a 20ms frame.
	f := NewFrame(make([]byte, 640), 16000)

	if f.Samples() != 320 {
		t.Fatalf("Samples() = %d, want 320", f.Samples())
	}
	if ms := f.Duration().Milliseconds(); ms != 20 {
		t.Fatalf("Duration() = %dms, want 20ms", ms)
	}
}
