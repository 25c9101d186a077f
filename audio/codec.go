package audio

import (
	"encoding/binary"
	"math"
)

// EncodePCM16 converts float samples in [-1.0, 1.0] to 16-bit signed
// little-endian PCM. Out-of-range samples are clamped before scaling.
// The scale is symmetric with the decoder's (32768, rounded to
// nearest), so a round trip stays within half a quantization step for
// every sample the int16 range can represent.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(math.Round(float64(s) * 32768))
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 converts 16-bit signed little-endian PCM back to float
// samples in [-1.0, ~1.0). A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}
