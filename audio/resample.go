package audio

import "math"

// Resample converts samples from one rate to another by box-filter
// decimation: output sample i is the mean of the input window
// [round(i·from/to), round((i+1)·from/to)). The trade-off is deliberate
// for speech-bandwidth voice: no anti-alias filter, minimal latency.
//
// When from == to the input slice is returned as-is. The last output
// sample may average a short window; the input is never read past its
// bounds.
func Resample(samples []float32, from, to int) []float32 {
	if from == to {
		return samples
	}
	if len(samples) == 0 || from <= 0 || to <= 0 {
		return nil
	}

	ratio := float64(from) / float64(to)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, outLen)

	for i := 0; i < outLen; i++ {
		start := int(math.Round(float64(i) * ratio))
		end := int(math.Round(float64(i+1) * ratio))
		if start >= len(samples) {
			start = len(samples) - 1
		}
		if end > len(samples) {
			end = len(samples)
		}
		if end <= start {
			end = start + 1
		}
		var sum float32
		for j := start; j < end; j++ {
			sum += samples[j]
		}
		out[i] = sum / float32(end-start)
	}
	return out
}
