// Package audio provides the PCM building blocks shared by capture and
// playback: the wire frame type, the float/int16 codec, and the
// box-filter resampler.
package audio

import "time"

// Wire rates used across the conversation engine. The model backend
// consumes 16kHz mono and produces audio at the rate it announces in
// session_started (24kHz unless overridden).
const (
	InputSampleRate         = 16000
	DefaultOutputSampleRate = 24000
)

// Frame is a single unit of encoded audio: 16-bit signed little-endian
// PCM, mono. A frame is immutable once produced; the producer hands
// ownership to the consumer on send and never touches Data again.
type Frame struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// NewFrame wraps encoded PCM bytes in a mono frame.
func NewFrame(data []byte, sampleRate int) Frame {
	return Frame{Data: data, SampleRate: sampleRate, Channels: 1}
}

// Samples returns the number of PCM samples in the frame.
func (f Frame) Samples() int {
	return len(f.Data) / 2
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
