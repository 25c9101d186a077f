// Package device abstracts the platform audio layer. One Context owns
// both the capture and playback devices so the two directions share a
// single timing domain; switching output devices mid-conversation would
// otherwise glitch the clock.
package device

// Context is a handle to the platform audio backend. The capture engine
// creates it on start and hands it to the playback scheduler, which
// opens its output device against the same backend instance.
type Context interface {
	// OpenCapture opens the default microphone at its native rate.
	// onData receives float samples in [-1, 1] on the audio goroutine.
	// The returned rate is the device's actual capture rate.
	OpenCapture(onData func(samples []float32)) (dev Device, sampleRate int, err error)

	// OpenPlayback opens the default output device at the given rate.
	// render is invoked on the audio goroutine to fill each output
	// buffer; it must always fill the full slice (silence included).
	OpenPlayback(sampleRate int, render func(out []float32)) (Device, error)

	// Close releases the backend. All devices opened from this context
	// must be stopped first.
	Close() error
}

// Device is a started or stopped audio endpoint.
type Device interface {
	Start() error
	Stop() error
}
