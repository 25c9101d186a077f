// Package capture pulls microphone audio, resamples it to the upstream
// rate, and publishes encoded frames on a channel. The channel never
// blocks the audio callback; a slow consumer loses frames instead of
// stalling the device.
package capture

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"voicelink/audio"
	"voicelink/device"
)

var (
	// ErrPermissionDenied means the OS refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

const frameQueueSize = 64

// Engine owns the capture device for the life of a conversation.
type Engine struct {
	ctx    device.Context
	frames chan audio.Frame

	mu      sync.Mutex
	dev     device.Device
	started bool
	stopped bool
	dropped int64
}

// NewEngine wraps an audio context. The context is shared with the
// playback scheduler so both directions run on one backend.
func NewEngine(ctx device.Context) *Engine {
	return &Engine{
		ctx:    ctx,
		frames: make(chan audio.Frame, frameQueueSize),
	}
}

// Start opens the default microphone and begins publishing frames.
// Each device chunk is resampled to 16kHz independently and encoded as
// PCM16 before it is queued.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("capture already started")
	}
	if e.stopped {
		return errors.New("capture engine is stopped")
	}

	var nativeRate int
	dev, rate, err := e.ctx.OpenCapture(func(samples []float32) {
		resampled := audio.Resample(samples, nativeRate, audio.InputSampleRate)
		if len(resampled) == 0 {
			return
		}
		frame := audio.NewFrame(audio.EncodePCM16(resampled), audio.InputSampleRate)
		select {
		case e.frames <- frame:
		default:
			e.mu.Lock()
			e.dropped++
			n := e.dropped
			e.mu.Unlock()
			if n%100 == 1 {
				log.Printf("⚠️ Capture queue full, dropped %d frames", n)
			}
		}
	})
	if err != nil {
		return mapDeviceError(err)
	}
	nativeRate = rate

	if err := dev.Start(); err != nil {
		dev.Stop()
		return mapDeviceError(err)
	}

	e.dev = dev
	e.started = true
	log.Printf("🎤 Capture started (native %d Hz -> %d Hz)", rate, audio.InputSampleRate)
	return nil
}

// Frames returns the stream of encoded microphone frames. The channel
// is closed by Stop.
func (e *Engine) Frames() <-chan audio.Frame {
	return e.frames
}

// Stop halts the device and closes the frame channel. Safe to call
// more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	dev := e.dev
	e.dev = nil
	e.mu.Unlock()

	if dev != nil {
		if err := dev.Stop(); err != nil {
			log.Printf("⚠️ Error stopping capture device: %v", err)
		}
	}
	close(e.frames)
	log.Println("🎤 Capture stopped")
}

func mapDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no device") || strings.Contains(msg, "device not") || strings.Contains(msg, "no backend"):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	default:
		return err
	}
}
