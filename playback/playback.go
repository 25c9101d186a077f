// Package playback schedules inbound audio for gapless rendering. Time
// is measured in samples rendered by the output device, so chunk
// boundaries land exactly back to back regardless of wall-clock jitter.
package playback

import (
	"errors"
	"log"
	"sync"

	"voicelink/audio"
	"voicelink/device"
)

type item struct {
	start   int64
	samples []float32
}

// Scheduler queues decoded audio against a monotonically increasing
// sample clock. One Scheduler serves one conversation; Attach binds it
// to the output device for the connection's sample rate.
type Scheduler struct {
	mu        sync.Mutex
	dev       device.Device
	rate      int
	clock     int64
	nextStart int64
	queue     []item
	attached  bool
	closed    bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Attach opens the output device at the given rate and starts the
// render loop. Called once per conversation, after the first frame
// announces the upstream output rate.
func (s *Scheduler) Attach(ctx device.Context, sampleRate int) error {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return errors.New("playback already attached")
	}
	s.mu.Unlock()

	dev, err := ctx.OpenPlayback(sampleRate, s.render)
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		dev.Stop()
		return err
	}

	s.mu.Lock()
	s.dev = dev
	s.rate = sampleRate
	s.attached = true
	s.mu.Unlock()
	log.Printf("🔊 Playback attached at %d Hz", sampleRate)
	return nil
}

// Play schedules a PCM16 frame. Audio received before Attach has no
// clock to schedule against and is dropped.
func (s *Scheduler) Play(frame audio.Frame) {
	samples := audio.DecodePCM16(frame.Data)
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached || s.closed {
		return
	}
	if frame.SampleRate != s.rate {
		samples = audio.Resample(samples, frame.SampleRate, s.rate)
	}

	start := s.clock
	if s.nextStart > start {
		start = s.nextStart
	}
	s.nextStart = start + int64(len(samples))
	s.queue = append(s.queue, item{start: start, samples: samples})
}

// StopAll discards everything queued and not yet rendered. The next
// Play schedules at the current clock, so fresh audio starts
// immediately after an interruption.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		log.Printf("🔇 Flushed %d queued playback chunks", len(s.queue))
	}
	s.queue = nil
	s.nextStart = s.clock
}

// Pending reports how many samples are queued ahead of the clock.
func (s *Scheduler) Pending() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextStart <= s.clock {
		return 0
	}
	return s.nextStart - s.clock
}

// Close stops the output device. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dev := s.dev
	s.dev = nil
	s.queue = nil
	s.mu.Unlock()

	if dev != nil {
		if err := dev.Stop(); err != nil {
			log.Printf("⚠️ Error stopping playback device: %v", err)
		}
	}
}

// render runs on the audio goroutine. It fills out with silence, then
// copies the slice of each queued item that overlaps this window.
func (s *Scheduler) render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	windowStart := s.clock
	windowEnd := windowStart + int64(len(out))

	live := s.queue[:0]
	for _, it := range s.queue {
		itemEnd := it.start + int64(len(it.samples))
		if itemEnd <= windowStart {
			continue
		}
		if it.start < windowEnd {
			from := int64(0)
			to := int64(0)
			if it.start > windowStart {
				to = it.start - windowStart
			} else {
				from = windowStart - it.start
			}
			copy(out[to:], it.samples[from:])
		}
		live = append(live, it)
	}
	s.queue = live
	s.clock = windowEnd
}
