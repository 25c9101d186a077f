// Package conversation runs the turn state machine. One Handle owns
// every piece of per-conversation mutable state, and one event loop
// goroutine is the only thing that mutates it. Capture frames and
// transport events funnel into that loop and are processed strictly in
// arrival order.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"voicelink/audio"
	"voicelink/capture"
	"voicelink/device"
	"voicelink/playback"
	"voicelink/transcript"
	"voicelink/transport"
	"voicelink/wire"
)

// State is the conversation's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// UpdateKind discriminates Handle updates delivered to the UI layer.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateEntryCreated
	UpdateEntryChanged
	UpdateEntryFinalized
)

// Update is one UI-visible change. State updates carry the new state
// and, in StateError, a human-readable message. Entry updates carry the
// entry's current snapshot.
type Update struct {
	Kind    UpdateKind
	State   State
	Message string
	Entry   transcript.Entry
}

type command struct {
	text string
	stop bool
}

const updateBufferSize = 128

// Handle is a restartable single-conversation controller. Start opens a
// connection; Stop tears everything down. The zero conversation is
// idle.
type Handle struct {
	deviceCtx device.Context
	store     transcript.Store

	updates  chan Update
	commands chan command

	mu         sync.RWMutex
	state      State
	lastError  string
	outputRate int

	// Owned by the event loop between Start and teardown.
	channel  *transport.Channel
	capt     *capture.Engine
	sched    *playback.Scheduler
	rec      *transcript.Reconciler
	loopDone chan struct{}
}

// NewHandle wires a handle to the shared audio context. store may be
// nil when transcripts are not persisted.
func NewHandle(deviceCtx device.Context, store transcript.Store) *Handle {
	return &Handle{
		deviceCtx:  deviceCtx,
		store:      store,
		updates:    make(chan Update, updateBufferSize),
		commands:   make(chan command, 16),
		state:      StateIdle,
		outputRate: audio.DefaultOutputSampleRate,
	}
}

// Start opens the transport and begins the conversation. Valid only
// from Idle or Error; the connection handshake completes asynchronously
// and the handle reaches Listening once the server answers and the
// microphone starts.
func (h *Handle) Start(origin string, cfg wire.SessionConfig) error {
	h.mu.Lock()
	if h.state == StateConnecting || h.state == StateListening {
		h.mu.Unlock()
		return errors.New("conversation already active")
	}
	h.mu.Unlock()

	channel := transport.NewChannel()
	if err := channel.Open(origin, cfg); err != nil {
		h.setState(StateError, err.Error())
		return err
	}

	h.mu.Lock()
	h.channel = channel
	h.capt = capture.NewEngine(h.deviceCtx)
	h.sched = playback.NewScheduler()
	h.rec = transcript.NewReconciler(uuid.NewString(), h.store)
	h.outputRate = audio.DefaultOutputSampleRate
	h.loopDone = make(chan struct{})
	h.mu.Unlock()

	h.setState(StateConnecting, "")
	go h.run()
	return nil
}

// Stop tears the conversation down from any state, including
// mid-connect. It returns after the event loop has exited.
func (h *Handle) Stop() {
	h.mu.RLock()
	done := h.loopDone
	h.mu.RUnlock()
	if done == nil {
		return
	}

	select {
	case h.commands <- command{stop: true}:
	case <-done:
	}
	<-done
}

// SendText submits a typed turn. Only valid while Listening.
func (h *Handle) SendText(text string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state != StateListening {
		return fmt.Errorf("cannot send text in state %s", h.state)
	}
	select {
	case h.commands <- command{text: text}:
		return nil
	default:
		return errors.New("command queue full")
	}
}

// Updates returns the UI event stream. Slow consumers lose updates
// rather than stalling the conversation.
func (h *Handle) Updates() <-chan Update {
	return h.updates
}

// State returns the current lifecycle phase.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// LastError returns the message that accompanied the most recent
// transition to StateError.
func (h *Handle) LastError() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastError
}

// Transcript returns the finalized conversation record so far.
func (h *Handle) Transcript() []transcript.Entry {
	h.mu.RLock()
	rec := h.rec
	h.mu.RUnlock()
	if rec == nil {
		return nil
	}
	return rec.History()
}

// run is the event loop. All state transitions happen here.
func (h *Handle) run() {
	defer close(h.loopDone)

	var frames <-chan audio.Frame

	for {
		select {
		case cmd := <-h.commands:
			if cmd.stop {
				h.teardown(StateIdle, "")
				return
			}
			if err := h.channel.SendControl(wire.NewText(cmd.text)); err != nil {
				log.Printf("⚠️ Dropping text turn: %v", err)
			}

		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			h.channel.SendAudio(frame)

		case ev, ok := <-h.channel.Events():
			if !ok {
				h.teardown(StateIdle, "")
				return
			}
			switch ev.Kind {
			case transport.EventOpened:
				// Session config already on the wire; nothing to do.

			case transport.EventBinary:
				h.mu.RLock()
				rate := h.outputRate
				h.mu.RUnlock()
				h.sched.Play(audio.NewFrame(ev.Audio, rate))

			case transport.EventControl:
				started, err := h.handleControl(ev.Control)
				if err != nil {
					h.teardown(StateError, err.Error())
					return
				}
				if started {
					frames = h.capt.Frames()
				}

			case transport.EventClosed:
				if ev.Err != nil {
					h.teardown(StateError, ev.Err.Error())
				} else {
					h.teardown(StateIdle, "")
				}
				return
			}
		}
	}
}

// handleControl applies one inbound control message. It reports whether
// this message started the capture engine, and returns an error only
// for conditions that end the conversation.
func (h *Handle) handleControl(msg wire.ControlMessage) (started bool, err error) {
	switch msg.Type {
	case wire.TypeSessionStarted:
		// The output rate is set exactly once per connection, by the
		// first session_started. Repeats are protocol noise.
		if h.State() != StateConnecting {
			log.Printf("⚠️ Ignoring duplicate session_started")
			return false, nil
		}
		rate := msg.OutputSampleRate
		if rate == 0 {
			rate = audio.DefaultOutputSampleRate
		}
		h.mu.Lock()
		h.outputRate = rate
		h.mu.Unlock()

		if err := h.sched.Attach(h.deviceCtx, rate); err != nil {
			return false, fmt.Errorf("playback unavailable: %w", err)
		}
		if err := h.capt.Start(); err != nil {
			return false, fmt.Errorf("microphone unavailable: %w", err)
		}
		h.setState(StateListening, "")
		return true, nil

	case wire.TypeUser:
		h.applyDelta(transcript.RoleCaller, msg.Text)
	case wire.TypeGemini:
		h.applyDelta(transcript.RoleModel, msg.Text)

	case wire.TypeTurnComplete:
		h.flushPending()

	case wire.TypeInterrupted:
		h.sched.StopAll()
		h.flushPending()

	case wire.TypeToolCall:
		entry := h.rec.AddToolEntry(context.Background(), msg.Name, msg.Args, msg.Result)
		h.emit(Update{Kind: UpdateEntryFinalized, Entry: entry})

	case wire.TypeError:
		return false, fmt.Errorf("model error: %s", msg.Message)

	default:
		// Parse already validated the discriminator; an outbound-only
		// type arriving inbound is dropped like any protocol error.
		log.Printf("⚠️ Ignoring unexpected inbound message type %q", msg.Type)
	}
	return false, nil
}

func (h *Handle) applyDelta(role transcript.Role, text string) {
	entry, created := h.rec.ApplyDelta(role, text)
	kind := UpdateEntryChanged
	if created {
		kind = UpdateEntryCreated
	}
	h.emit(Update{Kind: kind, Entry: entry})
}

func (h *Handle) flushPending() {
	for _, entry := range h.rec.FinalizeAll(context.Background()) {
		h.emit(Update{Kind: UpdateEntryFinalized, Entry: entry})
	}
}

// teardown stops everything in dependency order: no frames after
// capture stops, no scheduled audio after the scheduler stops, then the
// transcript flush and finally the socket.
func (h *Handle) teardown(next State, message string) {
	h.capt.Stop()
	h.sched.StopAll()
	h.sched.Close()
	h.flushPending()
	h.channel.Close()

	h.mu.Lock()
	h.outputRate = audio.DefaultOutputSampleRate
	h.mu.Unlock()
	h.setState(next, message)
}

func (h *Handle) setState(next State, message string) {
	h.mu.Lock()
	h.state = next
	if next == StateError {
		h.lastError = message
	}
	h.mu.Unlock()
	if next == StateError {
		log.Printf("❌ Conversation failed: %s", message)
	}
	h.emit(Update{Kind: UpdateState, State: next, Message: message})
}

func (h *Handle) emit(u Update) {
	select {
	case h.updates <- u:
	default:
	}
}
