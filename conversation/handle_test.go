package conversation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicelink/device"
	"voicelink/transcript"
	"voicelink/wire"
)

type fakeContext struct {
	mu     sync.Mutex
	onData func([]float32)
	render func([]float32)
}

func (f *fakeContext) OpenCapture(onData func([]float32)) (device.Device, int, error) {
	f.mu.Lock()
	f.onData = onData
	f.mu.Unlock()
	return &fakeDevice{}, 16000, nil
}

func (f *fakeContext) OpenPlayback(_ int, render func([]float32)) (device.Device, error) {
	f.mu.Lock()
	f.render = render
	f.mu.Unlock()
	return &fakeDevice{}, nil
}

func (f *fakeContext) Close() error { return nil }

func (f *fakeContext) captureStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onData != nil
}

type fakeDevice struct{}

func (d *fakeDevice) Start() error { return nil }
func (d *fakeDevice) Stop() error  { return nil }

type memStore struct {
	mu      sync.Mutex
	entries []transcript.Entry
}

func (m *memStore) SaveEntry(_ context.Context, _ string, entry transcript.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memStore) saved() []transcript.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transcript.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// scriptServer is a conversation backend driven by the test: it
// acknowledges the handshake and then writes whatever the test pushes.
type scriptServer struct {
	srv       *httptest.Server
	outbound  chan any
	gotConfig chan wire.SessionConfig
}

func newScriptServer(t *testing.T) *scriptServer {
	t.Helper()
	s := &scriptServer{
		outbound:  make(chan any, 32),
		gotConfig: make(chan wire.SessionConfig, 1),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, first, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cfg wire.SessionConfig
		if err := sonic.Unmarshal(first, &cfg); err != nil {
			t.Errorf("first frame not a session config: %v", err)
			return
		}
		s.gotConfig <- cfg

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg := <-s.outbound:
				if data, ok := msg.([]byte); ok {
					if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
						return
					}
					continue
				}
				payload, _ := wire.Marshal(msg)
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *scriptServer) push(msg any) { s.outbound <- msg }

func waitUpdate(t *testing.T, h *Handle, match func(Update) bool) Update {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case u := <-h.Updates():
			if match(u) {
				return u
			}
		case <-deadline:
			t.Fatal("timed out waiting for update")
		}
	}
}

func waitState(t *testing.T, h *Handle, want State) {
	t.Helper()
	waitUpdate(t, h, func(u Update) bool {
		return u.Kind == UpdateState && u.State == want
	})
}

func startListening(t *testing.T, store transcript.Store) (*Handle, *scriptServer, *fakeContext) {
	t.Helper()
	srv := newScriptServer(t)
	ctx := &fakeContext{}
	h := NewHandle(ctx, store)

	cfg := wire.SessionConfig{Provider: "gemini", Voice: "Puck", Language: "en-US"}
	if err := h.Start(srv.srv.URL, cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.Stop)

	srv.push(wire.NewSessionStarted(24000))
	waitState(t, h, StateListening)
	return h, srv, ctx
}

func TestConversationEndToEnd(t *testing.T) {
	store := &memStore{}
	h, srv, ctx := startListening(t, store)

	select {
	case got := <-srv.gotConfig:
		if got.Voice != "Puck" {
			t.Errorf("server saw voice %q, want Puck", got.Voice)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received session config")
	}

	if !ctx.captureStarted() {
		t.Error("capture did not start on session_started")
	}

	srv.push(wire.NewTranscriptDelta(wire.TypeUser, "Hel"))
	created := waitUpdate(t, h, func(u Update) bool { return u.Kind == UpdateEntryCreated })
	if created.Entry.Role != transcript.RoleCaller || created.Entry.Text != "Hel" {
		t.Errorf("created entry = %+v", created.Entry)
	}

	srv.push(wire.NewTranscriptDelta(wire.TypeUser, "lo"))
	changed := waitUpdate(t, h, func(u Update) bool { return u.Kind == UpdateEntryChanged })
	if changed.Entry.ID != created.Entry.ID {
		t.Error("second delta opened a new entry")
	}
	if changed.Entry.Text != "Hello" {
		t.Errorf("accumulated text = %q, want Hello", changed.Entry.Text)
	}

	srv.push(wire.NewTurnComplete())
	final := waitUpdate(t, h, func(u Update) bool { return u.Kind == UpdateEntryFinalized })
	if final.Entry.Text != "Hello" || final.Entry.Pending {
		t.Errorf("finalized entry = %+v", final.Entry)
	}

	saved := store.saved()
	if len(saved) != 1 || saved[0].Role != transcript.RoleCaller || saved[0].Text != "Hello" {
		t.Errorf("persisted entries = %+v", saved)
	}
}

func TestInterruptionFlushesBothRoles(t *testing.T) {
	store := &memStore{}
	h, srv, _ := startListening(t, store)

	srv.push(wire.NewTranscriptDelta(wire.TypeUser, "hel"))
	srv.push(wire.NewTranscriptDelta(wire.TypeGemini, "hi"))
	waitUpdate(t, h, func(u Update) bool {
		return u.Kind == UpdateEntryCreated && u.Entry.Role == transcript.RoleModel
	})

	srv.push(wire.NewInterrupted())
	first := waitUpdate(t, h, func(u Update) bool { return u.Kind == UpdateEntryFinalized })
	second := waitUpdate(t, h, func(u Update) bool { return u.Kind == UpdateEntryFinalized })
	if first.Entry.Text != "hel" || second.Entry.Text != "hi" {
		t.Errorf("flushed entries = %q, %q", first.Entry.Text, second.Entry.Text)
	}

	// Fresh deltas open entries with new identities.
	srv.push(wire.NewTranscriptDelta(wire.TypeUser, "again"))
	reborn := waitUpdate(t, h, func(u Update) bool { return u.Kind == UpdateEntryCreated })
	if reborn.Entry.ID == first.Entry.ID || reborn.Entry.ID == second.Entry.ID {
		t.Error("post-interruption delta reused a finalized identity")
	}
}

func TestTurnCompleteWithNothingPending(t *testing.T) {
	store := &memStore{}
	h, srv, _ := startListening(t, store)

	srv.push(wire.NewTurnComplete())
	srv.push(wire.NewTranscriptDelta(wire.TypeGemini, "still fine"))
	waitUpdate(t, h, func(u Update) bool { return u.Kind == UpdateEntryCreated })

	if len(store.saved()) != 0 {
		t.Errorf("idle turn_complete persisted %d entries", len(store.saved()))
	}
	if h.State() != StateListening {
		t.Errorf("state = %v, want listening", h.State())
	}
}

func TestToolCallFinalizesImmediately(t *testing.T) {
	store := &memStore{}
	h, srv, _ := startListening(t, store)

	srv.push(wire.NewToolCall("get_weather", map[string]any{"city": "Paris"}, "sunny"))
	u := waitUpdate(t, h, func(u Update) bool { return u.Kind == UpdateEntryFinalized })
	if u.Entry.Role != transcript.RoleTool || u.Entry.Pending {
		t.Errorf("tool entry = %+v", u.Entry)
	}
	if len(store.saved()) != 1 {
		t.Errorf("persisted %d entries, want 1", len(store.saved()))
	}
}

func TestDuplicateSessionStartedIgnored(t *testing.T) {
	h, srv, _ := startListening(t, &memStore{})

	// A repeated handshake reply must not disturb the conversation or
	// re-run device setup.
	srv.push(wire.NewSessionStarted(48000))
	srv.push(wire.NewTranscriptDelta(wire.TypeUser, "still here"))

	u := waitUpdate(t, h, func(u Update) bool { return u.Kind == UpdateEntryCreated })
	if u.Entry.Text != "still here" {
		t.Errorf("delta after duplicate handshake = %+v", u.Entry)
	}
	if h.State() != StateListening {
		t.Errorf("state = %v, want listening", h.State())
	}
}

func TestModelErrorTearsDown(t *testing.T) {
	h, srv, _ := startListening(t, &memStore{})

	srv.push(wire.NewError("quota exceeded"))
	waitState(t, h, StateError)
	if h.LastError() == "" {
		t.Error("error state carries no message")
	}
}

func TestStopMidConnecting(t *testing.T) {
	// A backend that never answers the handshake leaves the handle in
	// Connecting until the caller cancels.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := NewHandle(&fakeContext{}, nil)
	if err := h.Start(srv.URL, wire.SessionConfig{Provider: "gemini"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.State() != StateConnecting {
		t.Fatalf("state = %v, want connecting", h.State())
	}

	h.Stop()
	if h.State() != StateIdle {
		t.Errorf("state after Stop = %v, want idle", h.State())
	}
}

func TestSendTextOnlyWhileListening(t *testing.T) {
	h := NewHandle(&fakeContext{}, nil)
	if err := h.SendText("hello"); err == nil {
		t.Error("SendText succeeded while idle")
	}
}

func TestServerDisconnectReturnsToError(t *testing.T) {
	srv := newScriptServer(t)
	h := NewHandle(&fakeContext{}, nil)
	if err := h.Start(srv.srv.URL, wire.SessionConfig{Provider: "gemini"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	srv.push(wire.NewSessionStarted(24000))
	waitState(t, h, StateListening)

	srv.srv.CloseClientConnections()
	waitUpdate(t, h, func(u Update) bool {
		return u.Kind == UpdateState && (u.State == StateError || u.State == StateIdle)
	})
}
