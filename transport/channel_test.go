package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicelink/audio"
	"voicelink/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoServer upgrades, checks the handshake frame, replies with
// session_started, then echoes binary frames and forwards one control
// message per text turn.
func echoServer(t *testing.T, gotConfig chan<- wire.SessionConfig) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
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
		gotConfig <- cfg

		started, _ := wire.Marshal(wire.NewSessionStarted(24000))
		conn.WriteMessage(websocket.TextMessage, started)

		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(messageType, message)
		}
	}))
}

func waitEvent(t *testing.T, ch *Channel, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				t.Fatalf("events closed while waiting for kind %d", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestOpenSendsSessionConfigFirst(t *testing.T) {
	gotConfig := make(chan wire.SessionConfig, 1)
	srv := echoServer(t, gotConfig)
	defer srv.Close()

	ch := NewChannel()
	cfg := wire.SessionConfig{Provider: "gemini", Voice: "Puck", Language: "en-US"}
	if err := ch.Open(srv.URL, cfg); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	waitEvent(t, ch, EventOpened)

	select {
	case got := <-gotConfig:
		if got.Voice != "Puck" || got.Provider != "gemini" {
			t.Errorf("server saw config %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received session config")
	}

	ev := waitEvent(t, ch, EventControl)
	if ev.Control.Type != wire.TypeSessionStarted {
		t.Errorf("control type = %q, want session_started", ev.Control.Type)
	}
	if ev.Control.OutputSampleRate != 24000 {
		t.Errorf("outputSampleRate = %d, want 24000", ev.Control.OutputSampleRate)
	}
}

func TestAudioRoundTrip(t *testing.T) {
	gotConfig := make(chan wire.SessionConfig, 1)
	srv := echoServer(t, gotConfig)
	defer srv.Close()

	ch := NewChannel()
	if err := ch.Open(srv.URL, wire.SessionConfig{Provider: "gemini"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	frame := audio.NewFrame([]byte{1, 2, 3, 4}, audio.InputSampleRate)
	if err := ch.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	ev := waitEvent(t, ch, EventBinary)
	if string(ev.Audio) != string(frame.Data) {
		t.Errorf("echoed audio = %v, want %v", ev.Audio, frame.Data)
	}
}

func TestControlRoundTrip(t *testing.T) {
	gotConfig := make(chan wire.SessionConfig, 1)
	srv := echoServer(t, gotConfig)
	defer srv.Close()

	ch := NewChannel()
	if err := ch.Open(srv.URL, wire.SessionConfig{Provider: "gemini"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()
	waitEvent(t, ch, EventControl) // session_started

	if err := ch.SendControl(wire.NewText("hello there")); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	ev := waitEvent(t, ch, EventControl)
	if ev.Control.Type != wire.TypeText || ev.Control.Text != "hello there" {
		t.Errorf("echoed control = %+v", ev.Control)
	}
}

func TestSendBeforeOpen(t *testing.T) {
	ch := NewChannel()
	err := ch.SendAudio(audio.NewFrame([]byte{0, 0}, audio.InputSampleRate))
	if !errors.Is(err, ErrNotOpen) {
		t.Errorf("SendAudio error = %v, want ErrNotOpen", err)
	}
}

func TestServerCloseEmitsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage() // session config
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}))
	defer srv.Close()

	ch := NewChannel()
	if err := ch.Open(srv.URL, wire.SessionConfig{Provider: "gemini"}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ev := waitEvent(t, ch, EventClosed)
	if ev.Err != nil {
		t.Errorf("clean close reported error: %v", ev.Err)
	}

	if err := ch.SendAudio(audio.NewFrame([]byte{0, 0}, audio.InputSampleRate)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("send after close = %v, want ErrNotOpen", err)
	}
}

func TestAbruptCloseEmitsClosedWhenBufferFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage() // session config

		// EventOpened already occupies one slot, so this fills the
		// event buffer exactly without blocking the read pump.
		for i := 0; i < eventBufferSize-1; i++ {
			conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0})
		}
		time.Sleep(200 * time.Millisecond)
		conn.Close() // no close handshake: abnormal closure
	}))
	defer srv.Close()

	ch := NewChannel()
	if err := ch.Open(srv.URL, wire.SessionConfig{Provider: "gemini"}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var last Event
	deadline := time.After(5 * time.Second)
drain:
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				break drain
			}
			last = ev
		case <-deadline:
			t.Fatal("events stream never closed")
		}
	}

	if last.Kind != EventClosed {
		t.Fatalf("last event kind = %d, want EventClosed", last.Kind)
	}
	if last.Err == nil {
		t.Error("abnormal closure reported no error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	gotConfig := make(chan wire.SessionConfig, 1)
	srv := echoServer(t, gotConfig)
	defer srv.Close()

	ch := NewChannel()
	if err := ch.Open(srv.URL, wire.SessionConfig{Provider: "gemini"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
