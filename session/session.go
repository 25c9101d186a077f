package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"voicelink/audio"
	"voicelink/functions"
	"voicelink/gemini"
	"voicelink/transcript"
	"voicelink/wire"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	handshakeWait   = 30 * time.Second
)

type outbound struct {
	binary []byte
	json   any
}

// ClientSession bridges one client socket to one Gemini Live session.
// The first client frame must be the JSON session config; after the
// session_started reply, binary frames are 16kHz PCM16 microphone audio
// and text frames are control messages.
type ClientSession struct {
	ID           string
	Config       wire.SessionConfig
	ClientConn   *websocket.Conn
	GeminiProxy  *gemini.Proxy
	CreatedAt    time.Time
	LastActivity time.Time

	rec *transcript.Reconciler

	// Use channels for non-blocking writes
	writeChan chan outbound

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClientSession performs the handshake: it reads the config frame,
// connects to Gemini, and answers with session_started. The connection
// is closed with an error message if any step fails.
func NewClientSession(ctx context.Context, id string, clientConn *websocket.Conn, geminiKey, systemPrompt string, store transcript.Store, tools []*genai.Tool) (*ClientSession, error) {
	clientConn.SetReadLimit(512 * 1024)
	clientConn.SetReadDeadline(time.Now().Add(handshakeWait))

	messageType, first, err := clientConn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read session config: %w", err)
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("first frame must be a JSON session config")
	}
	var cfg wire.SessionConfig
	if err := wire.Unmarshal(first, &cfg); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	clientConn.SetReadDeadline(time.Time{})

	proxy, err := gemini.NewProxy(ctx, geminiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini proxy: %w", err)
	}

	if cfg.SystemPrompt != "" {
		systemPrompt = cfg.SystemPrompt
	}
	if err := proxy.Setup(ctx, cfg, systemPrompt, tools); err != nil {
		proxy.Close()
		return nil, fmt.Errorf("failed to setup Gemini session: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	session := &ClientSession{
		ID:           id,
		Config:       cfg,
		ClientConn:   clientConn,
		GeminiProxy:  proxy,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		rec:          transcript.NewReconciler(id, store),
		writeChan:    make(chan outbound, writeBufferSize),
		CloseChan:    make(chan struct{}),
		ctx:          sessionCtx,
		cancel:       cancel,
	}

	return session, nil
}

// Start begins the bidirectional message handling.
func (cs *ClientSession) Start() {
	go cs.writePump()
	cs.setupGeminiCallbacks()
	cs.GeminiProxy.StartReceiving(cs.ctx)
	cs.queueControl(wire.NewSessionStarted(audio.DefaultOutputSampleRate))
	go cs.handleClientMessages()
}

func (cs *ClientSession) setupGeminiCallbacks() {
	cs.GeminiProxy.OnAudio = func(data []byte) {
		cs.queueBinary(data)
	}

	cs.GeminiProxy.OnInputTranscript = func(text string) {
		cs.rec.ApplyDelta(transcript.RoleCaller, text)
		cs.queueControl(wire.NewTranscriptDelta(wire.TypeUser, text))
	}

	cs.GeminiProxy.OnOutputTranscript = func(text string) {
		cs.rec.ApplyDelta(transcript.RoleModel, text)
		cs.queueControl(wire.NewTranscriptDelta(wire.TypeGemini, text))
	}

	cs.GeminiProxy.OnComplete = func() {
		cs.rec.FinalizeAll(cs.ctx)
		cs.queueControl(wire.NewTurnComplete())
	}

	cs.GeminiProxy.OnInterrupted = func() {
		cs.rec.FinalizeAll(cs.ctx)
		cs.queueControl(wire.NewInterrupted())
	}

	cs.GeminiProxy.OnError = func(err error) {
		log.Printf("❌ [%s] Gemini error: %v", cs.ID[:8], err)
		cs.queueControl(wire.NewError(err.Error()))
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) ||
			websocket.IsUnexpectedCloseError(err) {
			log.Printf("🔌 [%s] Closing session due to Gemini connection error", cs.ID[:8])
			cs.Close()
		}
	}

	cs.GeminiProxy.OnToolCall = func(functionCalls []*genai.FunctionCall) {
		cs.handleToolCalls(functionCalls)
	}
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	defer func() {
		cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		cs.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-cs.CloseChan:
			return
		case msg := <-cs.writeChan:
			if err := cs.writeOne(msg); err != nil {
				return
			}

			n := len(cs.writeChan)
			for i := 0; i < n; i++ {
				select {
				case msg := <-cs.writeChan:
					if err := cs.writeOne(msg); err != nil {
						return
					}
				default:
				}
			}
		}
	}
}

func (cs *ClientSession) writeOne(msg outbound) error {
	cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if msg.binary != nil {
		return cs.ClientConn.WriteMessage(websocket.BinaryMessage, msg.binary)
	}
	payload, err := wire.Marshal(msg.json)
	if err != nil {
		log.Printf("⚠️ [%s] Failed to encode outbound message: %v", cs.ID[:8], err)
		return nil
	}
	return cs.ClientConn.WriteMessage(websocket.TextMessage, payload)
}

func (cs *ClientSession) queueControl(msg wire.ControlMessage) {
	cs.queue(outbound{json: msg})
}

func (cs *ClientSession) queueBinary(data []byte) {
	cs.queue(outbound{binary: data})
}

// queue adds a message to the write queue (non-blocking)
func (cs *ClientSession) queue(msg outbound) {
	cs.mu.RLock()
	closed := cs.closed
	cs.mu.RUnlock()
	if closed {
		return
	}
	select {
	case cs.writeChan <- msg:
		cs.mu.Lock()
		cs.LastActivity = time.Now()
		cs.mu.Unlock()
	default:
		// Queue full, drop message (shouldn't happen with proper sizing)
	}
}

// Close terminates the session and cleans up resources
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.mu.Unlock()

	cs.cancel()

	// Whatever transcript is still pending survives the disconnect.
	cs.rec.FinalizeAll(context.Background())

	// writeChan is never closed: concurrent Gemini callbacks may still
	// be queueing. writePump exits via CloseChan and stragglers are
	// simply never written.
	close(cs.CloseChan)

	if cs.GeminiProxy != nil {
		cs.GeminiProxy.Close()
	}

	// Close client connection - don't write close message as writePump is stopped
	if cs.ClientConn != nil {
		cs.ClientConn.Close()
	}

	return nil
}

// handleClientMessages streams client traffic to Gemini. Binary frames
// are microphone audio and go straight through (Gemini handles VAD);
// text frames are control messages.
func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	for {
		select {
		case <-cs.CloseChan:
			return
		default:
			messageType, message, err := cs.ClientConn.ReadMessage()
			if err != nil {
				return
			}

			cs.mu.Lock()
			cs.LastActivity = time.Now()
			cs.mu.Unlock()

			if messageType == websocket.BinaryMessage {
				if err := cs.GeminiProxy.SendAudio(message); err != nil {
					log.Printf("❌ [%s] Failed to send audio to Gemini: %v", cs.ID[:8], err)
				}
				continue
			}

			ctrl, err := wire.ParseControl(message)
			if err != nil {
				log.Printf("⚠️ [%s] Dropping invalid control message: %v", cs.ID[:8], err)
				continue
			}
			cs.processControl(ctrl)
		}
	}
}

func (cs *ClientSession) processControl(msg wire.ControlMessage) {
	switch msg.Type {
	case wire.TypeText:
		if err := cs.GeminiProxy.SendText(msg.Text); err != nil {
			log.Printf("❌ [%s] Failed to send text to Gemini: %v", cs.ID[:8], err)
			cs.queueControl(wire.NewError(err.Error()))
		}
	default:
		log.Printf("⚠️ [%s] Ignoring client control message type %q", cs.ID[:8], msg.Type)
	}
}

// IsClosed returns whether the session is closed
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

// handleToolCalls executes function calls from Gemini, reports each
// invocation to the client, and sends the responses back to the model.
func (cs *ClientSession) handleToolCalls(functionCalls []*genai.FunctionCall) {
	var responses []*genai.FunctionResponse

	for _, fc := range functionCalls {
		log.Printf("🔧 [%s] Function call: %s (id: %s)", cs.ID[:8], fc.Name, fc.ID)

		result, err := functions.Execute(fc.Name, fc.Args)
		response := map[string]any{"output": result}
		if err != nil {
			result = err.Error()
			response = map[string]any{"error": result}
			log.Printf("⚠️ [%s] Function %s failed: %v", cs.ID[:8], fc.Name, err)
		}

		cs.rec.AddToolEntry(cs.ctx, fc.Name, fc.Args, result)
		cs.queueControl(wire.NewToolCall(fc.Name, fc.Args, result))

		responses = append(responses, &genai.FunctionResponse{
			ID:       fc.ID,
			Name:     fc.Name,
			Response: response,
		})
	}

	if err := cs.GeminiProxy.SendToolResponse(responses); err != nil {
		log.Printf("❌ [%s] Failed to send tool response: %v", cs.ID[:8], err)
		cs.queueControl(wire.NewError(err.Error()))
	}
}
