// Package gemini bridges conversation sessions to the Gemini Live API
// using the official SDK.
package gemini

import (
	"context"
	"fmt"
	"log"
	"sync"

	"google.golang.org/genai"

	"voicelink/wire"
)

const modelName = "models/gemini-2.5-flash-native-audio-preview-12-2025"

const defaultVoice = "Zephyr" // Available voices: Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr

// Proxy manages one Live API connection per client session.
type Proxy struct {
	client  *genai.Client
	session *genai.Session

	// Callbacks for handling responses
	OnAudio            func(data []byte) // Raw PCM at the model's output rate
	OnInputTranscript  func(text string) // What the caller said, as heard by the model
	OnOutputTranscript func(text string) // What the model is saying
	OnComplete         func()
	OnInterrupted      func()
	OnToolCall         func(functionCalls []*genai.FunctionCall)
	OnError            func(err error)

	mu     sync.RWMutex
	closed bool
}

// NewProxy creates the Gemini client. No connection is made until Setup.
func NewProxy(ctx context.Context, apiKey string) (*Proxy, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Proxy{client: client}, nil
}

// Setup establishes the Live session from the client's session config.
// Voice, language, and the behavior flags all come from the handshake
// frame; transcription is enabled in both directions so the bridge can
// stream deltas back.
func (gp *Proxy) Setup(ctx context.Context, cfg wire.SessionConfig, systemPrompt string, tools []*genai.Tool) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return fmt.Errorf("proxy is closed")
	}

	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}

	speechConfig := &genai.SpeechConfig{
		VoiceConfig: &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
				VoiceName: voice,
			},
		},
	}
	if cfg.Language != "" {
		speechConfig.LanguageCode = cfg.Language
	}

	if cfg.GoogleSearch {
		tools = append(tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{"AUDIO"},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: systemPrompt},
			},
		},
		Tools:                    tools,
		SpeechConfig:             speechConfig,
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.AffectiveDialog {
		config.EnableAffectiveDialog = genai.Ptr(true)
	}
	if cfg.ProactiveAudio {
		config.Proactivity = &genai.ProactivityConfig{
			ProactiveAudio: genai.Ptr(true),
		}
	}

	session, err := gp.client.Live.Connect(ctx, modelName, config)
	if err != nil {
		return fmt.Errorf("failed to connect to Live API: %w", err)
	}

	gp.session = session
	log.Printf("✅ Connected to Gemini Live via SDK (%s, voice=%s)", modelName, voice)
	return nil
}

// StartReceiving begins listening for Gemini responses
func (gp *Proxy) StartReceiving(ctx context.Context) {
	go func() {
		for {
			gp.mu.RLock()
			if gp.closed || gp.session == nil {
				gp.mu.RUnlock()
				return
			}
			session := gp.session
			gp.mu.RUnlock()

			// Receive blocks until a message arrives or error occurs
			resp, err := session.Receive()
			if err != nil {
				gp.mu.RLock()
				closed := gp.closed
				gp.mu.RUnlock()

				if !closed {
					log.Printf("❌ Gemini receive error: %v", err)
					if gp.OnError != nil {
						gp.OnError(err)
					}
				}
				return
			}

			gp.handleResponse(resp)
		}
	}()
}

func (gp *Proxy) handleResponse(resp *genai.LiveServerMessage) {
	if resp.ToolCall != nil && len(resp.ToolCall.FunctionCalls) > 0 {
		log.Printf("📥 Received from Gemini: %d function call(s)", len(resp.ToolCall.FunctionCalls))
		if gp.OnToolCall != nil {
			gp.OnToolCall(resp.ToolCall.FunctionCalls)
		}
	}

	sc := resp.ServerContent
	if sc == nil {
		return
	}

	if sc.Interrupted && gp.OnInterrupted != nil {
		log.Println("📥 Received from Gemini: interrupted")
		gp.OnInterrupted()
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" && gp.OnInputTranscript != nil {
		gp.OnInputTranscript(sc.InputTranscription.Text)
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" && gp.OnOutputTranscript != nil {
		gp.OnOutputTranscript(sc.OutputTranscription.Text)
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && gp.OnAudio != nil {
				gp.OnAudio(part.InlineData.Data)
			}
		}
	}

	if sc.TurnComplete && gp.OnComplete != nil {
		log.Println("📥 Received from Gemini: turn complete")
		gp.OnComplete()
	}
}

// SendAudio forwards a PCM16 chunk to Gemini. Audio streams
// continuously; Gemini's own VAD decides the turn boundaries.
func (gp *Proxy) SendAudio(audioData []byte) error {
	gp.mu.RLock()
	session := gp.session
	closed := gp.closed
	gp.mu.RUnlock()

	if closed || session == nil {
		return fmt.Errorf("proxy is closed or not connected")
	}

	err := session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: "audio/pcm;rate=16000",
			Data:     audioData,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// SendText sends a typed turn to Gemini.
func (gp *Proxy) SendText(text string) error {
	gp.mu.RLock()
	session := gp.session
	closed := gp.closed
	gp.mu.RUnlock()

	if closed || session == nil {
		return fmt.Errorf("proxy is closed or not connected")
	}

	turnComplete := true
	err := session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: text}},
			},
		},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}

	log.Printf("📤 Sent text to Gemini: %s", text)
	return nil
}

// SendToolResponse sends function call responses back to Gemini
func (gp *Proxy) SendToolResponse(responses []*genai.FunctionResponse) error {
	gp.mu.RLock()
	session := gp.session
	closed := gp.closed
	gp.mu.RUnlock()

	if closed || session == nil {
		return fmt.Errorf("proxy is closed or not connected")
	}

	err := session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: responses,
	})
	if err != nil {
		return fmt.Errorf("failed to send tool response: %w", err)
	}

	log.Printf("📤 Sent %d tool response(s) to Gemini", len(responses))
	return nil
}

// Close terminates the Gemini connection
func (gp *Proxy) Close() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return nil
	}
	gp.closed = true

	if gp.session != nil {
		return gp.session.Close()
	}
	return nil
}
