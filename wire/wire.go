// Package wire defines the JSON control protocol spoken over the duplex
// conversation channel. A message is either 100% raw binary PCM or 100%
// one JSON control object; this package covers the JSON half.
package wire

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
)

// ErrUnknownType is returned when an inbound control message carries a
// missing or unrecognized type discriminator.
var ErrUnknownType = errors.New("unknown control message type")

// Control message types. Inbound messages come from the model backend;
// "text" is the only outbound control type after the config frame.
const (
	TypeSessionStarted = "session_started"
	TypeError          = "error"
	TypeToolCall       = "tool_call"
	TypeUser           = "user"   // caller transcript delta
	TypeGemini         = "gemini" // model transcript delta
	TypeTurnComplete   = "turn_complete"
	TypeInterrupted    = "interrupted"
	TypeText           = "text" // outbound only
)

// SessionConfig is the first message sent on a freshly opened channel.
// It is immutable for the lifetime of the connection attempt.
type SessionConfig struct {
	Provider        string `json:"provider"`
	Voice           string `json:"voice"`
	Language        string `json:"language"`
	SystemPrompt    string `json:"systemPrompt"`
	AffectiveDialog bool   `json:"affectiveDialog"`
	ProactiveAudio  bool   `json:"proactiveAudio"`
	GoogleSearch    bool   `json:"googleSearch"`
}

// ControlMessage is the tagged union carried in textual channel payloads.
// Exactly one type is active per message; which payload fields are
// meaningful depends on Type.
type ControlMessage struct {
	Type             string         `json:"type"`
	Text             string         `json:"text,omitempty"`
	Message          string         `json:"message,omitempty"`
	OutputSampleRate int            `json:"outputSampleRate,omitempty"`
	Name             string         `json:"name,omitempty"`
	Args             map[string]any `json:"args,omitempty"`
	Result           string         `json:"result,omitempty"`
}

// NewSessionStarted announces the output sample rate for the connection.
func NewSessionStarted(outputSampleRate int) ControlMessage {
	return ControlMessage{Type: TypeSessionStarted, OutputSampleRate: outputSampleRate}
}

// NewError carries a fatal model-backend error.
func NewError(message string) ControlMessage {
	return ControlMessage{Type: TypeError, Message: message}
}

// NewToolCall reports an executed tool invocation, result included.
func NewToolCall(name string, args map[string]any, result string) ControlMessage {
	return ControlMessage{Type: TypeToolCall, Name: name, Args: args, Result: result}
}

// NewTranscriptDelta carries a chunk of caller or model speech transcript.
// msgType must be TypeUser or TypeGemini.
func NewTranscriptDelta(msgType, text string) ControlMessage {
	return ControlMessage{Type: msgType, Text: text}
}

// NewTurnComplete signals the model finished its turn.
func NewTurnComplete() ControlMessage {
	return ControlMessage{Type: TypeTurnComplete}
}

// NewInterrupted signals the caller spoke over the model's playback.
func NewInterrupted() ControlMessage {
	return ControlMessage{Type: TypeInterrupted}
}

// NewText wraps an outbound typed text turn.
func NewText(text string) ControlMessage {
	return ControlMessage{Type: TypeText, Text: text}
}

var validTypes = map[string]bool{
	TypeSessionStarted: true,
	TypeError:          true,
	TypeToolCall:       true,
	TypeUser:           true,
	TypeGemini:         true,
	TypeTurnComplete:   true,
	TypeInterrupted:    true,
	TypeText:           true,
}

// ParseControl decodes and validates an inbound control payload. A
// malformed document or unknown discriminator is a protocol error; the
// caller logs and drops the single offending message.
func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("malformed control message: %w", err)
	}
	if !validTypes[msg.Type] {
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// Marshal encodes any wire value as JSON.
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal decodes a wire value from JSON.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// SocketURL derives the conversation endpoint from an HTTP origin: same
// host, path /ws, and the WebSocket scheme matching the origin's
// secure/insecure variant. No separate endpoint configuration exists at
// this layer.
func SocketURL(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid origin %q: unsupported scheme %q", origin, u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
