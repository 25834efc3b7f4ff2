// Package realtime implements the client side of the conversational AI
// realtime websocket: session configuration, audio append, server event
// decoding, and function-call result delivery.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Tool describes one callable function advertised to the assistant.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SessionConfig is everything sent in the single session.update issued
// immediately after connect.
type SessionConfig struct {
	Instructions string
	Voice        string
	Tools        []Tool
}

// DialConfig controls how the upstream connection is established.
type DialConfig struct {
	URL         string
	APIKey      string
	DialTimeout time.Duration
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration
}

// Session is a live upstream realtime connection. Writes are serialized
// internally; ReadEvent must be called from a single goroutine.
type Session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

// Dial connects to the realtime endpoint and sends the session.update
// configuring instructions, voice, audio format, turn detection, and the
// tool catalogue. Nothing else is written before that update.
func Dial(ctx context.Context, dial DialConfig, sess SessionConfig) (*Session, error) {
	if dial.APIKey == "" {
		return nil, fmt.Errorf("realtime api key not configured")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+dial.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: dial.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, dial.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	s := &Session{conn: conn, writeTimeout: dial.WriteTimeout}
	if err := s.sendSessionUpdate(sess); err != nil {
		s.Close()
		return nil, fmt.Errorf("configure session: %w", err)
	}
	return s, nil
}

func (s *Session) sendSessionUpdate(cfg SessionConfig) error {
	tools := cfg.Tools
	if tools == nil {
		tools = []Tool{}
	}
	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        cfg.Instructions,
			"voice":               cfg.Voice,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
			"tools":       tools,
			"tool_choice": "auto",
		},
	}
	return s.writeJSON(update)
}

// AppendAudio forwards one base64 audio chunk into the upstream input
// buffer. The payload passes through untouched.
func (s *Session) AppendAudio(payloadB64 string) error {
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": payloadB64,
	})
}

// SendFunctionOutput delivers a function call result and asks the
// assistant to continue the response. Every call id gets exactly one
// output item.
func (s *Session) SendFunctionOutput(callID, output string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
	if err := s.writeJSON(item); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{"type": "response.create"})
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode realtime frame: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write realtime frame: %w", err)
	}
	return nil
}

// Event kinds surfaced by ReadEvent. Everything else the server sends is
// collapsed into EventOther and ignored by callers.
const (
	EventSessionCreated = "session.created"
	EventAudioDelta     = "response.audio.delta"
	EventFunctionCall   = "response.function_call_arguments.done"
	EventError          = "error"
	EventOther          = "other"
)

// ServerEvent is one decoded upstream event.
type ServerEvent struct {
	Kind string

	// AudioDelta is set for EventAudioDelta: base64 assistant audio.
	AudioDelta string

	// FunctionName, FunctionArgs, CallID are set for EventFunctionCall.
	FunctionName string
	FunctionArgs string
	CallID       string

	// ErrorMessage is set for EventError.
	ErrorMessage string
}

type rawServerEvent struct {
	Type      string `json:"type"`
	Delta     string `json:"delta"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	CallID    string `json:"call_id"`
	Error     struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ReadEvent blocks until the next upstream event arrives.
func (s *Session) ReadEvent() (ServerEvent, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return ServerEvent{}, fmt.Errorf("read realtime frame: %w", err)
	}
	return decodeEvent(data)
}

func decodeEvent(data []byte) (ServerEvent, error) {
	var raw rawServerEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return ServerEvent{}, fmt.Errorf("decode realtime event: %w", err)
	}
	switch raw.Type {
	case EventSessionCreated:
		return ServerEvent{Kind: EventSessionCreated}, nil
	case EventAudioDelta:
		return ServerEvent{Kind: EventAudioDelta, AudioDelta: raw.Delta}, nil
	case EventFunctionCall:
		return ServerEvent{
			Kind:         EventFunctionCall,
			FunctionName: raw.Name,
			FunctionArgs: raw.Arguments,
			CallID:       raw.CallID,
		}, nil
	case EventError:
		return ServerEvent{Kind: EventError, ErrorMessage: raw.Error.Message}, nil
	default:
		return ServerEvent{Kind: EventOther}, nil
	}
}

// Close shuts the upstream connection down. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}
