// Package telephony codecs the JSON envelope spoken by the telephony
// media-stream websocket. Frames are small JSON objects with an "event"
// discriminator; audio payloads are base64 g711 ulaw and are relayed
// opaquely, never decoded.
package telephony

import (
	"encoding/json"
	"fmt"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// StartEvent carries the stream identity and the custom parameters set by
// the telephony provider when the stream was created.
type StartEvent struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaEvent carries one base64 audio payload chunk.
type MediaEvent struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
}

// Envelope is the decoded form of one inbound telephony frame. Exactly one
// of Start or Media is set, matching Event.
type Envelope struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid,omitempty"`
	Start     *StartEvent `json:"start,omitempty"`
	Media     *MediaEvent `json:"media,omitempty"`
}

// DecodeInbound parses one inbound frame. Unknown event types decode
// without error so new provider events never kill a live call; callers
// should ignore events they do not handle.
func DecodeInbound(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode telephony frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("telephony frame missing event")
	}
	switch env.Event {
	case EventStart:
		if env.Start == nil {
			return Envelope{}, fmt.Errorf("start frame missing start payload")
		}
		if env.Start.StreamSid == "" {
			env.Start.StreamSid = env.StreamSid
		}
		if env.Start.StreamSid == "" {
			return Envelope{}, fmt.Errorf("start frame missing streamSid")
		}
	case EventMedia:
		if env.Media == nil || env.Media.Payload == "" {
			return Envelope{}, fmt.Errorf("media frame missing payload")
		}
	}
	return env, nil
}

// EncodeMedia builds one outbound media frame carrying assistant audio back
// to the caller.
func EncodeMedia(streamSid, payload string) ([]byte, error) {
	frame := Envelope{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaEvent{Payload: payload},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode media frame: %w", err)
	}
	return data, nil
}
