package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// MessageType identifies caller websocket payload variants.
type MessageType string

const (
	TypeCallerAudioChunk MessageType = "caller_audio_chunk"
	TypeCallerText       MessageType = "caller_text"
	TypeCallerControl    MessageType = "caller_control"

	TypePlaybackAudioChunk MessageType = "playback_audio_chunk"
	TypeTranscript         MessageType = "transcript"
	TypeTurnEnd            MessageType = "turn_end"
	TypeSessionEvent       MessageType = "session_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Control actions a caller may request.
const (
	ActionEnd       = "end"
	ActionReconnect = "reconnect"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// CallerAudioChunk carries one frame of caller audio. Participant
// distinguishes speakers when a group channel is bridged; a plain mic
// client may leave it empty and gets "caller".
type CallerAudioChunk struct {
	Type        MessageType `json:"type"`
	Participant string      `json:"participant,omitempty"`
	Seq         int         `json:"seq"`
	SampleRate  int         `json:"sample_rate"`
	Channels    int         `json:"channels"`
	Encoding    string      `json:"encoding,omitempty"`
	PCMBase64   string      `json:"pcm_base64"`
	TSMs        int64       `json:"ts_ms,omitempty"`
}

// CallerText is a typed message injected into the conversation as a
// complete user turn.
type CallerText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type CallerControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

// PlaybackAudioChunk carries one frame of model speech already converted
// to the caller's configured layout.
type PlaybackAudioChunk struct {
	Type       MessageType `json:"type"`
	Seq        int         `json:"seq"`
	SampleRate int         `json:"sample_rate"`
	Channels   int         `json:"channels"`
	PCMBase64  string      `json:"pcm_base64"`
}

// Transcript is one finished text fragment, caller or assistant side.
type Transcript struct {
	Type MessageType `json:"type"`
	Role string      `json:"role"`
	Text string      `json:"text"`
	TSMs int64       `json:"ts_ms"`
}

type TurnEnd struct {
	Type MessageType `json:"type"`
}

// SessionEvent reports lifecycle transitions the caller should know
// about: reconnected, failed.
type SessionEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseCallerMessage decodes and validates one inbound caller frame.
func ParseCallerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeCallerAudioChunk:
		var msg CallerAudioChunk
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCMBase64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid caller_audio_chunk")
		}
		if msg.Channels == 0 {
			msg.Channels = 1
		}
		if msg.Participant == "" {
			msg.Participant = "caller"
		}
		return msg, nil
	case TypeCallerText:
		var msg CallerText
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid caller_text")
		}
		return msg, nil
	case TypeCallerControl:
		var msg CallerControl
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionEnd, ActionReconnect:
			return msg, nil
		default:
			return nil, fmt.Errorf("invalid caller_control action %q", msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}

// MarshalServerMessage encodes one outbound frame.
func MarshalServerMessage(v any) ([]byte, error) {
	return sonic.Marshal(v)
}
