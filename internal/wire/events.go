package wire

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Envelope is the outer frame of the speech model's streaming protocol.
// Every message in both directions is a JSON object with a single "event"
// key whose body carries exactly one event type.
type Envelope struct {
	Event EventBody `json:"event"`
}

// EventBody holds at most one non-nil event. The wire format uses the
// field name to discriminate, so all fields are omitempty pointers.
type EventBody struct {
	SessionStart  *SessionStart  `json:"sessionStart,omitempty"`
	PromptStart   *PromptStart   `json:"promptStart,omitempty"`
	ContentStart  *ContentStart  `json:"contentStart,omitempty"`
	TextInput     *TextInput     `json:"textInput,omitempty"`
	AudioInput    *AudioInput    `json:"audioInput,omitempty"`
	ContentEnd    *ContentEnd    `json:"contentEnd,omitempty"`
	PromptEnd     *PromptEnd     `json:"promptEnd,omitempty"`
	SessionEnd    *SessionEnd    `json:"sessionEnd,omitempty"`
	TextOutput    *TextOutput    `json:"textOutput,omitempty"`
	AudioOutput   *AudioOutput   `json:"audioOutput,omitempty"`
	CompletionEnd *CompletionEnd `json:"completionEnd,omitempty"`
	Usage         *Usage         `json:"usageEvent,omitempty"`
}

type SessionStart struct {
	InferenceConfiguration InferenceConfiguration `json:"inferenceConfiguration"`
}

type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type PromptStart struct {
	PromptName               string       `json:"promptName"`
	TextOutputConfiguration  *TextConfig  `json:"textOutputConfiguration,omitempty"`
	AudioOutputConfiguration *AudioConfig `json:"audioOutputConfiguration,omitempty"`
}

type TextConfig struct {
	MediaType string `json:"mediaType"`
}

type AudioConfig struct {
	MediaType     string `json:"mediaType"`
	SampleRateHz  int    `json:"sampleRateHertz"`
	SampleSizeBit int    `json:"sampleSizeBits"`
	ChannelCount  int    `json:"channelCount"`
	VoiceID       string `json:"voiceId,omitempty"`
	Encoding      string `json:"encoding"`
	AudioType     string `json:"audioType"`
}

type ContentStart struct {
	PromptName               string       `json:"promptName,omitempty"`
	ContentName              string       `json:"contentName,omitempty"`
	Type                     string       `json:"type,omitempty"`
	Interactive              bool         `json:"interactive,omitempty"`
	Role                     string       `json:"role,omitempty"`
	TextInputConfiguration   *TextConfig  `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration  *AudioConfig `json:"audioInputConfiguration,omitempty"`
	AdditionalModelFields    string       `json:"additionalModelFields,omitempty"`
}

type TextInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// AudioInput carries one chunk of base64-encoded PCM.
type AudioInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type ContentEnd struct {
	PromptName  string `json:"promptName,omitempty"`
	ContentName string `json:"contentName,omitempty"`
	StopReason  string `json:"stopReason,omitempty"`
}

type PromptEnd struct {
	PromptName string `json:"promptName"`
}

type SessionEnd struct{}

type TextOutput struct {
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
}

type AudioOutput struct {
	Content string `json:"content"`
}

type CompletionEnd struct {
	StopReason string `json:"stopReason,omitempty"`
}

type Usage struct {
	TotalInputTokens  int `json:"totalInputTokens,omitempty"`
	TotalOutputTokens int `json:"totalOutputTokens,omitempty"`
	TotalTokens       int `json:"totalTokens,omitempty"`
}

// Conversation roles on the stream.
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
)

// Content types for contentStart.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
)

// Kind names the single event an envelope carries, or "empty".
func (e Envelope) Kind() string {
	switch {
	case e.Event.SessionStart != nil:
		return "sessionStart"
	case e.Event.PromptStart != nil:
		return "promptStart"
	case e.Event.ContentStart != nil:
		return "contentStart"
	case e.Event.TextInput != nil:
		return "textInput"
	case e.Event.AudioInput != nil:
		return "audioInput"
	case e.Event.ContentEnd != nil:
		return "contentEnd"
	case e.Event.PromptEnd != nil:
		return "promptEnd"
	case e.Event.SessionEnd != nil:
		return "sessionEnd"
	case e.Event.TextOutput != nil:
		return "textOutput"
	case e.Event.AudioOutput != nil:
		return "audioOutput"
	case e.Event.CompletionEnd != nil:
		return "completionEnd"
	case e.Event.Usage != nil:
		return "usageEvent"
	default:
		return "empty"
	}
}

// Marshal encodes an envelope to its wire bytes.
func Marshal(env Envelope) ([]byte, error) {
	data, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire marshal %s: %w", env.Kind(), err)
	}
	return data, nil
}

// Unmarshal decodes wire bytes into an envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire unmarshal: %w", err)
	}
	return env, nil
}

// speculative generation stages arrive as a JSON string inside
// additionalModelFields.
type generationFields struct {
	GenerationStage string `json:"generationStage"`
}

// IsSpeculative reports whether an assistant contentStart belongs to the
// model's speculative (early) text pass rather than the final transcript.
func (c ContentStart) IsSpeculative() bool {
	if c.AdditionalModelFields == "" {
		return false
	}
	var fields generationFields
	if err := sonic.UnmarshalString(c.AdditionalModelFields, &fields); err != nil {
		return false
	}
	return fields.GenerationStage == "SPECULATIVE"
}
