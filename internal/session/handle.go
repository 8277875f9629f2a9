package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/audio"
	"github.com/voxwire/voxwire/internal/wire"
)

const closeTimeout = 3 * time.Second

// Handle is one live stream to the speech model. Exactly one handle is
// current at a time; the manager swaps the whole value on reconnect and
// never mutates a published handle.
type Handle struct {
	ID        string
	StartedAt time.Time

	stream       wire.Stream
	promptName   string
	audioContent string

	loopDone  chan struct{}
	loopOnce  sync.Once
	closing   chan struct{}
	closeOnce sync.Once
}

// markLoopDone signals that the receive loop stopped reading this stream.
func (h *Handle) markLoopDone() {
	h.loopOnce.Do(func() { close(h.loopDone) })
}

type handshakeParams struct {
	SystemText  string
	VoiceID     string
	MaxTokens   int
	TopP        float64
	Temperature float64
}

// openHandle performs the full session handshake on a fresh stream: session
// start, prompt start with the fixed audio formats, the system text block,
// and the interactive audio content block audio chunks flow into.
func openHandle(ctx context.Context, stream wire.Stream, p handshakeParams) (*Handle, error) {
	h := &Handle{
		ID:           uuid.NewString(),
		StartedAt:    time.Now().UTC(),
		stream:       stream,
		promptName:   uuid.NewString(),
		audioContent: uuid.NewString(),
		loopDone:     make(chan struct{}),
		closing:      make(chan struct{}),
	}

	steps := []wire.Envelope{
		{Event: wire.EventBody{SessionStart: &wire.SessionStart{
			InferenceConfiguration: wire.InferenceConfiguration{
				MaxTokens:   p.MaxTokens,
				TopP:        p.TopP,
				Temperature: p.Temperature,
			},
		}}},
		{Event: wire.EventBody{PromptStart: &wire.PromptStart{
			PromptName:              h.promptName,
			TextOutputConfiguration: &wire.TextConfig{MediaType: "text/plain"},
			AudioOutputConfiguration: &wire.AudioConfig{
				MediaType:     "audio/lpcm",
				SampleRateHz:  audio.ModelOutputRate,
				SampleSizeBit: 16,
				ChannelCount:  1,
				VoiceID:       p.VoiceID,
				Encoding:      "base64",
				AudioType:     "SPEECH",
			},
		}}},
	}
	steps = append(steps, textBlock(h.promptName, wire.RoleSystem, p.SystemText)...)
	steps = append(steps, wire.Envelope{Event: wire.EventBody{ContentStart: &wire.ContentStart{
		PromptName:  h.promptName,
		ContentName: h.audioContent,
		Type:        wire.ContentTypeAudio,
		// Interactive keeps the model in conversation mode instead of
		// single-turn dictation.
		Interactive: true,
		Role:        wire.RoleUser,
		AudioInputConfiguration: &wire.AudioConfig{
			MediaType:     "audio/lpcm",
			SampleRateHz:  audio.ModelInputRate,
			SampleSizeBit: 16,
			ChannelCount:  1,
			Encoding:      "base64",
			AudioType:     "SPEECH",
		},
	}}})

	for _, env := range steps {
		if err := stream.Send(ctx, env); err != nil {
			return nil, fmt.Errorf("handshake %s: %w", env.Kind(), err)
		}
	}
	return h, nil
}

// textBlock builds the three events of one complete text content block.
func textBlock(promptName, role, text string) []wire.Envelope {
	contentName := uuid.NewString()
	return []wire.Envelope{
		{Event: wire.EventBody{ContentStart: &wire.ContentStart{
			PromptName:             promptName,
			ContentName:            contentName,
			Type:                   wire.ContentTypeText,
			Interactive:            true,
			Role:                   role,
			TextInputConfiguration: &wire.TextConfig{MediaType: "text/plain"},
		}}},
		{Event: wire.EventBody{TextInput: &wire.TextInput{
			PromptName:  promptName,
			ContentName: contentName,
			Content:     text,
		}}},
		{Event: wire.EventBody{ContentEnd: &wire.ContentEnd{
			PromptName:  promptName,
			ContentName: contentName,
		}}},
	}
}

// sendAudioChunk ships one mono model-rate chunk as a base64 audio event.
func (h *Handle) sendAudioChunk(ctx context.Context, pcm []int16) error {
	return h.stream.Send(ctx, wire.Envelope{Event: wire.EventBody{AudioInput: &wire.AudioInput{
		PromptName:  h.promptName,
		ContentName: h.audioContent,
		Content:     base64.StdEncoding.EncodeToString(audio.PCM16Bytes(pcm)),
	}}})
}

// sendText ships one complete user text block mid-session.
func (h *Handle) sendText(ctx context.Context, role, text string) error {
	for _, env := range textBlock(h.promptName, role, text) {
		if err := h.stream.Send(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// gracefulClose ends the stream politely; a dead peer just times out and
// the transport close still happens.
func (h *Handle) gracefulClose() {
	h.closeOnce.Do(func() {
		close(h.closing)

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		_ = h.stream.Send(ctx, wire.Envelope{Event: wire.EventBody{ContentEnd: &wire.ContentEnd{
			PromptName:  h.promptName,
			ContentName: h.audioContent,
		}}})
		_ = h.stream.Send(ctx, wire.Envelope{Event: wire.EventBody{PromptEnd: &wire.PromptEnd{
			PromptName: h.promptName,
		}}})
		_ = h.stream.Send(ctx, wire.Envelope{Event: wire.EventBody{SessionEnd: &wire.SessionEnd{}}})
		_ = h.stream.Close()
	})
}

// closedLocally reports whether gracefulClose already ran, so the receive
// loop can tell a deliberate teardown from a wire failure.
func (h *Handle) closedLocally() bool {
	select {
	case <-h.closing:
		return true
	default:
		return false
	}
}
