package protocol

import (
	"errors"
	"testing"
)

func TestParseCallerMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"caller_audio_chunk","participant":"alice","seq":1,"pcm_base64":"AQID","sample_rate":48000,"channels":2,"ts_ms":123}`)
	msg, err := ParseCallerMessage(raw)
	if err != nil {
		t.Fatalf("ParseCallerMessage() error = %v", err)
	}

	chunk, ok := msg.(CallerAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want CallerAudioChunk", msg)
	}
	if chunk.Participant != "alice" || chunk.SampleRate != 48000 || chunk.Channels != 2 {
		t.Fatalf("unexpected audio chunk: %+v", chunk)
	}
}

func TestParseCallerMessageAudioChunkDefaults(t *testing.T) {
	raw := []byte(`{"type":"caller_audio_chunk","pcm_base64":"AQID","sample_rate":16000}`)
	msg, err := ParseCallerMessage(raw)
	if err != nil {
		t.Fatalf("ParseCallerMessage() error = %v", err)
	}
	chunk := msg.(CallerAudioChunk)
	if chunk.Participant != "caller" {
		t.Fatalf("Participant = %q, want %q", chunk.Participant, "caller")
	}
	if chunk.Channels != 1 {
		t.Fatalf("Channels = %d, want 1", chunk.Channels)
	}
}

func TestParseCallerMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseCallerMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseCallerMessageControl(t *testing.T) {
	raw := []byte(`{"type":"caller_control","action":"end"}`)
	msg, err := ParseCallerMessage(raw)
	if err != nil {
		t.Fatalf("ParseCallerMessage() error = %v", err)
	}

	control, ok := msg.(CallerControl)
	if !ok {
		t.Fatalf("message type = %T, want CallerControl", msg)
	}
	if control.Action != ActionEnd {
		t.Fatalf("Action = %q, want %q", control.Action, ActionEnd)
	}
}

func TestParseCallerMessageRejectsUnknownControlAction(t *testing.T) {
	_, err := ParseCallerMessage([]byte(`{"type":"caller_control","action":"dance"}`))
	if err == nil {
		t.Fatalf("expected validation error for unknown action")
	}
}

func TestParseCallerMessageText(t *testing.T) {
	raw := []byte(`{"type":"caller_text","text":"hello"}`)
	msg, err := ParseCallerMessage(raw)
	if err != nil {
		t.Fatalf("ParseCallerMessage() error = %v", err)
	}
	text, ok := msg.(CallerText)
	if !ok {
		t.Fatalf("message type = %T, want CallerText", msg)
	}
	if text.Text != "hello" {
		t.Fatalf("Text = %q, want %q", text.Text, "hello")
	}
}

func TestParseCallerMessageRejectsInvalidAudioChunk(t *testing.T) {
	_, err := ParseCallerMessage([]byte(`{"type":"caller_audio_chunk","pcm_base64":"","sample_rate":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func BenchmarkParseCallerMessageAudioChunk(b *testing.B) {
	raw := []byte(`{"type":"caller_audio_chunk","participant":"caller","seq":7,"pcm_base64":"AQIDBAUGBwgJCgsMDQ4P","sample_rate":48000,"channels":2,"ts_ms":123456}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseCallerMessage(raw)
		if err != nil {
			b.Fatalf("ParseCallerMessage() error = %v", err)
		}
		if _, ok := msg.(CallerAudioChunk); !ok {
			b.Fatalf("message type = %T, want CallerAudioChunk", msg)
		}
	}
}
