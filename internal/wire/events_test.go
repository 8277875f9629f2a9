package wire

import (
	"strings"
	"testing"
)

func TestMarshalEmitsSingleEventKey(t *testing.T) {
	env := Envelope{Event: EventBody{
		TextInput: &TextInput{PromptName: "p1", ContentName: "c1", Content: "hello"},
	}}

	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"textInput"`) {
		t.Fatalf("marshaled frame missing textInput: %s", s)
	}
	for _, absent := range []string{"sessionStart", "audioInput", "contentStart"} {
		if strings.Contains(s, absent) {
			t.Fatalf("marshaled frame leaked %s: %s", absent, s)
		}
	}
}

func TestUnmarshalAudioOutput(t *testing.T) {
	raw := `{"event":{"audioOutput":{"content":"AAAA"}}}`

	env, err := Unmarshal([]byte(raw))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if env.Kind() != "audioOutput" {
		t.Fatalf("Kind() = %q, want audioOutput", env.Kind())
	}
	if env.Event.AudioOutput.Content != "AAAA" {
		t.Fatalf("AudioOutput.Content = %q", env.Event.AudioOutput.Content)
	}
}

func TestUnmarshalRejectsMalformedFrame(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"event":`)); err == nil {
		t.Fatal("Unmarshal() error = nil, want parse error")
	}
}

func TestIsSpeculative(t *testing.T) {
	cases := []struct {
		name   string
		fields string
		want   bool
	}{
		{"speculative stage", `{"generationStage":"SPECULATIVE"}`, true},
		{"final stage", `{"generationStage":"FINAL"}`, false},
		{"empty", "", false},
		{"garbage", "not json", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cs := ContentStart{Role: RoleAssistant, AdditionalModelFields: tc.fields}
			if got := cs.IsSpeculative(); got != tc.want {
				t.Fatalf("IsSpeculative() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKindEmptyEnvelope(t *testing.T) {
	if got := (Envelope{}).Kind(); got != "empty" {
		t.Fatalf("Kind() = %q, want empty", got)
	}
}
