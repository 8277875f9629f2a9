package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/internal/audio"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/delegate"
	"github.com/voxwire/voxwire/internal/history"
	"github.com/voxwire/voxwire/internal/protocol"
	"github.com/voxwire/voxwire/internal/wire"
)

type fakeModelStream struct {
	mu       sync.Mutex
	sent     []wire.Envelope
	incoming chan wire.Envelope
	closed   chan struct{}
	once     sync.Once
}

func newFakeModelStream() *fakeModelStream {
	return &fakeModelStream{
		incoming: make(chan wire.Envelope, 64),
		closed:   make(chan struct{}),
	}
}

func (s *fakeModelStream) Send(_ context.Context, env wire.Envelope) error {
	select {
	case <-s.closed:
		return wire.ErrClosed
	default:
	}
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeModelStream) Recv(ctx context.Context) (wire.Envelope, error) {
	select {
	case env := <-s.incoming:
		return env, nil
	default:
	}
	select {
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	case <-s.closed:
		return wire.Envelope{}, wire.ErrClosed
	case env := <-s.incoming:
		return env, nil
	}
}

func (s *fakeModelStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeModelStream) hasSent(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.sent {
		if env.Kind() == kind {
			return true
		}
	}
	return false
}

type fakeModelDialer struct {
	mu      sync.Mutex
	streams []*fakeModelStream
}

func (d *fakeModelDialer) Dial(_ context.Context, _ string) (wire.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeModelStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeModelDialer) stream(i int) *fakeModelStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

type stubArchive struct {
	turns []history.Turn
}

func (a *stubArchive) SaveTurn(context.Context, string, history.Turn) error { return nil }
func (a *stubArchive) RecentTurns(_ context.Context, _ string, limit int) ([]history.Turn, error) {
	if limit > len(a.turns) {
		limit = len(a.turns)
	}
	return a.turns[:limit], nil
}
func (a *stubArchive) Close() error { return nil }

func testServerConfig() config.Config {
	return config.Config{
		ModelWSURL:            "wss://model.test/stream",
		VoiceID:               "matthew",
		SystemPrompt:          "You are a voice assistant.",
		MaxTokens:             1024,
		TopP:                  0.9,
		Temperature:           0.7,
		SessionMaxLifetime:    time.Hour,
		ReconnectMargin:       time.Minute,
		HandshakeRetries:      2,
		HandshakeBackoff:      time.Millisecond,
		ReconnectFailureLimit: 2,
		HistoryTurns:          10,
		DelegateTimeout:       5 * time.Second,
		DelegateTagOpen:       "<delegate>",
		DelegateTagClose:      "</delegate>",
		CallerSampleRate:      48000,
		CallerChannels:        2,
		FrameDuration:         20 * time.Millisecond,
		PlaybackBufferCap:     16,
		MixerEnergyFloor:      0,
	}
}

func newTestServer(cfg config.Config, dialer wire.Dialer, archive history.Archive) *Server {
	return New(cfg, dialer, delegate.NewMockBackend(), archive, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthAndReady(t *testing.T) {
	srv := httptest.NewServer(newTestServer(testServerConfig(), &fakeModelDialer{}, nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyFailsWithoutModelURL(t *testing.T) {
	cfg := testServerConfig()
	cfg.ModelWSURL = ""
	srv := httptest.NewServer(newTestServer(cfg, &fakeModelDialer{}, nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", resp.StatusCode)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	archive := &stubArchive{turns: []history.Turn{
		{Role: history.RoleUser, Text: "hello"},
		{Role: history.RoleAssistant, Text: "hi there"},
	}}
	srv := httptest.NewServer(newTestServer(testServerConfig(), &fakeModelDialer{}, archive).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/calls/abc/transcript?limit=1")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transcript status = %d, want 200", resp.StatusCode)
	}

	var body transcriptResponse
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if body.CallID != "abc" || len(body.Turns) != 1 || body.Turns[0].Text != "hello" {
		t.Fatalf("unexpected transcript body: %+v", body)
	}
}

func TestTranscriptRejectsBadLimit(t *testing.T) {
	srv := httptest.NewServer(newTestServer(testServerConfig(), &fakeModelDialer{}, &stubArchive{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/calls/abc/transcript?limit=zero")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("transcript status = %d, want 400", resp.StatusCode)
	}
}

func TestCallWSRejectsCrossOrigin(t *testing.T) {
	srv := httptest.NewServer(newTestServer(testServerConfig(), &fakeModelDialer{}, nil).Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/call/ws"
	header := http.Header{"Origin": {"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatal("cross-origin upgrade succeeded, want rejection")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("upgrade status = %d, want 403", resp.StatusCode)
		}
	}
}

func TestForceReconnectUnknownCall(t *testing.T) {
	srv := httptest.NewServer(newTestServer(testServerConfig(), &fakeModelDialer{}, nil).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/calls/nope/reconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reconnect error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("reconnect status = %d, want 404", resp.StatusCode)
	}
}

func TestCallListingAndForcedReconnect(t *testing.T) {
	dialer := &fakeModelDialer{}
	srv := httptest.NewServer(newTestServer(testServerConfig(), dialer, nil).Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/call/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_, data := readServerMessage(t, conn)
	var started protocol.SessionEvent
	if err := sonic.Unmarshal(data, &started); err != nil {
		t.Fatalf("decode session event: %v", err)
	}
	callID := started.Detail
	if callID == "" {
		t.Fatal("started event carries no call id")
	}

	waitFor(t, "call listed", func() bool {
		resp, err := http.Get(srv.URL + "/v1/calls")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Calls []callStatus `json:"calls"`
		}
		if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return len(body.Calls) == 1 && body.Calls[0].CallID == callID
	})

	reconResp, err := http.Post(srv.URL+"/v1/calls/"+callID+"/reconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reconnect error = %v", err)
	}
	reconResp.Body.Close()
	if reconResp.StatusCode != http.StatusOK {
		t.Fatalf("reconnect status = %d, want 200", reconResp.StatusCode)
	}
	if dialer.stream(1) == nil {
		t.Fatal("forced reconnect did not open a second model stream")
	}

	end, _ := sonic.Marshal(protocol.CallerControl{Type: protocol.TypeCallerControl, Action: protocol.ActionEnd})
	if err := conn.WriteMessage(websocket.TextMessage, end); err != nil {
		t.Fatalf("write end control: %v", err)
	}
	waitFor(t, "call delisted", func() bool {
		resp, err := http.Get(srv.URL + "/v1/calls")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Calls []callStatus `json:"calls"`
		}
		if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return len(body.Calls) == 0
	})
}

func readServerMessage(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var env protocol.Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode server message: %v", err)
	}
	return string(env.Type), data
}

func TestCallWSBridgesCall(t *testing.T) {
	dialer := &fakeModelDialer{}
	srv := httptest.NewServer(newTestServer(testServerConfig(), dialer, nil).Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/call/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	kind, _ := readServerMessage(t, conn)
	if kind != string(protocol.TypeSessionEvent) {
		t.Fatalf("first message type = %s, want session_event", kind)
	}

	// Caller audio reaches the model stream as audioInput.
	tone := make([]int16, 960) // 20ms at 48kHz stereo
	for i := range tone {
		tone[i] = 6000
	}
	chunk, _ := sonic.Marshal(protocol.CallerAudioChunk{
		Type:       protocol.TypeCallerAudioChunk,
		SampleRate: 48000,
		Channels:   2,
		PCMBase64:  base64.StdEncoding.EncodeToString(audio.PCM16Bytes(tone)),
	})
	if err := conn.WriteMessage(websocket.TextMessage, chunk); err != nil {
		t.Fatalf("write audio chunk: %v", err)
	}
	waitFor(t, "audioInput on model stream", func() bool {
		return dialer.stream(0).hasSent("audioInput")
	})

	// Typed caller text becomes a textInput block.
	text, _ := sonic.Marshal(protocol.CallerText{Type: protocol.TypeCallerText, Text: "what time is it"})
	if err := conn.WriteMessage(websocket.TextMessage, text); err != nil {
		t.Fatalf("write caller text: %v", err)
	}
	waitFor(t, "textInput on model stream", func() bool {
		s := dialer.stream(0)
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, env := range s.sent {
			if env.Event.TextInput != nil && strings.Contains(env.Event.TextInput.Content, "what time is it") {
				return true
			}
		}
		return false
	})

	// Model audio comes back as a playback chunk in the caller layout.
	speech := make([]int16, 2400)
	for i := range speech {
		speech[i] = 7000
	}
	dialer.stream(0).incoming <- wire.Envelope{Event: wire.EventBody{AudioOutput: &wire.AudioOutput{
		Content: base64.StdEncoding.EncodeToString(audio.PCM16Bytes(speech)),
	}}}

	for {
		kind, data := readServerMessage(t, conn)
		if kind != string(protocol.TypePlaybackAudioChunk) {
			continue
		}
		var playback protocol.PlaybackAudioChunk
		if err := sonic.Unmarshal(data, &playback); err != nil {
			t.Fatalf("decode playback chunk: %v", err)
		}
		if playback.SampleRate != 48000 || playback.Channels != 2 {
			t.Fatalf("playback layout = %d Hz %d ch, want caller layout", playback.SampleRate, playback.Channels)
		}
		break
	}

	// Malformed caller frames get an error event, not a dead socket.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("write invalid message: %v", err)
	}
	for {
		kind, _ := readServerMessage(t, conn)
		if kind == string(protocol.TypeErrorEvent) {
			break
		}
	}

	end, _ := sonic.Marshal(protocol.CallerControl{Type: protocol.TypeCallerControl, Action: protocol.ActionEnd})
	if err := conn.WriteMessage(websocket.TextMessage, end); err != nil {
		t.Fatalf("write end control: %v", err)
	}
	waitFor(t, "model stream closed", func() bool {
		select {
		case <-dialer.stream(0).closed:
			return true
		default:
			return false
		}
	})
}
