package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/internal/audio"
	"github.com/voxwire/voxwire/internal/dispatch"
	"github.com/voxwire/voxwire/internal/history"
	"github.com/voxwire/voxwire/internal/protocol"
	"github.com/voxwire/voxwire/internal/pump"
	"github.com/voxwire/voxwire/internal/session"
)

const (
	requestTimeout   = 5 * time.Second
	reconnectTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
	readTimeout      = 120 * time.Second
	maxFrameBytes    = 2 << 20
)

// handleCallWS owns one full call: it builds the per-call pipeline
// (history log, session manager, tag dispatcher, audio pump), bridges the
// caller websocket to it, and tears everything down when either side ends.
func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := history.NewLog(s.cfg.HistoryTurns)
	mgr := session.NewManager(session.Config{
		URL:                   s.cfg.ModelWSURL,
		VoiceID:               s.cfg.VoiceID,
		SystemPrompt:          s.cfg.SystemPrompt,
		MaxTokens:             s.cfg.MaxTokens,
		TopP:                  s.cfg.TopP,
		Temperature:           s.cfg.Temperature,
		MaxLifetime:           s.cfg.SessionMaxLifetime,
		ReconnectMargin:       s.cfg.ReconnectMargin,
		HandshakeRetries:      s.cfg.HandshakeRetries,
		HandshakeBackoff:      s.cfg.HandshakeBackoff,
		ReconnectFailureLimit: s.cfg.ReconnectFailureLimit,
	}, s.dialer, log, s.archive, s.metrics)

	disp, err := dispatch.NewDispatcher(s.backend, s.cfg.DelegateTagOpen, s.cfg.DelegateTagClose, s.cfg.DelegateTimeout, s.metrics)
	if err != nil {
		s.writeDirect(conn, protocol.ErrorEvent{
			Type: protocol.TypeErrorEvent, Code: "dispatcher_init", Detail: err.Error(),
		})
		return
	}
	disp.Bind(mgr)
	mgr.SetTextTap(disp)

	outbound := make(chan any, 256)

	recordPath := ""
	if s.cfg.RecordDir != "" {
		recordPath = filepath.Join(s.cfg.RecordDir, mgr.CallID()+".wav")
	}
	p, err := pump.New(pump.Config{
		FrameDuration:     s.cfg.FrameDuration,
		CallerSampleRate:  s.cfg.CallerSampleRate,
		CallerChannels:    s.cfg.CallerChannels,
		PlaybackBufferCap: s.cfg.PlaybackBufferCap,
		MixerEnergyFloor:  s.cfg.MixerEnergyFloor,
		RecordPath:        recordPath,
	}, mgr, &wsSink{srv: s, out: outbound}, s.metrics)
	if err != nil {
		s.writeDirect(conn, protocol.ErrorEvent{
			Type: protocol.TypeErrorEvent, Code: "pump_init", Detail: err.Error(),
		})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := mgr.Start(ctx, strings.TrimSpace(r.URL.Query().Get("context"))); err != nil {
		s.writeDirect(conn, protocol.SessionEvent{
			Type: protocol.TypeSessionEvent, Code: "failed", Detail: err.Error(),
		})
		return
	}
	s.writeDirect(conn, protocol.SessionEvent{
		Type: protocol.TypeSessionEvent, Code: "started", Detail: mgr.CallID(),
	})
	s.calls.add(mgr)
	defer s.calls.remove(mgr.CallID())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				data, err := protocol.MarshalServerMessage(msg)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					cancel()
					return
				}
				s.metrics.IncCallerMessage("outbound", messageTypeOf(msg))
			}
		}
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		_ = p.Run(ctx)
	}()
	// A terminal session failure ends the pump; unblock the read loop so
	// the call tears down instead of idling until the read deadline.
	go func() {
		<-pumpDone
		cancel()
		_ = conn.Close()
	}()

	playbackDone := make(chan struct{})
	go func() {
		defer close(playbackDone)
		ticker := time.NewTicker(s.cfg.FrameDuration)
		defer ticker.Stop()
		seq := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if p.PlaybackBuffered() == 0 {
					continue
				}
				frame := p.PullPlayback()
				seq++
				s.enqueue(outbound, protocol.PlaybackAudioChunk{
					Type:       protocol.TypePlaybackAudioChunk,
					Seq:        seq,
					SampleRate: s.cfg.CallerSampleRate,
					Channels:   s.cfg.CallerChannels,
					PCMBase64:  base64.StdEncoding.EncodeToString(audio.PCM16Bytes(frame)),
				})
			}
		}
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		parsed, err := protocol.ParseCallerMessage(data)
		if err != nil {
			s.enqueue(outbound, protocol.ErrorEvent{
				Type: protocol.TypeErrorEvent, Code: "invalid_caller_message", Detail: err.Error(),
			})
			continue
		}
		s.metrics.IncCallerMessage("inbound", messageTypeOf(parsed))

		switch msg := parsed.(type) {
		case protocol.CallerAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(msg.PCMBase64)
			if err != nil {
				s.enqueue(outbound, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, Code: "invalid_audio_payload", Detail: err.Error(),
				})
				continue
			}
			frame := audio.Frame{
				Participant: msg.Participant,
				SampleRate:  msg.SampleRate,
				Channels:    msg.Channels,
				Encoding:    audio.Encoding(msg.Encoding),
				Data:        pcm,
			}
			if err := p.PushCallerFrame(frame); err != nil {
				s.enqueue(outbound, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, Code: "unsupported_format", Detail: err.Error(),
				})
			}
		case protocol.CallerText:
			sendCtx, sendCancel := context.WithTimeout(ctx, requestTimeout)
			err := mgr.SendUserText(sendCtx, msg.Text)
			sendCancel()
			if err != nil {
				s.enqueue(outbound, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent, Code: "send_failed", Retryable: true, Detail: err.Error(),
				})
			}
		case protocol.CallerControl:
			switch msg.Action {
			case protocol.ActionEnd:
				break readLoop
			case protocol.ActionReconnect:
				go func() {
					rcCtx, rcCancel := context.WithTimeout(context.Background(), reconnectTimeout)
					defer rcCancel()
					_ = mgr.ForceReconnect(rcCtx)
				}()
			}
		}
	}

	_ = mgr.Stop()
	disp.Stop()
	cancel()
	<-pumpDone
	<-playbackDone
	<-writerDone
	_ = p.Close()
}

// writeDirect sends one frame before the writer goroutine exists.
func (s *Server) writeDirect(conn *websocket.Conn, msg any) {
	data, err := protocol.MarshalServerMessage(msg)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	s.metrics.IncCallerMessage("outbound", messageTypeOf(msg))
}

// enqueue queues an outbound frame, dropping when the writer is saturated
// so websocket writes stay single-threaded and the voice path never blocks.
func (s *Server) enqueue(out chan<- any, msg any) {
	select {
	case out <- msg:
	default:
		s.metrics.IncCallerMessage("outbound_dropped", messageTypeOf(msg))
	}
}

// wsSink forwards pump-side conversation events to the caller socket.
type wsSink struct {
	srv *Server
	out chan<- any
}

func (s *wsSink) Transcript(role, text string) {
	s.srv.enqueue(s.out, protocol.Transcript{
		Type: protocol.TypeTranscript,
		Role: role,
		Text: text,
		TSMs: time.Now().UnixMilli(),
	})
}

func (s *wsSink) TurnEnded() {
	s.srv.enqueue(s.out, protocol.TurnEnd{Type: protocol.TypeTurnEnd})
}

func (s *wsSink) Reconnected() {
	s.srv.enqueue(s.out, protocol.SessionEvent{Type: protocol.TypeSessionEvent, Code: "reconnected"})
}

func (s *wsSink) Failed(err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.srv.enqueue(s.out, protocol.SessionEvent{Type: protocol.TypeSessionEvent, Code: "failed", Detail: detail})
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.CallerAudioChunk:
		return string(m.Type)
	case protocol.CallerText:
		return string(m.Type)
	case protocol.CallerControl:
		return string(m.Type)
	case protocol.PlaybackAudioChunk:
		return string(m.Type)
	case protocol.Transcript:
		return string(m.Type)
	case protocol.TurnEnd:
		return string(m.Type)
	case protocol.SessionEvent:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}
