package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/audio"
	"github.com/voxwire/voxwire/internal/history"
	"github.com/voxwire/voxwire/internal/observability"
	"github.com/voxwire/voxwire/internal/wire"
)

var (
	// ErrConnection reports a handshake or wire failure that survived the
	// configured retries.
	ErrConnection = errors.New("connection error")
	// ErrInvalidState reports an operation attempted in a state that
	// forbids it. Not retried; it is a caller bug.
	ErrInvalidState = errors.New("invalid session state")
)

// State is the session lifecycle position.
type State int32

const (
	StateClosed State = iota
	StateStarting
	StateActive
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind labels events surfaced to the pump.
type EventKind string

const (
	EventAudio        EventKind = "audio"
	EventText         EventKind = "text"
	EventTurnComplete EventKind = "turn_complete"
	EventReconnected  EventKind = "reconnected"
	EventFailed       EventKind = "failed"
)

// Event is one decoded occurrence on the model stream: an audio chunk at
// the model output rate, a text fragment, a turn boundary, or a lifecycle
// notice.
type Event struct {
	Kind EventKind
	Role string
	Text string
	PCM  []int16
	Err  error
}

// TextTap observes the assistant's outgoing text before it is recorded.
// The dispatcher implements it to strip delegation tags so they never reach
// transcripts or history.
type TextTap interface {
	FilterAssistant(fragment string) string
	TurnComplete()
	StreamClosed()
}

// Config bounds one conversation's stream lifecycle.
type Config struct {
	URL          string
	VoiceID      string
	SystemPrompt string
	MaxTokens    int
	TopP         float64
	Temperature  float64

	MaxLifetime     time.Duration
	ReconnectMargin time.Duration

	HandshakeRetries      int
	HandshakeBackoff      time.Duration
	ReconnectFailureLimit int
}

// Manager owns the single live stream to the speech model and makes its
// hard per-connection lifetime invisible: shortly before the limit it cuts
// over to a fresh stream whose handshake replays recent history. The
// current Handle is swapped atomically, so senders never observe a half
// built one; the manager's mutex serializes start, reconnect and stop, so
// a reconnect in progress always runs to completion before a stop lands.
type Manager struct {
	cfg     Config
	dialer  wire.Dialer
	log     *history.Log
	archive history.Archive
	metrics *observability.Metrics
	callID  string
	tap     TextTap

	mu      sync.Mutex
	started bool

	state   atomic.Int32
	handle  atomic.Pointer[Handle]
	dropped atomic.Uint64

	events     chan Event
	claimed    atomic.Bool
	eventsOnce sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup

	pendingMu        sync.Mutex
	pendingUser      strings.Builder
	pendingAssistant strings.Builder
}

func NewManager(cfg Config, dialer wire.Dialer, log *history.Log, archive history.Archive, metrics *observability.Metrics) *Manager {
	if archive == nil {
		archive = history.NopArchive{}
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		log:     log,
		archive: archive,
		metrics: metrics,
		callID:  uuid.NewString(),
		events:  make(chan Event, 256),
	}
}

// CallID identifies this conversation across reconnects.
func (m *Manager) CallID() string { return m.callID }

// SetTextTap must be called before Start.
func (m *Manager) SetTextTap(tap TextTap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tap = tap
}

// State reports the current lifecycle position.
func (m *Manager) State() State { return State(m.state.Load()) }

// DroppedFrames counts audio chunks discarded because no stream was ready.
func (m *Manager) DroppedFrames() uint64 { return m.dropped.Load() }

// History returns the bounded turn log backing reconnect replay.
func (m *Manager) History() *history.Log { return m.log }

// Start opens the first stream. systemContext overrides the configured
// system prompt when non-empty. A second Start, in any state, fails with
// ErrInvalidState.
func (m *Manager) Start(ctx context.Context, systemContext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, m.State())
	}
	m.started = true
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.setState(StateStarting)

	base := strings.TrimSpace(systemContext)
	if base == "" {
		base = m.cfg.SystemPrompt
	}

	h, err := m.connect(ctx, base)
	if err != nil {
		m.setState(StateFailed)
		m.runCancel()
		m.closeEvents()
		return err
	}
	m.install(h)
	m.setState(StateActive)
	return nil
}

// Events returns the decoded event stream. It is claimed once; obtaining
// it twice is an error.
func (m *Manager) Events() (<-chan Event, error) {
	if m.claimed.Swap(true) {
		return nil, fmt.Errorf("%w: events already claimed", ErrInvalidState)
	}
	return m.events, nil
}

// SendAudio ships one mono model-rate chunk. Only Active sends; Starting
// and Reconnecting drop the chunk without blocking, because stale live
// audio has no catch-up value; Closed and Failed reject.
func (m *Manager) SendAudio(ctx context.Context, pcm []int16) error {
	switch m.State() {
	case StateActive:
		h := m.handle.Load()
		if h == nil {
			m.dropped.Add(1)
			m.metrics.IncDroppedAudio()
			return nil
		}
		if err := h.sendAudioChunk(ctx, pcm); err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		return nil
	case StateStarting, StateReconnecting:
		m.dropped.Add(1)
		m.metrics.IncDroppedAudio()
		return nil
	default:
		return fmt.Errorf("%w: send audio while %s", ErrInvalidState, m.State())
	}
}

// SendUserText ships a typed user message as a complete text block and
// records it as a user turn.
func (m *Manager) SendUserText(ctx context.Context, text string) error {
	if m.State() != StateActive {
		return fmt.Errorf("%w: send text while %s", ErrInvalidState, m.State())
	}
	h := m.handle.Load()
	if h == nil {
		return fmt.Errorf("%w: no active stream", ErrConnection)
	}
	if err := h.sendText(ctx, wire.RoleUser, text); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	m.appendTurn(history.Turn{Role: history.RoleUser, Text: text})
	return nil
}

// ForceReconnect appends the injected turns to history and cuts over to a
// fresh stream whose handshake replays them. The dispatcher uses it to
// voice delegation results.
func (m *Manager) ForceReconnect(ctx context.Context, injected ...history.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.state.Load()) != StateActive {
		return fmt.Errorf("%w: force reconnect while %s", ErrInvalidState, m.State())
	}
	return m.reconnectLocked(ctx, "forced", injected...)
}

// Stop closes the conversation from any state. It always succeeds and is
// idempotent; later operations fail with ErrInvalidState.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State(m.state.Load())
	if m.started && (st == StateClosed || st == StateFailed) {
		m.setState(StateClosed)
		return nil
	}
	if !m.started {
		m.started = true
		m.setState(StateClosed)
		m.closeEvents()
		return nil
	}

	if m.tap != nil {
		m.tap.StreamClosed()
	}
	m.flushPendingTurns()

	if h := m.handle.Load(); h != nil {
		h.gracefulClose()
	}
	m.runCancel()
	m.loopWG.Wait()
	m.closeEvents()
	m.setState(StateClosed)
	return nil
}

// connect dials and performs the handshake, retrying with exponential
// backoff up to the configured bound.
func (m *Manager) connect(ctx context.Context, baseSystemText string) (*Handle, error) {
	systemText := renderSystemText(baseSystemText, m.log.Snapshot())

	retries := m.cfg.HandshakeRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.HandshakeBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
			case <-time.After(backoff):
			}
		}

		stream, err := m.dialer.Dial(ctx, m.cfg.URL)
		if err != nil {
			lastErr = err
			continue
		}
		h, err := openHandle(ctx, stream, handshakeParams{
			SystemText:  systemText,
			VoiceID:     m.cfg.VoiceID,
			MaxTokens:   m.cfg.MaxTokens,
			TopP:        m.cfg.TopP,
			Temperature: m.cfg.Temperature,
		})
		if err != nil {
			_ = stream.Close()
			lastErr = err
			continue
		}
		return h, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrConnection, lastErr)
}

func (m *Manager) install(h *Handle) {
	m.handle.Store(h)
	m.loopWG.Add(2)
	go m.recvLoop(h)
	go m.lifeWatcher(h)
}

// reconnectLocked performs the Active -> Reconnecting -> Active cutover.
// Caller holds m.mu. Events from the old and new stream never interleave:
// the old receive loop is drained before the new handshake begins.
func (m *Manager) reconnectLocked(ctx context.Context, reason string, injected ...history.Turn) error {
	cutoverStart := time.Now()
	m.setState(StateReconnecting)
	m.metrics.IncReconnect(reason)

	if m.tap != nil {
		m.tap.StreamClosed()
	}
	m.flushPendingTurns()

	if old := m.handle.Load(); old != nil {
		old.gracefulClose()
		select {
		case <-old.loopDone:
		case <-time.After(closeTimeout):
		}
	}

	// Injected turns land before the handshake is built, so they appear in
	// the replayed context in completion order.
	for _, t := range injected {
		m.appendTurn(t)
	}

	var (
		h   *Handle
		err error
	)
	limit := m.cfg.ReconnectFailureLimit
	if limit < 1 {
		limit = 1
	}
	for attempt := 0; attempt < limit; attempt++ {
		h, err = m.connect(ctx, m.cfg.SystemPrompt)
		if err == nil {
			break
		}
	}
	if err != nil {
		m.setState(StateFailed)
		m.emit(Event{Kind: EventFailed, Err: err})
		m.runCancel()
		m.loopWG.Wait()
		m.closeEvents()
		return err
	}

	m.install(h)
	m.setState(StateActive)
	m.metrics.ObserveStage(observability.StageReconnectCutover, time.Since(cutoverStart))
	m.emit(Event{Kind: EventReconnected})
	return nil
}

// reconnectCurrent is the unlocked entry used by the lifetime watcher and
// the receive loop's error path. It is a no-op unless h is still the
// current handle of an Active session.
func (m *Manager) reconnectCurrent(h *Handle, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle.Load() != h || State(m.state.Load()) != StateActive {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = m.reconnectLocked(ctx, reason)
}

func (m *Manager) recvLoop(h *Handle) {
	defer m.loopWG.Done()

	// Role and generation stage of the content block currently streaming.
	role := wire.RoleAssistant
	speculative := false

	for {
		env, err := h.stream.Recv(m.runCtx)
		if err != nil {
			h.markLoopDone()
			if h.closedLocally() || m.runCtx.Err() != nil {
				return
			}
			// Mid-stream wire failure: treat it like the lifetime timer
			// firing early. Untracked goroutine so Stop never waits on a
			// reconnect that waits on Stop's lock.
			go m.reconnectCurrent(h, "wire_error")
			return
		}
		// Once a successor stream is installed, anything still buffered on
		// this one predates the cutover and must not interleave with it.
		if m.handle.Load() != h {
			h.markLoopDone()
			return
		}
		m.metrics.IncModelEvent(env.Kind())

		switch {
		case env.Event.ContentStart != nil:
			cs := env.Event.ContentStart
			if cs.Role != "" {
				role = cs.Role
			}
			speculative = cs.IsSpeculative()
		case env.Event.TextOutput != nil:
			r := env.Event.TextOutput.Role
			if r == "" {
				r = role
			}
			m.handleText(r, speculative, env.Event.TextOutput.Content)
		case env.Event.AudioOutput != nil:
			data, err := base64.StdEncoding.DecodeString(env.Event.AudioOutput.Content)
			if err != nil {
				m.metrics.IncModelEvent("bad_audio")
				continue
			}
			pcm, err := audio.BytesToPCM16(data)
			if err != nil {
				m.metrics.IncModelEvent("bad_audio")
				continue
			}
			m.emit(Event{Kind: EventAudio, PCM: pcm})
		case env.Event.CompletionEnd != nil:
			if m.tap != nil {
				m.tap.TurnComplete()
			}
			m.flushPendingTurns()
			m.emit(Event{Kind: EventTurnComplete})
		}
	}
}

// handleText routes one text fragment. The model emits assistant text
// twice, a speculative early pass and a final one; only the final pass is
// recorded and scanned so delegation tags fire exactly once.
func (m *Manager) handleText(role string, speculative bool, text string) {
	switch role {
	case wire.RoleAssistant:
		if speculative {
			return
		}
		filtered := text
		if m.tap != nil {
			filtered = m.tap.FilterAssistant(text)
		}
		if filtered == "" {
			return
		}
		m.pendingMu.Lock()
		m.pendingAssistant.WriteString(filtered)
		m.pendingMu.Unlock()
		m.emit(Event{Kind: EventText, Role: history.RoleAssistant, Text: filtered})
	case wire.RoleUser:
		if strings.TrimSpace(text) == "" {
			return
		}
		m.pendingMu.Lock()
		m.pendingUser.WriteString(text)
		m.pendingMu.Unlock()
		m.emit(Event{Kind: EventText, Role: history.RoleUser, Text: text})
	}
}

// lifeWatcher reconnects shortly before the provider's hard stream
// lifetime would cut the call mid-sentence.
func (m *Manager) lifeWatcher(h *Handle) {
	defer m.loopWG.Done()

	wait := m.cfg.MaxLifetime - m.cfg.ReconnectMargin - time.Since(h.StartedAt)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-m.runCtx.Done():
	case <-h.loopDone:
	case <-timer.C:
		go m.reconnectCurrent(h, "lifetime")
	}
}

// flushPendingTurns commits the transcripts accumulated since the last
// turn boundary, user utterance first: fragmented model transcripts form
// exactly one turn per speaker per turn.
func (m *Manager) flushPendingTurns() {
	m.pendingMu.Lock()
	user := strings.TrimSpace(m.pendingUser.String())
	assistant := strings.TrimSpace(m.pendingAssistant.String())
	m.pendingUser.Reset()
	m.pendingAssistant.Reset()
	m.pendingMu.Unlock()
	if user != "" {
		m.appendTurn(history.Turn{Role: history.RoleUser, Text: user})
	}
	if assistant != "" {
		m.appendTurn(history.Turn{Role: history.RoleAssistant, Text: assistant})
	}
}

// appendTurn records a turn in the bounded replay log and, best effort, in
// the durable archive. Archiving never gates the voice path.
func (m *Manager) appendTurn(turn history.Turn) {
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	m.log.Append(turn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.archive.SaveTurn(ctx, m.callID, turn)
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.metrics.SetSessionState(int(s))
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.runCtx.Done():
	}
}

func (m *Manager) closeEvents() {
	m.eventsOnce.Do(func() { close(m.events) })
}

// renderSystemText serializes the replay window into the system context,
// oldest first, so a fresh stream resumes mid-conversation.
func renderSystemText(base string, turns []history.Turn) string {
	if len(turns) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nThe conversation so far, oldest first:\n")
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("Continue the conversation naturally from this point.")
	return b.String()
}
