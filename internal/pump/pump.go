// Package pump moves audio and text between the caller-facing transport
// and the model session at a steady real-time cadence.
package pump

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/audio"
	"github.com/voxwire/voxwire/internal/observability"
	"github.com/voxwire/voxwire/internal/session"
)

// Recording is capped so a runaway call cannot grow without bound.
const maxRecordSamples = audio.ModelInputRate * 60 * 30

// Sink receives the non-audio side of the conversation: transcripts, turn
// boundaries and lifecycle notices headed for the caller.
type Sink interface {
	Transcript(role, text string)
	TurnEnded()
	Reconnected()
	Failed(err error)
}

// Session is the slice of the session manager the pump drives.
type Session interface {
	SendAudio(ctx context.Context, pcm []int16) error
	Events() (<-chan session.Event, error)
}

type Config struct {
	FrameDuration     time.Duration
	CallerSampleRate  int
	CallerChannels    int
	PlaybackBufferCap int
	MixerEnergyFloor  float64

	// RecordPath, when set, gets the mixed model-side capture as a WAV
	// file once the pump closes.
	RecordPath string
}

// Pump owns both real-time directions of one call. Capture runs on a
// ticker so the model receives frames at wall-clock pace no matter how
// bursty the caller transport is; playback is pull-based so the caller
// side drains at its own pace and stale audio is dropped, never replayed.
type Pump struct {
	cfg     Config
	sess    Session
	sink    Sink
	metrics *observability.Metrics

	down *audio.Downstream
	up   *audio.Upstream

	recMu sync.Mutex
	rec   []int16

	wg sync.WaitGroup
}

func New(cfg Config, sess Session, sink Sink, metrics *observability.Metrics) (*Pump, error) {
	if cfg.FrameDuration <= 0 {
		return nil, errors.New("frame duration must be positive")
	}
	up, err := audio.NewUpstream(cfg.CallerSampleRate, cfg.CallerChannels, cfg.FrameDuration, cfg.PlaybackBufferCap)
	if err != nil {
		return nil, err
	}
	return &Pump{
		cfg:     cfg,
		sess:    sess,
		sink:    sink,
		metrics: metrics,
		down:    audio.NewDownstream(cfg.FrameDuration, cfg.MixerEnergyFloor),
		up:      up,
	}, nil
}

// PushCallerFrame accepts one caller audio frame in whatever layout the
// caller uses and queues it for the next mixed capture tick.
func (p *Pump) PushCallerFrame(f audio.Frame) error {
	return p.down.PushFrame(f)
}

// PullPlayback returns the next caller-layout playback frame, silence when
// the model is quiet.
func (p *Pump) PullPlayback() []int16 {
	return p.up.Pull()
}

// RemoveParticipant drops a speaker's conversion state when they leave.
func (p *Pump) RemoveParticipant(id string) {
	p.down.RemoveParticipant(id)
}

// PlaybackBuffered reports how many playback frames are queued.
func (p *Pump) PlaybackBuffered() int {
	return p.up.Buffered()
}

// PlaybackStats reports playback underruns and overruns so far.
func (p *Pump) PlaybackStats() (underruns, overruns uint64) {
	return p.up.Stats()
}

// Run claims the session's event stream and blocks until it closes or ctx
// is canceled. The capture ticker runs for the same span.
func (p *Pump) Run(ctx context.Context) error {
	events, err := p.sess.Events()
	if err != nil {
		return err
	}

	capCtx, capCancel := context.WithCancel(ctx)
	p.wg.Add(1)
	go p.captureLoop(capCtx)
	defer func() {
		capCancel()
		p.wg.Wait()
	}()

	turnEnded := time.Now()
	awaitingAudio := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case session.EventAudio:
				if awaitingAudio {
					p.metrics.ObserveStage(observability.StageTurnFirstAudio, time.Since(turnEnded))
					awaitingAudio = false
				}
				p.up.Push(ev.PCM)
			case session.EventText:
				p.sink.Transcript(ev.Role, ev.Text)
			case session.EventTurnComplete:
				turnEnded = time.Now()
				awaitingAudio = true
				p.sink.TurnEnded()
			case session.EventReconnected:
				p.sink.Reconnected()
			case session.EventFailed:
				p.sink.Failed(ev.Err)
			}
		}
	}
}

// captureLoop ticks at the frame cadence and ships whatever the mixer has.
// Quiet ticks send nothing; the model's stream carries no silence filler.
func (p *Pump) captureLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunk, ok := p.down.NextChunk()
			if !ok {
				continue
			}
			p.record(chunk)
			if err := p.sess.SendAudio(ctx, chunk); err != nil {
				if errors.Is(err, session.ErrInvalidState) {
					return
				}
				// Wire errors reconnect underneath us; keep pacing.
			}
		}
	}
}

func (p *Pump) record(chunk []int16) {
	if p.cfg.RecordPath == "" {
		return
	}
	p.recMu.Lock()
	defer p.recMu.Unlock()
	if len(p.rec) >= maxRecordSamples {
		return
	}
	p.rec = append(p.rec, chunk...)
}

// Close flushes the optional capture recording. Call after Run returns.
func (p *Pump) Close() error {
	p.wg.Wait()
	if p.cfg.RecordPath == "" {
		return nil
	}
	p.recMu.Lock()
	rec := p.rec
	p.rec = nil
	p.recMu.Unlock()
	if len(rec) == 0 {
		return nil
	}
	return audio.WriteWAVFile(p.cfg.RecordPath, rec, audio.ModelInputRate, 1)
}
