package audio

import (
	"fmt"
	"sync"
	"time"
)

// Downstream converts multi-participant caller audio into fixed-duration
// mono chunks at the model's input rate. Each participant gets its own
// resampler so phase state never crosses streams; chunks are mixed from
// whatever each participant has buffered, gated by an energy floor so idle
// streams do not add noise.
type Downstream struct {
	chunkSamples int
	energyFloor  float64

	mu    sync.Mutex
	parts map[string]*participantState
}

type participantState struct {
	rs       *Resampler
	srcRate  int
	channels int
	buf      []int16
}

// NewDownstream sizes chunks to frameDuration at the model input rate.
func NewDownstream(frameDuration time.Duration, energyFloor float64) *Downstream {
	samples := int(frameDuration.Seconds() * ModelInputRate)
	if samples < 1 {
		samples = 1
	}
	return &Downstream{
		chunkSamples: samples,
		energyFloor:  energyFloor,
		parts:        make(map[string]*participantState),
	}
}

// ChunkSamples reports the fixed per-chunk sample count.
func (d *Downstream) ChunkSamples() int { return d.chunkSamples }

// PushFrame decodes, downmixes and resamples one caller frame into the
// participant's buffer. Frames with unsupported parameters are rejected
// whole; nothing partial is buffered.
func (d *Downstream) PushFrame(f Frame) error {
	samples, err := f.Samples()
	if err != nil {
		return err
	}
	mono := DownmixToMono(samples, f.Channels)

	d.mu.Lock()
	defer d.mu.Unlock()

	id := f.Participant
	p := d.parts[id]
	if p == nil || p.srcRate != f.SampleRate || p.channels != f.Channels {
		rs, err := NewResampler(f.SampleRate, ModelInputRate)
		if err != nil {
			return fmt.Errorf("participant %q: %w", id, err)
		}
		p = &participantState{rs: rs, srcRate: f.SampleRate, channels: f.Channels}
		d.parts[id] = p
	}
	p.buf = append(p.buf, p.rs.Process(mono)...)
	return nil
}

// NextChunk mixes one fixed-duration chunk from the buffered participants.
// Participants below the energy floor are consumed but do not contribute.
// ok is false when no participant contributed anything.
func (d *Downstream) NextChunk() (chunk []int16, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	mix := make([]int, d.chunkSamples)
	for _, p := range d.parts {
		n := len(p.buf)
		if n == 0 {
			continue
		}
		if n > d.chunkSamples {
			n = d.chunkSamples
		}
		segment := p.buf[:n]
		p.buf = p.buf[n:]
		if meanAbs(segment) < d.energyFloor {
			continue
		}
		for i, s := range segment {
			mix[i] += int(s)
		}
		ok = true
	}
	if !ok {
		return nil, false
	}

	chunk = make([]int16, d.chunkSamples)
	for i, v := range mix {
		chunk[i] = clampSample(v)
	}
	return chunk, true
}

// RemoveParticipant drops a participant's buffer and resampler state.
func (d *Downstream) RemoveParticipant(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.parts, id)
}

func meanAbs(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(samples))
}
