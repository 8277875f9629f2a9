package audio

import (
	"sync"
	"time"
)

// Upstream converts the model's fixed mono output into caller-format
// playback frames. A small ring of ready frames decouples arrival pace
// from playback pace: underruns are filled with silence instead of
// blocking, and on overrun the oldest frame is dropped so playback stays
// close to live.
type Upstream struct {
	channels     int
	frameSamples int
	ringCap      int

	mu       sync.Mutex
	rs       *Resampler
	pending  []int16
	ring     [][]int16
	underrun uint64
	overrun  uint64
}

// NewUpstream builds a converter from the model output rate to the caller's
// playback rate and channel layout. frameDuration fixes the size of frames
// handed to the playback sink; ringCap bounds how many sit ready.
func NewUpstream(callerRate, callerChannels int, frameDuration time.Duration, ringCap int) (*Upstream, error) {
	rs, err := NewResampler(ModelOutputRate, callerRate)
	if err != nil {
		return nil, err
	}
	if callerChannels != 1 && callerChannels != 2 {
		return nil, ErrFormat
	}
	samples := int(frameDuration.Seconds() * float64(callerRate))
	if samples < 1 {
		samples = 1
	}
	if ringCap < 1 {
		ringCap = 1
	}
	return &Upstream{
		channels:     callerChannels,
		frameSamples: samples,
		ringCap:      ringCap,
		rs:           rs,
	}, nil
}

// Push accepts one decoded mono chunk at the model output rate and slices
// the converted audio into ready playback frames.
func (u *Upstream) Push(mono []int16) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.pending = append(u.pending, u.rs.Process(mono)...)
	for len(u.pending) >= u.frameSamples {
		frame := DuplicateChannels(u.pending[:u.frameSamples], u.channels)
		u.pending = u.pending[u.frameSamples:]
		if len(u.ring) >= u.ringCap {
			u.ring = u.ring[1:]
			u.overrun++
		}
		u.ring = append(u.ring, frame)
	}
}

// Pull returns the next playback frame, or a silent frame on underrun.
func (u *Upstream) Pull() []int16 {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.ring) == 0 {
		u.underrun++
		return make([]int16, u.frameSamples*u.channels)
	}
	frame := u.ring[0]
	u.ring = u.ring[1:]
	return frame
}

// Buffered reports how many frames are ready for playback.
func (u *Upstream) Buffered() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.ring)
}

// Stats reports underrun and overrun counts since construction.
func (u *Upstream) Stats() (underruns, overruns uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.underrun, u.overrun
}
