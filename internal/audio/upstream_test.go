package audio

import (
	"testing"
	"time"
)

func TestUpstreamUnderrunEmitsSilence(t *testing.T) {
	u, err := NewUpstream(48000, 2, 20*time.Millisecond, 4)
	if err != nil {
		t.Fatalf("NewUpstream() error = %v", err)
	}

	frame := u.Pull()
	if len(frame) != 960*2 {
		t.Fatalf("Pull() len = %d, want %d", len(frame), 960*2)
	}
	for i, s := range frame {
		if s != 0 {
			t.Fatalf("underrun frame has energy at %d: %d", i, s)
		}
	}
	if under, _ := u.Stats(); under != 1 {
		t.Fatalf("underruns = %d, want 1", under)
	}
}

func TestUpstreamOverrunDropsOldest(t *testing.T) {
	u, err := NewUpstream(ModelOutputRate, 1, 10*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewUpstream() error = %v", err)
	}

	// Three full frames into a ring of two. At a 1:1 rate the resampler
	// lags one sample, so feed a little extra to complete the third frame.
	chunk := make([]int16, 240)
	for i := 0; i < 3; i++ {
		u.Push(chunk)
	}
	u.Push(make([]int16, 8))

	if got := u.Buffered(); got != 2 {
		t.Fatalf("Buffered() = %d, want 2", got)
	}
	if _, over := u.Stats(); over != 1 {
		t.Fatalf("overruns = %d, want 1", over)
	}
}

func TestUpstreamDuplicatesChannels(t *testing.T) {
	u, err := NewUpstream(ModelOutputRate, 2, 10*time.Millisecond, 4)
	if err != nil {
		t.Fatalf("NewUpstream() error = %v", err)
	}

	mono := make([]int16, 260)
	for i := range mono {
		mono[i] = int16(100 + i)
	}
	u.Push(mono)

	if u.Buffered() == 0 {
		t.Fatal("Buffered() = 0, want a ready frame")
	}
	frame := u.Pull()
	for i := 0; i+1 < len(frame); i += 2 {
		if frame[i] != frame[i+1] {
			t.Fatalf("channels differ at sample %d: %d vs %d", i/2, frame[i], frame[i+1])
		}
	}
}

func TestNewUpstreamRejectsBadLayout(t *testing.T) {
	if _, err := NewUpstream(48000, 6, 20*time.Millisecond, 4); err == nil {
		t.Fatal("NewUpstream() error = nil, want format error")
	}
}
