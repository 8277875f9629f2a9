package history

import (
	"sync"
	"time"
)

// Log is a bounded FIFO of recent turns. When a new turn would exceed the
// capacity, the oldest turn is evicted. It is the working set replayed into
// a fresh model stream on reconnect.
type Log struct {
	mu    sync.RWMutex
	cap   int
	turns []Turn
}

// NewLog creates a log holding at most capacity turns. Capacity below 1 is
// raised to 1.
func NewLog(capacity int) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{cap: capacity}
}

// Append records one turn, evicting the oldest when full. A zero timestamp
// is filled in.
func (l *Log) Append(turn Turn) {
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turn)
	if over := len(l.turns) - l.cap; over > 0 {
		l.turns = append(l.turns[:0:0], l.turns[over:]...)
	}
}

// Snapshot returns the retained turns, oldest first. The returned slice is
// a copy and safe to hold across later appends.
func (l *Log) Snapshot() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len reports the number of retained turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Cap reports the configured capacity.
func (l *Log) Cap() int { return l.cap }
