package history

import (
	"fmt"
	"testing"
)

func TestLogEvictsOldestBeyondCapacity(t *testing.T) {
	log := NewLog(10)
	for i := 0; i < 25; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		log.Append(Turn{Role: role, Text: fmt.Sprintf("turn %d", i)})
	}

	got := log.Snapshot()
	if len(got) != 10 {
		t.Fatalf("Snapshot() len = %d, want 10", len(got))
	}
	for i, turn := range got {
		want := fmt.Sprintf("turn %d", 15+i)
		if turn.Text != want {
			t.Fatalf("Snapshot()[%d].Text = %q, want %q", i, turn.Text, want)
		}
	}
}

func TestLogSnapshotIsACopy(t *testing.T) {
	log := NewLog(4)
	log.Append(Turn{Role: RoleUser, Text: "first"})

	snap := log.Snapshot()
	log.Append(Turn{Role: RoleAssistant, Text: "second"})

	if len(snap) != 1 || snap[0].Text != "first" {
		t.Fatalf("snapshot mutated by later append: %+v", snap)
	}
	if log.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", log.Len())
	}
}

func TestLogAppendFillsTimestamp(t *testing.T) {
	log := NewLog(2)
	log.Append(Turn{Role: RoleUser, Text: "hi"})

	if log.Snapshot()[0].At.IsZero() {
		t.Fatal("Append() left zero timestamp")
	}
}

func TestNewLogRaisesNonPositiveCapacity(t *testing.T) {
	log := NewLog(0)
	if log.Cap() != 1 {
		t.Fatalf("Cap() = %d, want 1", log.Cap())
	}
	log.Append(Turn{Role: RoleUser, Text: "a"})
	log.Append(Turn{Role: RoleUser, Text: "b"})
	if got := log.Snapshot(); len(got) != 1 || got[0].Text != "b" {
		t.Fatalf("Snapshot() = %+v, want single newest turn", got)
	}
}
