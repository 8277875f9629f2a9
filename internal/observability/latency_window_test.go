package observability

import "testing"

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe(StageReconnectCutover, 500)
	w.Observe(StageReconnectCutover, 700)
	w.Observe(StageReconnectCutover, 900)
	w.Mark("delegation_late_result")
	w.Mark("delegation_late_result")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}

	marked := snap.Stages[0]
	if marked.Stage != "delegation_late_result" || marked.Count != 2 || marked.Samples != 0 {
		t.Fatalf("marked stage = %+v, want count 2 with no samples", marked)
	}

	s := snap.Stages[1]
	if s.Stage != StageReconnectCutover {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageReconnectCutover)
	}
	if s.Count != 3 || s.Samples != 3 {
		t.Fatalf("Count/Samples = %d/%d, want 3/3", s.Count, s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %.2f, want 1500", s.TargetP95MS)
	}
}

func TestLatencyWindowEvictsOldest(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe(StageDelegationTotal, float64(i*100))
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Count != 10 {
		t.Fatalf("Count = %d, want 10", s.Count)
	}
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4 after eviction", s.Samples)
	}
	if s.LastMS != 1000 {
		t.Fatalf("LastMS = %.2f, want 1000", s.LastMS)
	}
	// Only the last four observations (700..1000) survive.
	if s.P50MS < 700 || s.P99MS > 1000 {
		t.Fatalf("window kept stale samples: %+v", s)
	}
}

func TestLatencyWindowNilSafe(t *testing.T) {
	var w *LatencyWindow
	w.Observe(StageTurnFirstAudio, 10)
	w.Mark("x")
	w.Reset()
	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil window snapshot has stages: %+v", snap.Stages)
	}
}
