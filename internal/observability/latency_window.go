package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names observed by the latency window.
const (
	StageReconnectCutover = "reconnect_cutover"
	StageDelegationTotal  = "delegation_total"
	StageTurnFirstAudio   = "turn_first_audio"
)

// StageStats summarizes one stage over the rolling window. Stages marked
// without a duration carry only Count.
type StageStats struct {
	Stage       string  `json:"stage"`
	Count       int     `json:"count"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms,omitempty"`
	AvgMS       float64 `json:"avg_ms,omitempty"`
	P50MS       float64 `json:"p50_ms,omitempty"`
	P95MS       float64 `json:"p95_ms,omitempty"`
	P99MS       float64 `json:"p99_ms,omitempty"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// LatencyWindow answers "how is the call doing right now": a bounded set
// of recent per-stage latencies plus bare occurrence counts, served by the
// perf endpoint. Prometheus histograms cover long-term recording.
type LatencyWindow struct {
	mu     sync.RWMutex
	limit  int
	stages map[string]*stageSeries
}

// stageSeries holds the newest samples oldest-first, plus a running total
// that survives eviction.
type stageSeries struct {
	total  int
	lastMS float64
	recent []float64
}

func (s *stageSeries) add(ms float64, limit int) {
	s.total++
	s.lastMS = ms
	if len(s.recent) < limit {
		s.recent = append(s.recent, ms)
		return
	}
	copy(s.recent, s.recent[1:])
	s.recent[len(s.recent)-1] = ms
}

func (s *stageSeries) stats(stage string) StageStats {
	out := StageStats{
		Stage:   stage,
		Count:   s.total,
		Samples: len(s.recent),
	}
	if len(s.recent) == 0 {
		return out
	}

	sorted := append([]float64(nil), s.recent...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	out.LastMS = roundMS(s.lastMS)
	out.AvgMS = roundMS(sum / float64(len(sorted)))
	out.P50MS = roundMS(rank(sorted, 0.50))
	out.P95MS = roundMS(rank(sorted, 0.95))
	out.P99MS = roundMS(rank(sorted, 0.99))
	out.TargetP95MS = stageTargetP95MS(stage)
	return out
}

func NewLatencyWindow(limit int) *LatencyWindow {
	if limit <= 0 {
		limit = 256
	}
	return &LatencyWindow{
		limit:  limit,
		stages: make(map[string]*stageSeries),
	}
}

// series returns the stage's series, creating it on first use. Caller
// holds the write lock.
func (w *LatencyWindow) series(stage string) *stageSeries {
	s, ok := w.stages[stage]
	if !ok {
		s = &stageSeries{}
		w.stages[stage] = s
	}
	return s
}

// Observe records one latency sample for the stage.
func (w *LatencyWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.series(stage).add(ms, w.limit)
}

// Mark counts an occurrence that has no meaningful duration, such as a
// late delegation result being discarded.
func (w *LatencyWindow) Mark(stage string) {
	if w == nil || stage == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.series(stage).total++
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	snap := LatencySnapshot{GeneratedAt: time.Now().UTC()}
	if w == nil {
		return snap
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap.WindowSize = w.limit
	names := make([]string, 0, len(w.stages))
	for name := range w.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	snap.Stages = make([]StageStats, 0, len(names))
	for _, name := range names {
		snap.Stages = append(snap.Stages, w.stages[name].stats(name))
	}
	return snap
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*stageSeries)
}

// rank picks the nearest-rank quantile from an ascending sample set.
func rank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	i := int(math.Ceil(q*float64(len(sorted)))) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}

// Rough interactivity targets. A reconnect cutover longer than the caller
// frame cadence is audible; a delegation past five seconds needs the
// holding reply anyway.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageReconnectCutover:
		return 1500
	case StageDelegationTotal:
		return 5000
	case StageTurnFirstAudio:
		return 1200
	default:
		return 0
	}
}
