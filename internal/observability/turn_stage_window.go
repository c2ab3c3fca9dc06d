package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Turn stages recorded by the orchestrator and the context gatherer.
const (
	StageContextReady = "start_to_context_ready"
	StageFirstChunk   = "start_to_first_chunk"
	StageExtraction   = "extraction"
	StageTurnTotal    = "turn_total"
)

// stageTargets holds the p95 budget of each stage in milliseconds.
var stageTargets = map[string]float64{
	StageContextReady: 400,
	StageFirstChunk:   1200,
	StageExtraction:   900,
	StageTurnTotal:    4000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

// TurnIndicator counts policy outcomes such as goodbye completions or topic
// suggestions.
type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// ring keeps the most recent samples of one stage.
type ring struct {
	values []float64
	n      int
	next   int
	last   float64
}

func (r *ring) add(v float64) {
	r.values[r.next] = v
	r.next = (r.next + 1) % len(r.values)
	r.n = min(r.n+1, len(r.values))
	r.last = v
}

func (r *ring) sorted() []float64 {
	out := slices.Clone(r.values[:r.n])
	slices.Sort(out)
	return out
}

// turnStageWindow is the rolling latency window behind /v1/perf/latency.
type turnStageWindow struct {
	mu         sync.RWMutex
	size       int
	stages     map[string]*ring
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	return &turnStageWindow{
		size:       size,
		stages:     make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.stages[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.stages[stage] = r
	}
	r.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.stages)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.stages)) {
		if r := w.stages[stage]; r.n > 0 {
			snap.Stages = append(snap.Stages, summarize(stage, r))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		if count := w.indicators[name]; count > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
		}
	}
	return snap
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.stages)
	clear(w.indicators)
}

func summarize(stage string, r *ring) TurnStageStats {
	samples := r.sorted()
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	p95 := quantile(samples, 0.95)
	target := stageTargets[stage]
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       round2(quantile(samples, 0.50)),
		P95MS:       round2(p95),
		P99MS:       round2(quantile(samples, 0.99)),
		TargetP95MS: target,
		OverTarget:  target > 0 && p95 > target,
	}
}

// quantile interpolates linearly between the closest ranks.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
