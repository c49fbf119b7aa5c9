package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// stageTargets are the p95 latency budgets reported next to each stage.
var stageTargets = map[string]time.Duration{
	"context_fetch":      350 * time.Millisecond,
	"activate_to_ready":  800 * time.Millisecond,
	"generation":         2500 * time.Millisecond,
	"commit_to_dispatch": 3 * time.Second,
	"deactivate_to_idle": 50 * time.Millisecond,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window slower than the budget.
	OverTarget int `json:"over_target,omitempty"`
}

type Indicator struct {
	Name   string    `json:"name"`
	Count  int       `json:"count"`
	LastAt time.Time `json:"last_at"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	MaxAge      string       `json:"max_age,omitempty"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

type stageSample struct {
	at time.Time
	d  time.Duration
}

// stageWindow keeps recent latencies per coordination stage, bounded by
// count and by age, so /v1/perf/latency can answer without a Prometheus query.
type stageWindow struct {
	mu         sync.Mutex
	limit      int
	maxAge     time.Duration
	now        func() time.Time
	samples    map[string][]stageSample
	indicators map[string]*Indicator
}

func newStageWindow(limit int, maxAge time.Duration) *stageWindow {
	if limit <= 0 {
		limit = 256
	}
	return &stageWindow{
		limit:      limit,
		maxAge:     maxAge,
		now:        time.Now,
		samples:    make(map[string][]stageSample),
		indicators: make(map[string]*Indicator),
	}
}

func (w *stageWindow) Observe(stage string, d time.Duration) {
	stage = strings.TrimSpace(stage)
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.trimLocked(append(w.samples[stage], stageSample{at: w.now(), d: d}))
	w.samples[stage] = kept
}

// trimLocked drops samples past the age limit, then the oldest beyond the
// count limit. Samples are in arrival order.
func (w *stageWindow) trimLocked(s []stageSample) []stageSample {
	start := 0
	if w.maxAge > 0 {
		cutoff := w.now().Add(-w.maxAge)
		for start < len(s) && s[start].at.Before(cutoff) {
			start++
		}
	}
	if n := len(s) - start; n > w.limit {
		start += n - w.limit
	}
	if start == 0 {
		return s
	}
	return append(s[:0:0], s[start:]...)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ind, ok := w.indicators[name]
	if !ok {
		ind = &Indicator{Name: name}
		w.indicators[name] = ind
	}
	ind.Count++
	ind.LastAt = w.now().UTC()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: w.now().UTC(),
		WindowSize:  w.limit,
		Stages:      []StageStats{},
	}
	if w.maxAge > 0 {
		snap.MaxAge = w.maxAge.String()
	}
	for stage, s := range w.samples {
		s = w.trimLocked(s)
		w.samples[stage] = s
		if len(s) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarizeStage(stage, s))
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for _, ind := range w.indicators {
		snap.Indicators = append(snap.Indicators, *ind)
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func summarizeStage(stage string, s []stageSample) StageStats {
	sorted := make([]time.Duration, len(s))
	var sum time.Duration
	for i, sample := range s {
		sorted[i] = sample.d
		sum += sample.d
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	stats := StageStats{
		Stage:   stage,
		Samples: len(s),
		LastMS:  millis(s[len(s)-1].d),
		AvgMS:   millis(sum / time.Duration(len(s))),
		P50MS:   millis(nearestRank(sorted, 0.50)),
		P95MS:   millis(nearestRank(sorted, 0.95)),
		MaxMS:   millis(sorted[len(sorted)-1]),
	}
	if target, ok := stageTargets[stage]; ok {
		stats.TargetP95MS = millis(target)
		stats.OverTarget = len(sorted) - sort.Search(len(sorted), func(i int) bool { return sorted[i] > target })
	}
	return stats
}

func nearestRank(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
