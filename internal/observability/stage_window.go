package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names recorded for every handled message.
const (
	StageLoad      = "load_session"
	StageClassify  = "classify"
	StageDispatch  = "dispatch"
	StageAuth      = "auth_step"
	StageEscalate  = "escalate"
	StagePersist   = "persist"
	StageTurnTotal = "turn_total"
)

// Conversation events counted next to the stage latencies.
const (
	EventResumed          = "pending_query_resumed"
	EventLockedOut        = "auth_locked_out"
	EventAuthRestarted    = "auth_restarted"
	EventAuthInterrupted  = "auth_interrupted_by_escalation"
	EventProviderFailure  = "provider_failure"
	EventEscalationQueued = "escalation_pending_reply"
)

// stageBudgetP95MS is the p95 each stage should stay under.
var stageBudgetP95MS = map[string]float64{
	StageLoad:      150,
	StagePersist:   150,
	StageAuth:      1000,
	StageClassify:  1500,
	StageEscalate:  2500,
	StageDispatch:  3000,
	StageTurnTotal: 5000,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	OverBudget  bool    `json:"over_budget,omitempty"`
}

type EventCount struct {
	Event string `json:"event"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Events      []EventCount `json:"events,omitempty"`
}

// StageWindow keeps the most recent latencies per turn stage and running
// counts of conversation events. It backs /v1/perf/latency.
type StageWindow struct {
	mu       sync.Mutex
	capacity int
	stages   map[string]*latencies
	events   map[string]int
}

// latencies is a bounded sample buffer; once full, the oldest entry is
// overwritten.
type latencies struct {
	samples []float64
	oldest  int
	last    float64
}

func (l *latencies) add(ms float64, capacity int) {
	l.last = ms
	if len(l.samples) < capacity {
		l.samples = append(l.samples, ms)
		return
	}
	l.samples[l.oldest] = ms
	l.oldest = (l.oldest + 1) % capacity
}

func (l *latencies) stats(stage string) StageStats {
	sorted := append([]float64(nil), l.samples...)
	sort.Float64s(sorted)
	total := 0.0
	for _, v := range sorted {
		total += v
	}
	st := StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      roundMS(l.last),
		AvgMS:       roundMS(total / float64(len(sorted))),
		P50MS:       nearestRank(sorted, 50),
		P95MS:       nearestRank(sorted, 95),
		P99MS:       nearestRank(sorted, 99),
		BudgetP95MS: stageBudgetP95MS[stage],
	}
	st.OverBudget = st.BudgetP95MS > 0 && st.P95MS > st.BudgetP95MS
	return st
}

func NewStageWindow(capacity int) *StageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &StageWindow{
		capacity: capacity,
		stages:   make(map[string]*latencies),
		events:   make(map[string]int),
	}
}

func (w *StageWindow) Observe(stage string, d time.Duration) {
	w.ObserveMS(stage, float64(d.Microseconds())/1000)
}

func (w *StageWindow) ObserveMS(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.stages[stage]
	if !ok {
		l = &latencies{samples: make([]float64, 0, w.capacity)}
		w.stages[stage] = l
	}
	l.add(ms, w.capacity)
}

func (w *StageWindow) RecordEvent(event string) {
	if w == nil || event == "" {
		return
	}
	w.mu.Lock()
	w.events[event]++
	w.mu.Unlock()
}

// Snapshot reports stages and events sorted by name.
func (w *StageWindow) Snapshot() StageSnapshot {
	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	snap.WindowSize = w.capacity
	for stage, l := range w.stages {
		if len(l.samples) > 0 {
			snap.Stages = append(snap.Stages, l.stats(stage))
		}
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for event, n := range w.events {
		snap.Events = append(snap.Events, EventCount{Event: event, Count: n})
	}
	sort.Slice(snap.Events, func(i, j int) bool { return snap.Events[i].Event < snap.Events[j].Event })
	return snap
}

// nearestRank returns the smallest sample with at least pct percent of the
// samples at or below it.
func nearestRank(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return roundMS(sorted[rank-1])
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
