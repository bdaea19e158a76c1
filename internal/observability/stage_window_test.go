package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	w.ObserveMS(StageClassify, 500)
	w.ObserveMS(StageClassify, 700)
	w.Observe(StageClassify, 1900*time.Millisecond)
	w.RecordEvent(EventLockedOut)
	w.RecordEvent(EventLockedOut)
	w.RecordEvent(EventResumed)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageClassify || s.Samples != 3 {
		t.Fatalf("stage = %q samples = %d, want classify x3", s.Stage, s.Samples)
	}
	if s.LastMS != 1900 {
		t.Fatalf("LastMS = %.2f, want 1900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS != 1900 {
		t.Fatalf("P95MS = %.2f, want 1900", s.P95MS)
	}
	if s.BudgetP95MS != 1500 || !s.OverBudget {
		t.Fatalf("budget = %.2f over = %v, want 1500 and over budget", s.BudgetP95MS, s.OverBudget)
	}

	want := []EventCount{{Event: EventLockedOut, Count: 2}, {Event: EventResumed, Count: 1}}
	if len(snap.Events) != len(want) {
		t.Fatalf("Events = %+v, want %+v", snap.Events, want)
	}
	for i := range want {
		if snap.Events[i] != want[i] {
			t.Fatalf("Events[%d] = %+v, want %+v", i, snap.Events[i], want[i])
		}
	}
}

func TestStageWindowKeepsMostRecentSamples(t *testing.T) {
	w := NewStageWindow(2)
	w.ObserveMS(StagePersist, 100)
	w.ObserveMS(StagePersist, 2)
	w.ObserveMS(StagePersist, 3)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 2.5 {
		t.Fatalf("AvgMS = %.2f, want 2.5", s.AvgMS)
	}
	if s.OverBudget {
		t.Fatalf("persist at 3ms should be within budget")
	}
}

func TestNilStageWindowSnapshot(t *testing.T) {
	var w *StageWindow
	w.ObserveMS(StageLoad, 1)
	w.RecordEvent(EventResumed)
	if snap := w.Snapshot(); snap.Stages == nil || len(snap.Stages) != 0 {
		t.Fatalf("nil window snapshot = %+v, want empty stages", snap)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncDecision("dispatch_faq")
	m.ObserveProviderCall("classify", "ok", time.Millisecond)
	m.AddPendingHandoffs(1)
}

func TestMetricsRegisterOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg, "test")
	m.IncDecision("dispatch_faq")
	m.IncTicketState("resolved")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "test_routing_decisions_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("routing_decisions_total not registered")
	}
}
