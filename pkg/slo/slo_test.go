package slo

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/clock"
)

func TestComputeStatus_LatencyGoodRatio(t *testing.T) {
	c := clock.NewFrozen(time.Unix(1, 0))
	m := New(c)
	m.DefineSlo(Definition{ID: "lat", Type: Latency, Target: 0.99, ThresholdMs: 100, WindowSeconds: 3600})

	m.RecordEvent(Event{LatencyMs: 50, Timestamp: 1})
	m.RecordEvent(Event{LatencyMs: 50, Timestamp: 2})
	m.RecordEvent(Event{LatencyMs: 200, Timestamp: 3})

	st, ok := m.ComputeStatus("lat")
	if !ok {
		t.Fatal("expected slo to exist")
	}
	if st.Good != 2 || st.Total != 3 {
		t.Fatalf("good/total = %d/%d", st.Good, st.Total)
	}
}

func TestComputeStatus_FiltersByToolAndKey(t *testing.T) {
	c := clock.NewFrozen(time.Unix(1, 0))
	m := New(c)
	m.DefineSlo(Definition{ID: "avail", Type: Availability, Target: 0.9, WindowSeconds: 3600, Tools: []string{"search"}})

	m.RecordEvent(Event{Tool: "search", Success: true, Timestamp: 1})
	m.RecordEvent(Event{Tool: "other", Success: false, Timestamp: 2})

	st, _ := m.ComputeStatus("avail")
	if st.Total != 1 || st.Good != 1 {
		t.Fatalf("status = %+v, expected only the search-tool event counted", st)
	}
}

func TestComputeStatus_NoEventsDefaultsToFullyCompliant(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c)
	m.DefineSlo(Definition{ID: "empty", Type: ErrorRate, Target: 0.99, WindowSeconds: 60})

	st, _ := m.ComputeStatus("empty")
	if st.Current != 1 {
		t.Fatalf("current = %v, want 1 when total=0", st.Current)
	}
}

func TestRecordEvent_BudgetExhaustedAlert(t *testing.T) {
	c := clock.NewFrozen(time.Unix(1, 0))
	m := New(c)
	m.DefineSlo(Definition{ID: "err", Type: ErrorRate, Target: 0.99, WindowSeconds: 3600})

	var alerts []Alert
	for i := 0; i < 10; i++ {
		alerts = append(alerts, m.RecordEvent(Event{Success: false, Timestamp: int64(i + 1)})...)
	}

	found := false
	for _, a := range alerts {
		if a.Type == "budget_exhausted" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected budget_exhausted alert after sustained failures")
	}
}

func TestRecordEvent_AlertsDeduplicatedWithin60Seconds(t *testing.T) {
	c := clock.NewFrozen(time.Unix(1, 0))
	m := New(c)
	m.DefineSlo(Definition{ID: "err", Type: ErrorRate, Target: 0.99, WindowSeconds: 3600})

	a1 := m.RecordEvent(Event{Success: false, Timestamp: 1})
	a2 := m.RecordEvent(Event{Success: false, Timestamp: 2})

	if len(a1) == 0 {
		t.Fatal("expected first alert to fire")
	}
	if len(a2) != 0 {
		t.Fatal("expected second alert suppressed within 60s dedup window")
	}
}
