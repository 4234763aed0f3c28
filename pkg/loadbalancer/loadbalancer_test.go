package loadbalancer

import "testing"

func TestPick_RoundRobinCycles(t *testing.T) {
	b := New(Config{Strategy: RoundRobin})
	b.AddBackend("a", 1)
	b.AddBackend("b", 1)

	first, _ := b.Pick()
	second, _ := b.Pick()
	third, _ := b.Pick()
	if first.Backend == second.Backend || first.Backend != third.Backend {
		t.Fatalf("round robin not cycling: %v %v %v", first, second, third)
	}
}

func TestPick_LeastConnections(t *testing.T) {
	b := New(Config{Strategy: LeastConnections})
	b.AddBackend("a", 1)
	b.AddBackend("b", 1)
	b.Connect("a")
	b.Connect("a")

	p, _ := b.Pick()
	if p.Backend != "b" {
		t.Fatalf("pick = %+v, want b (fewer active connections)", p)
	}
}

func TestPick_AllUnhealthyDoesNotPanic(t *testing.T) {
	b := New(Config{Strategy: RoundRobin, ErrorThreshold: 1})
	b.AddBackend("a", 1)
	b.RecordRequest("a", 500, 10)
	b.SetHealth("a", false)

	// The recovery-probe limiter starts with one token, so this pick may be
	// let through as a probe or may fail with an upstream error.
	if _, err := b.Pick(); err != nil {
		// either outcome is acceptable; an empty pool only errors, never panics.
		t.Logf("pick returned expected upstream error: %v", err)
	}
}

func TestRecordRequest_AutoMarksUnhealthyAtErrorThreshold(t *testing.T) {
	b := New(Config{Strategy: RoundRobin, ErrorThreshold: 2})
	b.AddBackend("a", 1)

	b.RecordRequest("a", 500, 10)
	snap, _ := b.Snapshot("a")
	if !snap.Healthy {
		t.Fatal("expected still healthy below error threshold")
	}

	b.RecordRequest("a", 500, 10)
	snap, _ = b.Snapshot("a")
	if snap.Healthy {
		t.Fatal("expected auto-marked unhealthy at error threshold")
	}
}

func TestRecordRequest_RollingAverageLatency(t *testing.T) {
	b := New(Config{Strategy: RoundRobin})
	b.AddBackend("a", 1)

	b.RecordRequest("a", 200, 100)
	b.RecordRequest("a", 200, 200)

	snap, _ := b.Snapshot("a")
	if snap.AvgLatencyMs != 150 {
		t.Fatalf("avg latency = %v, want 150", snap.AvgLatencyMs)
	}
}

func TestSetHealth_ResetsErrorCounterOnRecovery(t *testing.T) {
	b := New(Config{Strategy: RoundRobin, ErrorThreshold: 1})
	b.AddBackend("a", 1)
	b.RecordRequest("a", 500, 10)

	b.SetHealth("a", true)
	snap, _ := b.Snapshot("a")
	if !snap.Healthy || snap.TotalErrors != 0 {
		t.Fatalf("snap = %+v, want healthy with reset error count", snap)
	}
}
