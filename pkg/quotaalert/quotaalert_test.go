package quotaalert

import "testing"

func TestRecordUsage_FiresOnlyNewlyCrossedThresholds(t *testing.T) {
	m := New([]float64{50, 80, 100})
	m.SetQuota("alice", 1000, 0)

	fired := m.RecordUsage("alice", 550)
	if len(fired) != 1 || fired[0].Threshold != 50 {
		t.Fatalf("fired = %+v, want single 50%% alert", fired)
	}

	fired = m.RecordUsage("alice", 560)
	if len(fired) != 0 {
		t.Fatalf("fired = %+v, expected no repeat alert for same threshold", fired)
	}

	fired = m.RecordUsage("alice", 850)
	if len(fired) != 1 || fired[0].Threshold != 80 {
		t.Fatalf("fired = %+v, want single 80%% alert", fired)
	}
}

func TestRecordUsage_JumpCrossesMultipleThresholdsAtOnce(t *testing.T) {
	m := New([]float64{50, 80, 100})
	m.SetQuota("alice", 1000, 0)

	fired := m.RecordUsage("alice", 1000)
	if len(fired) != 3 {
		t.Fatalf("fired = %+v, want all three thresholds at once", fired)
	}
}

func TestSetQuota_ClearsCrossedAndReevaluates(t *testing.T) {
	m := New([]float64{50})
	m.SetQuota("alice", 1000, 600)
	if len(m.CrossedThresholds("alice")) != 1 {
		t.Fatal("expected 50% crossed on initial quota set")
	}

	fired := m.SetQuota("alice", 2000, 600)
	if len(fired) != 0 {
		t.Fatalf("fired = %+v, expected no crossing at 30%% of new quota", fired)
	}
	if len(m.CrossedThresholds("alice")) != 0 {
		t.Fatal("expected crossed set cleared on requota")
	}
}
