package maintenance

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/clock"
)

func TestScheduleWindow_StartsActiveWhenNowInRange(t *testing.T) {
	c := clock.NewFrozen(time.Unix(1000, 0))
	m := New(c)

	w := m.ScheduleWindow(1000000, 60000, true, true, "down for maintenance")
	if w.Status != Active {
		t.Fatalf("status = %s, want active", w.Status)
	}
}

func TestGetStatus_BlockedByActiveWindow(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c)
	m.ScheduleWindow(0, 60000, true, true, "maintenance in progress")

	st := m.GetStatus()
	if st.Operational {
		t.Fatal("expected non-operational while blocking window is active")
	}
	if st.Message != "maintenance in progress" {
		t.Fatalf("message = %q", st.Message)
	}
}

func TestGetStatus_OperationalReportsNextScheduled(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c)
	m.ScheduleWindow(5000, 1000, false, true, "")
	m.ScheduleWindow(9000, 1000, false, true, "")

	st := m.GetStatus()
	if !st.Operational || st.NextScheduled == nil || st.NextScheduled.StartsAt != 5000 {
		t.Fatalf("status = %+v", st)
	}
}

func TestAdvance_ScheduledToActiveToCompleted(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c)
	w := m.ScheduleWindow(1000, 500, false, true, "")

	got, _ := m.Get(w.ID)
	if got.Status != Scheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}

	c.Set(time.UnixMilli(1000))
	got, _ = m.Get(w.ID)
	if got.Status != Active {
		t.Fatalf("status = %s, want active", got.Status)
	}

	c.Set(time.UnixMilli(1500))
	got, _ = m.Get(w.ID)
	if got.Status != Completed {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestCancel_IsTerminal(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c)
	w := m.ScheduleWindow(1000, 500, false, true, "")

	if err := m.Cancel(w.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	c.Set(time.UnixMilli(2000))
	got, _ := m.Get(w.ID)
	if got.Status != Cancelled {
		t.Fatalf("status = %s, want cancelled (terminal)", got.Status)
	}
}
