package session

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

func TestCreateSession_RejectsAtCapacity(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c, 1, 60_000)

	if _, err := m.CreateSession("s1", "k1", 0); err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if _, err := m.CreateSession("s2", "k1", 0); apperr.KindOf(err) != apperr.KindCapacity {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestEndSession_IsNotReenterable(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)), 0, 60_000)
	m.CreateSession("s1", "k1", 0)

	if err := m.EndSession("s1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := m.EndSession("s1"); apperr.KindOf(err) != apperr.KindState {
		t.Fatalf("expected state error on double-end, got %v", err)
	}
}

func TestRecordCall_AccumulatesTotals(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)), 0, 60_000)
	m.CreateSession("s1", "k1", 0)

	m.RecordCall("s1", "search", 2, nil)
	m.RecordCall("s1", "search", 3, nil)

	s, _ := m.GetSession("s1")
	if s.TotalCalls != 2 || s.TotalCredits != 5 {
		t.Fatalf("s = %+v", s)
	}
}

func TestGetSession_LazilyExpires(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c, 0, 1000)
	m.CreateSession("s1", "k1", 0)

	c.Advance(2 * time.Second)
	s, err := m.GetSession("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", s.Status)
	}

	if err := m.RecordCall("s1", "search", 1, nil); apperr.KindOf(err) != apperr.KindState {
		t.Fatalf("expected state error recording on expired session, got %v", err)
	}
}

func TestReportByTool_Aggregates(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)), 0, 60_000)
	m.CreateSession("s1", "k1", 0)
	m.RecordCall("s1", "search", 1, nil)
	m.RecordCall("s1", "search", 1, nil)
	m.RecordCall("s1", "fetch", 2, nil)

	report, err := m.ReportByTool("s1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report) != 2 {
		t.Fatalf("report = %+v, want 2 tools", report)
	}
}
