package connbilling

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/clock"
)

func baseConfig() Config {
	return Config{
		BilledTransports:   []string{"sse"},
		IdleTimeoutSeconds: 60,
		MaxDurationSeconds: 3600,
		GracePeriodSeconds: 10,
		IntervalSeconds:    30,
		CreditsPerInterval: 1,
		Enabled:            true,
	}
}

func TestBill_UnknownSessionNoCharge(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)), baseConfig())
	r := m.Bill("missing", nil)
	if r.CreditsCharged != 0 || r.ShouldTerminate {
		t.Fatalf("r = %+v, want no-op", r)
	}
}

func TestBill_UnbilledTransportNoCharge(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c, baseConfig())
	m.Connect("s1", "k1", "websocket")
	c.Advance(100 * time.Second)

	r := m.Bill("s1", func(string) int64 { return 1000 })
	if r.CreditsCharged != 0 {
		t.Fatalf("expected no charge for non-billed transport, got %+v", r)
	}
}

func TestBill_IdleTimeoutTerminatesWithoutCharge(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c, baseConfig())
	m.Connect("s1", "k1", "sse")
	c.Advance(61 * time.Second)

	r := m.Bill("s1", func(string) int64 { return 1000 })
	if !r.ShouldTerminate || r.TerminateReason != "idle_timeout" || r.CreditsCharged != 0 {
		t.Fatalf("r = %+v", r)
	}
}

func TestBill_GracePeriodNoCharge(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c, baseConfig())
	m.Connect("s1", "k1", "sse")
	c.Advance(5 * time.Second)

	r := m.Bill("s1", func(string) int64 { return 1000 })
	if r.CreditsCharged != 0 || r.ShouldTerminate {
		t.Fatalf("r = %+v, want no charge during grace", r)
	}
}

func TestBill_ChargesExpectedIntervalsAndIsMonotonic(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c, baseConfig())
	m.Connect("s1", "k1", "sse")

	c.Advance(70 * time.Second) // (70-10)/30 = 2 intervals
	m.Touch("s1")               // keep the session inside the 60s idle timeout
	r := m.Bill("s1", func(string) int64 { return 1000 })
	if r.CreditsCharged != 2 {
		t.Fatalf("first bill charged = %d, want 2", r.CreditsCharged)
	}

	r = m.Bill("s1", func(string) int64 { return 1000 })
	if r.CreditsCharged != 0 {
		t.Fatalf("second immediate bill charged = %d, want 0 (P10 monotonic)", r.CreditsCharged)
	}
}

func TestBill_InsufficientCreditsTerminatesNoPartialCharge(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c, baseConfig())
	m.Connect("s1", "k1", "sse")
	c.Advance(70 * time.Second)
	m.Touch("s1")

	r := m.Bill("s1", func(string) int64 { return 1 })
	if !r.ShouldTerminate || r.TerminateReason != "insufficient_credits" || r.CreditsCharged != 0 {
		t.Fatalf("r = %+v", r)
	}
}

func TestBill_PausedNoCharge(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	m := New(c, baseConfig())
	m.Connect("s1", "k1", "sse")
	m.Pause("s1", true)
	c.Advance(70 * time.Second)

	r := m.Bill("s1", func(string) int64 { return 1000 })
	if r.CreditsCharged != 0 {
		t.Fatalf("r = %+v, want no charge while paused", r)
	}
}
