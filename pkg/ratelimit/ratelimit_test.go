package ratelimit

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/clock"
)

func TestCheck_SlidingWindowScenario(t *testing.T) {
	// Spec §8 scenario 4: limit=3 per 1s, 6 sub-windows.
	c := clock.NewFrozen(time.Unix(0, 0))
	l := New(c, Config{Limit: 3, WindowMs: 1000, SubWindowCount: 6})

	for i := 0; i < 3; i++ {
		if r := l.Check("k"); !r.Allowed {
			t.Fatalf("check %d at t=0 should be allowed, got %+v", i, r)
		}
	}

	r := l.Check("k")
	if r.Allowed {
		t.Fatal("4th check at t=0 should be denied")
	}

	c.Advance(500 * time.Millisecond)
	r = l.Check("k")
	if r.Allowed {
		t.Fatalf("check at t=500ms should still be denied, got %+v", r)
	}
	if r.RetryAfterMs <= 0 || r.RetryAfterMs > 1000 {
		t.Fatalf("retryAfterMs = %d, want in (0,1000]", r.RetryAfterMs)
	}

	c.Set(time.Unix(0, 0).Add(1100 * time.Millisecond))
	if r := l.Check("k"); !r.Allowed {
		t.Fatalf("check at t=1100ms should be allowed again, got %+v", r)
	}
}

func TestPeek_DoesNotMutate(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	l := New(c, Config{Limit: 1, WindowMs: 1000, SubWindowCount: 2})

	r1 := l.Peek("k")
	r2 := l.Peek("k")
	if !r1.Allowed || !r2.Allowed {
		t.Fatalf("peek should not consume the budget: %+v %+v", r1, r2)
	}
}

func TestMaxKeys_EvictsLeastRecentlyAccessed(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	l := New(c, Config{Limit: 10, WindowMs: 1000, SubWindowCount: 2, MaxKeys: 2})

	l.Check("a")
	l.Check("b")
	if l.TrackedKeys() != 2 {
		t.Fatalf("tracked = %d, want 2", l.TrackedKeys())
	}

	l.Check("c")
	if l.TrackedKeys() > 2 {
		t.Fatalf("tracked = %d, want <=2 after eviction", l.TrackedKeys())
	}
}
