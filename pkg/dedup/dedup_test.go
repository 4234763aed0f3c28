package dedup

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/clock"
)

func TestRecordAndIsDuplicate(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	d := New(c, AlgoSHA256, 1000, 0)

	fp := d.Fingerprint("k1", map[string]any{"tool": "search", "q": "go"})

	if _, dup := d.IsDuplicate(fp); dup {
		t.Fatal("expected no duplicate before first record")
	}
	d.Record(fp, "k1")
	if _, dup := d.IsDuplicate(fp); !dup {
		t.Fatal("expected duplicate after record")
	}
}

func TestRecord_ExpiresAfterTTL(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	d := New(c, AlgoSHA256, 500, 0)

	fp := d.Fingerprint("k1", map[string]any{"a": 1})
	d.Record(fp, "k1")

	c.Advance(600 * time.Millisecond)
	if _, dup := d.IsDuplicate(fp); dup {
		t.Fatal("expected record to have expired")
	}
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	d := New(clock.NewFrozen(time.Unix(0, 0)), AlgoSHA256, 1000, 0)

	fp1 := d.Fingerprint("k1", map[string]any{"a": 1, "b": 2})
	fp2 := d.Fingerprint("k1", map[string]any{"b": 2, "a": 1})
	if fp1 != fp2 {
		t.Fatalf("fingerprints differ by map iteration order: %s vs %s", fp1, fp2)
	}
}

func TestCapacity_EvictsSmallestFirstSeenWhenNoExpired(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	d := New(c, AlgoSHA256, 100_000, 2)

	d.Record("fp1", "k1")
	c.Advance(time.Millisecond)
	d.Record("fp2", "k1")
	c.Advance(time.Millisecond)
	d.Record("fp3", "k1") // forces eviction since nothing has expired yet

	if _, dup := d.IsDuplicate("fp1"); dup {
		t.Fatal("expected fp1 (earliest firstSeenAt) to be evicted")
	}
	if _, dup := d.IsDuplicate("fp3"); !dup {
		t.Fatal("expected fp3 to remain")
	}
}
