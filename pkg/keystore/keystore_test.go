package keystore

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

func TestCreateKey_GeneratesPrefixedOpaqueKey(t *testing.T) {
	s := New(clock.NewFrozen(time.Unix(0, 0)))

	rec, err := s.CreateKey("svc-a", 10, Options{Prefix: "mpk"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rec.Key) < len("mpk_")+40 {
		t.Fatalf("key %q looks too short for 192 bits of entropy", rec.Key)
	}
	if rec.Credits != 10 {
		t.Fatalf("credits = %d, want 10", rec.Credits)
	}
}

func TestCreateKey_ClampsNegativeCredits(t *testing.T) {
	s := New(clock.NewFrozen(time.Unix(0, 0)))
	rec, err := s.CreateKey("a", -5, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Credits != 0 {
		t.Fatalf("credits = %d, want 0", rec.Credits)
	}
}

func TestDeductCredits_RejectsInsufficientBalance(t *testing.T) {
	s := New(clock.NewFrozen(time.Unix(0, 0)))
	rec, _ := s.CreateKey("a", 5, Options{})

	ok, err := s.DeductCredits(rec.Key, 10)
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if ok {
		t.Fatal("expected deduct to fail for insufficient balance")
	}

	got, _ := s.GetKey(rec.Key)
	if got.Credits != 5 {
		t.Fatalf("credits = %d, want unchanged 5", got.Credits)
	}
}

func TestDeductCredits_SuccessUpdatesCountersAndLastUsed(t *testing.T) {
	c := clock.NewFrozen(time.Unix(1000, 0))
	s := New(c)
	rec, _ := s.CreateKey("a", 10, Options{})

	ok, err := s.DeductCredits(rec.Key, 3)
	if err != nil || !ok {
		t.Fatalf("deduct: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetKey(rec.Key)
	if got.Credits != 7 || got.TotalSpent != 3 || got.TotalCalls != 1 {
		t.Fatalf("got = %+v", got)
	}
	if got.LastUsedAtMs != c.NowMs() {
		t.Fatalf("LastUsedAtMs = %d, want %d", got.LastUsedAtMs, c.NowMs())
	}
}

func TestGetKey_HidesExpiredAndInactiveKeys(t *testing.T) {
	c := clock.NewFrozen(time.Unix(1000, 0))
	s := New(c)
	rec, _ := s.CreateKey("a", 10, Options{ExpiresAtMs: c.NowMs() + 1000})

	if _, err := s.GetKey(rec.Key); err != nil {
		t.Fatalf("expected key visible before expiry, got %v", err)
	}

	c.Advance(2 * time.Second)
	if _, err := s.GetKey(rec.Key); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected NotFound after expiry, got %v", err)
	}
	if _, err := s.GetKeyRaw(rec.Key); err != nil {
		t.Fatalf("GetKeyRaw should bypass expiry, got %v", err)
	}

	s.RevokeKey(rec.Key)
	if _, err := s.GetKey(rec.Key); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected NotFound after revoke, got %v", err)
	}
}

func TestQuotaCounters_ResetOnDayRollover(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC))
	s := New(c)
	rec, _ := s.CreateKey("a", 100, Options{})

	s.DeductCredits(rec.Key, 1)
	got, _ := s.GetKey(rec.Key)
	if got.Quota.DailyCalls != 1 {
		t.Fatalf("DailyCalls = %d, want 1", got.Quota.DailyCalls)
	}

	c.Advance(2 * time.Minute) // crosses into Jan 2
	got, _ = s.GetKey(rec.Key)
	if got.Quota.DailyCalls != 0 {
		t.Fatalf("DailyCalls after rollover = %d, want 0", got.Quota.DailyCalls)
	}
}

func TestName_SanitizedAndLengthBounded(t *testing.T) {
	s := New(clock.NewFrozen(time.Unix(0, 0)))

	if _, err := s.CreateKey("   ", 0, Options{}); err == nil {
		t.Fatal("expected validation error for blank name")
	}

	long := make([]byte, maxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := s.CreateKey(string(long), 0, Options{}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for long name, got %v", err)
	}
}
