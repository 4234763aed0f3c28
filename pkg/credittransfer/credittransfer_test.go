package credittransfer

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
	"github.com/metergate/meterproxy/pkg/keystore"
)

func setup(t *testing.T) (*Manager, *keystore.Store, string, string) {
	t.Helper()
	c := clock.NewFrozen(time.Unix(0, 0))
	ks := keystore.New(c)
	alice, _ := ks.CreateKey("alice", 1000, keystore.Options{})
	bob, _ := ks.CreateKey("bob", 200, keystore.Options{})
	m := New(c, ks, 1, 0, false, 10)
	return m, ks, alice.Key, bob.Key
}

func TestTransferAndReverse_Scenario3(t *testing.T) {
	m, ks, alice, bob := setup(t)

	rec, err := m.Transfer(Params{FromKey: alice, ToKey: bob, Amount: 300})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	a, _ := ks.GetKey(alice)
	b, _ := ks.GetKey(bob)
	if a.Credits != 700 || b.Credits != 500 {
		t.Fatalf("a=%d b=%d, want 700/500", a.Credits, b.Credits)
	}

	if _, err := m.Reverse(rec.ID, "mistake"); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	a, _ = ks.GetKey(alice)
	b, _ = ks.GetKey(bob)
	if a.Credits != 1000 || b.Credits != 200 {
		t.Fatalf("a=%d b=%d, want 1000/200 after reversal", a.Credits, b.Credits)
	}

	if _, err := m.Reverse(rec.ID, "again"); apperr.KindOf(err) != apperr.KindState {
		t.Fatalf("expected state error on double reversal, got %v", err)
	}
}

func TestTransfer_RejectsInsufficientBalanceWithoutOverdraft(t *testing.T) {
	m, _, alice, bob := setup(t)

	_, err := m.Transfer(Params{FromKey: alice, ToKey: bob, Amount: 100000})
	if apperr.KindOf(err) != apperr.KindPolicy {
		t.Fatalf("expected policy denial for insufficient balance, got %v", err)
	}
}

func TestTransfer_RejectsSameKey(t *testing.T) {
	m, _, alice, _ := setup(t)
	if _, err := m.Transfer(Params{FromKey: alice, ToKey: alice, Amount: 10}); err == nil {
		t.Fatal("expected validation error for fromKey==toKey")
	}
}

func TestTransfer_RejectsAmountOutsideRange(t *testing.T) {
	m, _, alice, bob := setup(t)
	if _, err := m.Transfer(Params{FromKey: alice, ToKey: bob, Amount: 0}); err == nil {
		t.Fatal("expected validation error for amount below minAmount")
	}
}
