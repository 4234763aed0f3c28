package keygroup

import (
	"errors"
	"testing"
)

func TestAddKeyAndGroupsForKey(t *testing.T) {
	m := New()
	m.CreateGroup("tier-gold", map[string]string{"tier": "gold"})
	m.AddKey("tier-gold", "alice")
	m.AddKey("tier-gold", "bob")

	groups := m.GroupsForKey("alice")
	if len(groups) != 1 || groups[0] != "tier-gold" {
		t.Fatalf("groups = %v", groups)
	}

	members, err := m.Members("tier-gold")
	if err != nil || len(members) != 2 {
		t.Fatalf("members = %v err = %v", members, err)
	}
}

func TestRemoveKey(t *testing.T) {
	m := New()
	m.CreateGroup("g", nil)
	m.AddKey("g", "alice")
	m.RemoveKey("g", "alice")

	members, _ := m.Members("g")
	if len(members) != 0 {
		t.Fatalf("members = %v, want empty", members)
	}
}

func TestApplyToGroup_CollectsPerKeyFailures(t *testing.T) {
	m := New()
	m.CreateGroup("g", nil)
	m.AddKey("g", "good")
	m.AddKey("g", "bad")

	failures, err := m.ApplyToGroup("g", func(key string) error {
		if key == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(failures) != 1 || failures["bad"] == nil {
		t.Fatalf("failures = %v", failures)
	}
}

func TestCreateGroup_RejectsDuplicate(t *testing.T) {
	m := New()
	m.CreateGroup("g", nil)
	if _, err := m.CreateGroup("g", nil); err == nil {
		t.Fatal("expected error for duplicate group")
	}
}
