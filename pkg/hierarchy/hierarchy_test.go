package hierarchy

import (
	"testing"

	"github.com/metergate/meterproxy/internal/apperr"
)

func TestCreateRelation_RejectsCycles(t *testing.T) {
	m := New(10, 10)
	if _, err := m.CreateRelation("child", "parent", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateRelation("parent", "child", 0); err == nil {
		t.Fatal("expected cycle rejection")
	}
}

func TestCreateRelation_EnforcesDepthLimit(t *testing.T) {
	m := New(2, 10)
	if _, err := m.CreateRelation("b", "a", 0); err != nil {
		t.Fatalf("depth 1: %v", err)
	}
	if _, err := m.CreateRelation("c", "b", 0); err != nil {
		t.Fatalf("depth 2: %v", err)
	}
	if _, err := m.CreateRelation("d", "c", 0); apperr.KindOf(err) != apperr.KindCapacity {
		t.Fatalf("expected capacity error at depth 3, got %v", err)
	}
}

func TestCreateRelation_EnforcesFanoutLimit(t *testing.T) {
	m := New(10, 1)
	if _, err := m.CreateRelation("c1", "p", 0); err != nil {
		t.Fatalf("first child: %v", err)
	}
	if _, err := m.CreateRelation("c2", "p", 0); apperr.KindOf(err) != apperr.KindCapacity {
		t.Fatalf("expected capacity error on 2nd child, got %v", err)
	}
}

func TestRemoveRelation_CascadesToDescendants(t *testing.T) {
	m := New(10, 10)
	m.CreateRelation("b", "a", 0)
	m.CreateRelation("c", "b", 0)

	if err := m.RemoveRelation("b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(m.GetAncestors("c")) != 0 {
		t.Fatal("expected c's relation removed along with b's subtree")
	}
}

func TestGetAncestors_Finite(t *testing.T) {
	m := New(10, 10)
	m.CreateRelation("b", "a", 0)
	m.CreateRelation("c", "b", 0)

	ancestors := m.GetAncestors("c")
	if len(ancestors) != 2 || ancestors[0] != "b" || ancestors[1] != "a" {
		t.Fatalf("ancestors = %v, want [b a]", ancestors)
	}
}

func TestCheckCeiling_RejectsOverCeiling(t *testing.T) {
	m := New(10, 10)
	m.CreateRelation("child", "parent", 100)

	if err := m.CheckCeiling("child", 50, 1000); err != nil {
		t.Fatalf("within ceiling: %v", err)
	}
	m.RecordUsage("child", 50)
	if err := m.CheckCeiling("child", 60, 1000); apperr.KindOf(err) != apperr.KindPolicy {
		t.Fatalf("expected policy denial over ceiling, got %v", err)
	}
}
