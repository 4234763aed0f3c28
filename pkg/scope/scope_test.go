package scope

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/clock"
)

func TestIsAllowed_DirectScopeMatch(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)), false)
	m.RequireScope("tools/search", "read")
	m.GrantPermanent("k1", "read")

	if !m.IsAllowed("k1", "tools/search") {
		t.Fatal("expected allowed with direct scope match")
	}
	if m.IsAllowed("k2", "tools/search") {
		t.Fatal("expected denied for key with no scopes")
	}
}

func TestIsAllowed_WildcardGrantsEverything(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)), false)
	m.RequireScope("tools/search", "read")
	m.GrantPermanent("k1", WildcardScope)

	if !m.IsAllowed("k1", "tools/search") {
		t.Fatal("expected wildcard scope to allow any tool")
	}
}

func TestIsAllowed_InheritanceThroughCycle(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)), false)
	m.DefineInclude("admin", "write")
	m.DefineInclude("write", "read")
	m.DefineInclude("read", "admin") // cycle

	m.RequireScope("tools/search", "read")
	m.GrantPermanent("k1", "admin")

	if !m.IsAllowed("k1", "tools/search") {
		t.Fatal("expected scope resolution to traverse includes despite a cycle")
	}
}

func TestIsAllowed_UnscopedToolsRespectDefault(t *testing.T) {
	strict := New(clock.NewFrozen(time.Unix(0, 0)), false)
	if strict.IsAllowed("k1", "tools/unscoped") {
		t.Fatal("expected unscoped tool denied when allowUnscopedTools=false")
	}

	lenient := New(clock.NewFrozen(time.Unix(0, 0)), true)
	if !lenient.IsAllowed("k1", "tools/unscoped") {
		t.Fatal("expected unscoped tool allowed when allowUnscopedTools=true")
	}
}

func TestTemporaryGrant_ExpiresLazily(t *testing.T) {
	c := clock.NewFrozen(time.Unix(1000, 0))
	m := New(c, false)
	m.RequireScope("tools/search", "read")
	m.GrantTemporary("k1", "read", c.NowMs()+5000)

	if !m.IsAllowed("k1", "tools/search") {
		t.Fatal("expected temporary grant to be active")
	}

	c.Advance(6 * time.Second)
	if m.IsAllowed("k1", "tools/search") {
		t.Fatal("expected temporary grant to have expired")
	}
}
