// Package scope implements scope inheritance and the tool->scope gate: a
// possibly-cyclic include graph between named scopes, resolved by
// depth-first expansion with a visited set, plus per-key temporary grants
// with hard expiries.
package scope

import (
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// WildcardScope grants every tool regardless of required scopes.
const WildcardScope = "*"

// Manager is the concrete KeyScopeManager component.
type Manager struct {
	mu sync.Mutex

	clock clock.Clock

	includes map[string][]string // scope -> scopes it includes
	required map[string][]string // tool -> required scopes (disjunction)

	permanent map[string]map[string]bool  // key -> permanent scopes
	temporary map[string]map[string]int64 // key -> scope -> expiresAtMs

	allowUnscopedTools bool
}

// New creates an empty Manager.
func New(c clock.Clock, allowUnscopedTools bool) *Manager {
	return &Manager{
		clock:              c,
		includes:           make(map[string][]string),
		required:           make(map[string][]string),
		permanent:          make(map[string]map[string]bool),
		temporary:          make(map[string]map[string]int64),
		allowUnscopedTools: allowUnscopedTools,
	}
}

// DefineInclude declares that scope includes target (target's tools become
// reachable through scope). May form cycles; resolution tolerates them.
func (m *Manager) DefineInclude(scope, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.includes[scope] = append(m.includes[scope], target)
}

// RequireScope declares that tool requires at least one of scopes.
func (m *Manager) RequireScope(tool string, scopes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.required[tool] = append([]string(nil), scopes...)
}

// GrantPermanent adds a permanent scope to a key.
func (m *Manager) GrantPermanent(key, s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.permanent[key] == nil {
		m.permanent[key] = make(map[string]bool)
	}
	m.permanent[key][s] = true
}

// GrantTemporary adds a scope to a key that expires at expiresAtMs.
func (m *Manager) GrantTemporary(key, s string, expiresAtMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.temporary[key] == nil {
		m.temporary[key] = make(map[string]int64)
	}
	m.temporary[key][s] = expiresAtMs
}

// EffectiveScopes resolves the full set of scopes reachable for a key,
// including expansion through the include graph, pruning expired temporary
// grants lazily.
func (m *Manager) EffectiveScopes(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveScopesLocked(key)
}

func (m *Manager) effectiveScopesLocked(key string) []string {
	now := m.clock.NowMs()

	base := make(map[string]bool)
	for s := range m.permanent[key] {
		base[s] = true
	}
	if grants, ok := m.temporary[key]; ok {
		for s, exp := range grants {
			if exp <= now {
				delete(grants, s)
				continue
			}
			base[s] = true
		}
	}

	visited := make(map[string]bool)
	var dfs func(string)
	dfs = func(s string) {
		if visited[s] {
			return
		}
		visited[s] = true
		for _, inc := range m.includes[s] {
			dfs(inc)
		}
	}
	for s := range base {
		dfs(s)
	}

	out := make([]string, 0, len(visited))
	for s := range visited {
		out = append(out, s)
	}
	return out
}

// IsAllowed reports whether key may call tool, per spec §4.4/P7.
func (m *Manager) IsAllowed(key, tool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	effective := m.effectiveScopesLocked(key)
	for _, s := range effective {
		if s == WildcardScope {
			return true
		}
	}

	required, ok := m.required[tool]
	if !ok || len(required) == 0 {
		return m.allowUnscopedTools
	}

	effectiveSet := make(map[string]bool, len(effective))
	for _, s := range effective {
		effectiveSet[s] = true
	}
	for _, r := range required {
		if effectiveSet[r] {
			return true
		}
	}
	return false
}

// Check wraps IsAllowed as an apperr-shaped gate for the pipeline.
func (m *Manager) Check(key, tool string) error {
	if m.IsAllowed(key, tool) {
		return nil
	}
	return apperr.PolicyDenied(apperr.CodeInvalidParams, "key %s lacks required scope for tool %s", key, tool)
}
