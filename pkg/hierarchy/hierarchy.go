// Package hierarchy implements parent/child key relations: depth and fanout
// limits, cycle prevention by ancestor walk, and cascading credit ceilings.
// Entities reference each other by opaque key id, never by pointer, so the
// structure can be rebuilt from persisted state without graph surgery.
package hierarchy

import (
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
)

// Relation is a KeyRelation (spec §3).
type Relation struct {
	ChildKey      string
	ParentKey     string
	CreditCeiling int64 // 0 = unlimited (bounded only by parent's actual balance)
	CreditsUsed   int64
	Depth         int
}

// Manager is the concrete KeyHierarchyManager component.
type Manager struct {
	mu sync.Mutex

	maxDepth    int
	maxChildren int

	relations map[string]*Relation   // childKey -> relation
	children  map[string][]string    // parentKey -> child keys
}

// New creates a Manager with the given depth/fanout limits.
func New(maxDepth, maxChildren int) *Manager {
	return &Manager{
		maxDepth:    maxDepth,
		maxChildren: maxChildren,
		relations:   make(map[string]*Relation),
		children:    make(map[string][]string),
	}
}

// CreateRelation establishes a parent/child edge.
func (m *Manager) CreateRelation(childKey, parentKey string, creditCeiling int64) (*Relation, error) {
	if childKey == parentKey {
		return nil, apperr.Validation("a key cannot be its own parent")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.relations[childKey]; exists {
		return nil, apperr.State("key %s already has a parent", childKey)
	}

	parentDepth := 0
	if pr, ok := m.relations[parentKey]; ok {
		parentDepth = pr.Depth
	}
	newDepth := parentDepth + 1
	if m.maxDepth > 0 && newDepth > m.maxDepth {
		return nil, apperr.Capacity("max hierarchy depth %d exceeded", m.maxDepth)
	}

	if m.maxChildren > 0 && len(m.children[parentKey]) >= m.maxChildren {
		return nil, apperr.Capacity("parent %s already has max %d children", parentKey, m.maxChildren)
	}

	if m.isDescendantLocked(childKey, parentKey) {
		return nil, apperr.Validation("creating this relation would introduce a cycle")
	}

	rel := &Relation{ChildKey: childKey, ParentKey: parentKey, CreditCeiling: creditCeiling, Depth: newDepth}
	m.relations[childKey] = rel
	m.children[parentKey] = append(m.children[parentKey], childKey)
	return rel, nil
}

// isDescendantLocked reports whether candidate is a descendant of ancestor.
func (m *Manager) isDescendantLocked(ancestor, candidate string) bool {
	cur := candidate
	for {
		rel, ok := m.relations[cur]
		if !ok {
			return false
		}
		if rel.ParentKey == ancestor {
			return true
		}
		cur = rel.ParentKey
	}
}

// RemoveRelation deletes childKey's relation and recursively removes its
// entire descendant subtree.
func (m *Manager) RemoveRelation(childKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.relations[childKey]; !ok {
		return apperr.NotFound("relation for key %s not found", childKey)
	}
	m.removeSubtreeLocked(childKey)
	return nil
}

func (m *Manager) removeSubtreeLocked(key string) {
	for _, child := range m.children[key] {
		m.removeSubtreeLocked(child)
	}
	if rel, ok := m.relations[key]; ok {
		siblings := m.children[rel.ParentKey]
		for i, c := range siblings {
			if c == key {
				m.children[rel.ParentKey] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	delete(m.relations, key)
	delete(m.children, key)
}

// GetAncestors returns the chain of ancestors for key, nearest first.
func (m *Manager) GetAncestors(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0)
	cur := key
	seen := make(map[string]bool)
	for {
		rel, ok := m.relations[cur]
		if !ok || seen[rel.ParentKey] {
			break
		}
		seen[rel.ParentKey] = true
		out = append(out, rel.ParentKey)
		cur = rel.ParentKey
	}
	return out
}

// GetChildren returns the direct children of parentKey.
func (m *Manager) GetChildren(parentKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.children[parentKey]...)
}

// CheckCeiling reports whether charging amount against child's relation
// would exceed its credit ceiling. parentBalance is supplied by the caller
// (KeyStore) since this manager does not own balances.
func (m *Manager) CheckCeiling(childKey string, amount, parentBalance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, ok := m.relations[childKey]
	if !ok {
		return nil // no hierarchy constraint applies
	}
	if rel.CreditCeiling > 0 && rel.CreditsUsed+amount > rel.CreditCeiling {
		return apperr.PolicyDenied(apperr.CodeInvalidParams, "child %s would exceed credit ceiling %d", childKey, rel.CreditCeiling)
	}
	if amount > parentBalance {
		return apperr.PolicyDenied(apperr.CodeInsufficientCredits, "parent balance insufficient for child %s", childKey)
	}
	return nil
}

// RecordUsage adds amount to the child's used-credits counter against its
// ceiling, once the caller has confirmed the charge went through.
func (m *Manager) RecordUsage(childKey string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rel, ok := m.relations[childKey]; ok {
		rel.CreditsUsed += amount
	}
}
