// Package keygroup implements KeyGroupManager: named groups of API keys
// with shared policy tags, used to apply bulk operations (suspend, quota
// template) across a cohort of keys without per-key administration.
package keygroup

import (
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
)

// Group is one named collection of keys.
type Group struct {
	Name   string
	Keys   map[string]bool
	Tags   map[string]string
}

// Manager is the concrete KeyGroupManager component.
type Manager struct {
	mu sync.Mutex

	groups map[string]*Group
}

// New creates a Manager.
func New() *Manager {
	return &Manager{groups: make(map[string]*Group)}
}

// CreateGroup creates an empty group with the given tags.
func (m *Manager) CreateGroup(name string, tags map[string]string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[name]; ok {
		return nil, apperr.Validation("group %q already exists", name)
	}
	g := &Group{Name: name, Keys: make(map[string]bool), Tags: tags}
	m.groups[name] = g
	return g, nil
}

// AddKey adds a key to a group.
func (m *Manager) AddKey(group, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return apperr.NotFound("group %q not found", group)
	}
	g.Keys[key] = true
	return nil
}

// RemoveKey removes a key from a group.
func (m *Manager) RemoveKey(group, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return apperr.NotFound("group %q not found", group)
	}
	delete(g.Keys, key)
	return nil
}

// GroupsForKey returns every group a key belongs to.
func (m *Manager) GroupsForKey(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, g := range m.groups {
		if g.Keys[key] {
			out = append(out, name)
		}
	}
	return out
}

// Members returns every key in a group.
func (m *Manager) Members(group string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return nil, apperr.NotFound("group %q not found", group)
	}
	out := make([]string, 0, len(g.Keys))
	for k := range g.Keys {
		out = append(out, k)
	}
	return out, nil
}

// ApplyToGroup invokes fn for every key in group, collecting any errors keyed
// by key.
func (m *Manager) ApplyToGroup(group string, fn func(key string) error) (map[string]error, error) {
	m.mu.Lock()
	g, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.NotFound("group %q not found", group)
	}
	keys := make([]string, 0, len(g.Keys))
	for k := range g.Keys {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	failures := make(map[string]error)
	for _, k := range keys {
		if err := fn(k); err != nil {
			failures[k] = err
		}
	}
	return failures, nil
}
