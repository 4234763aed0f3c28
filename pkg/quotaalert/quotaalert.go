// Package quotaalert implements UsageQuotaAlert: percent-threshold alerts
// raised as a key's usage crosses configured fractions of its quota.
package quotaalert

import (
	"sort"
	"sync"
)

// Alert is one crossed-threshold notification.
type Alert struct {
	Key       string
	Threshold float64 // percentage, e.g. 80 for 80%
	Usage     int64
	Quota     int64
}

type keyState struct {
	quota     int64
	crossed   map[float64]bool
}

// Manager is the concrete UsageQuotaAlert component.
type Manager struct {
	mu sync.Mutex

	thresholds []float64 // sorted ascending
	keys       map[string]*keyState
}

// New creates a Manager with the given ascending percentage thresholds.
func New(thresholds []float64) *Manager {
	sorted := append([]float64(nil), thresholds...)
	sort.Float64s(sorted)
	return &Manager{thresholds: sorted, keys: make(map[string]*keyState)}
}

// SetQuota (re)sets a key's quota, clearing any previously crossed
// thresholds and re-evaluating against the key's last known usage.
func (m *Manager) SetQuota(key string, quota int64, currentUsage int64) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks := &keyState{quota: quota, crossed: make(map[float64]bool)}
	m.keys[key] = ks
	return m.recordUsageLocked(key, ks, currentUsage)
}

// RecordUsage updates a key's usage and returns any newly crossed
// thresholds.
func (m *Manager) RecordUsage(key string, usage int64) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks, ok := m.keys[key]
	if !ok {
		return nil
	}
	return m.recordUsageLocked(key, ks, usage)
}

func (m *Manager) recordUsageLocked(key string, ks *keyState, usage int64) []Alert {
	if ks.quota <= 0 {
		return nil
	}
	pct := float64(usage) / float64(ks.quota) * 100

	var fired []Alert
	for _, th := range m.thresholds {
		if pct >= th && !ks.crossed[th] {
			ks.crossed[th] = true
			fired = append(fired, Alert{Key: key, Threshold: th, Usage: usage, Quota: ks.quota})
		}
	}
	return fired
}

// CrossedThresholds returns the thresholds a key has crossed so far.
func (m *Manager) CrossedThresholds(key string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks, ok := m.keys[key]
	if !ok {
		return nil
	}
	var out []float64
	for _, th := range m.thresholds {
		if ks.crossed[th] {
			out = append(out, th)
		}
	}
	return out
}
