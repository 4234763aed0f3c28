// Package keyrotation implements KeyRotationScheduler: fixed-interval and
// cron-driven rotation policies that record a grace window for the old key
// after each rotation (see Manager.IsInGrace).
package keyrotation

import (
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// Policy is one RotationPolicy.
type Policy struct {
	ID                string
	IntervalSeconds   int64 // 0 when driven purely by CronExpr
	CronExpr          string
	GracePeriodSeconds int64
}

// Schedule is the mutable RotationSchedule state for a policy.
type Schedule struct {
	PolicyID         string
	NextRotationAt   int64
	GraceActive      bool
	GracePreviousKey string
	GraceExpiresAt   int64
}

// Rotator creates a replacement key and returns its identifier; it is
// satisfied by keystore.Store's key-creation surface in production.
type Rotator interface {
	RotateKey(oldKey string) (newKey string, err error)
}

// Manager is the concrete KeyRotationScheduler component.
type Manager struct {
	mu sync.Mutex

	clock     clock.Clock
	rotator   Rotator
	policies  map[string]*Policy
	schedules map[string]*Schedule
	keyToPolicy map[string]string
}

// New creates a Manager.
func New(c clock.Clock, rotator Rotator) *Manager {
	return &Manager{
		clock:       c,
		rotator:     rotator,
		policies:    make(map[string]*Policy),
		schedules:   make(map[string]*Schedule),
		keyToPolicy: make(map[string]string),
	}
}

// RegisterPolicy attaches a rotation policy to a key, scheduling its first
// rotation IntervalSeconds from now.
func (m *Manager) RegisterPolicy(p Policy, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := p
	m.policies[p.ID] = &cp
	m.keyToPolicy[key] = p.ID
	m.schedules[p.ID] = &Schedule{
		PolicyID:       p.ID,
		NextRotationAt: m.clock.NowMs() + p.IntervalSeconds*1000,
	}
}

// DueForRotation reports whether policyID's schedule has reached its next
// rotation time.
func (m *Manager) DueForRotation(policyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[policyID]
	if !ok {
		return false
	}
	return m.clock.NowMs() >= s.NextRotationAt
}

// Rotate performs a rotation for key under policyID: creates a new key via
// Rotator, records a grace window for the old key (reported by IsInGrace),
// and reschedules the next rotation. Whether the old key still authenticates
// during that window is up to the Rotator; this manager does not keep it
// valid.
func (m *Manager) Rotate(policyID, key string) (newKey string, err error) {
	m.mu.Lock()
	p, ok := m.policies[policyID]
	if !ok {
		m.mu.Unlock()
		return "", apperr.NotFound("rotation policy %q not found", policyID)
	}
	m.mu.Unlock()

	newKey, err = m.rotator.RotateKey(key)
	if err != nil {
		return "", apperr.Internal(err, "rotating key under policy %s", policyID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.NowMs()
	s := m.schedules[policyID]
	s.GraceActive = p.GracePeriodSeconds > 0
	s.GracePreviousKey = key
	s.GraceExpiresAt = now + p.GracePeriodSeconds*1000
	s.NextRotationAt = now + p.IntervalSeconds*1000
	delete(m.keyToPolicy, key)
	m.keyToPolicy[newKey] = policyID
	return newKey, nil
}

// IsInGrace reports whether key is the previous key of policyID's rotation
// and that rotation's grace window has not yet expired.
func (m *Manager) IsInGrace(policyID, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[policyID]
	if !ok || !s.GraceActive {
		return false
	}
	if m.clock.NowMs() >= s.GraceExpiresAt {
		s.GraceActive = false
		return false
	}
	return s.GracePreviousKey == key
}

// Get returns the current schedule state for a policy.
func (m *Manager) Get(policyID string) (*Schedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[policyID]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}
