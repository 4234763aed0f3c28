// Package session implements SessionManager: multi-request agent sessions
// with per-session call counters and TTL, distinct from the connection-level
// billing sessions in pkg/connbilling.
package session

import (
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// Status values for a Session.
const (
	StatusActive  = "active"
	StatusEnded   = "ended"
	StatusExpired = "expired"
)

// Call is one recorded tool invocation within a session.
type Call struct {
	Tool        string
	Credits     int64
	Metadata    map[string]any
	RecordedAtMs int64
}

// Session is the multi-request Session entity (spec §3).
type Session struct {
	ID           string
	Key          string
	Calls        []Call
	TotalCredits int64
	TotalCalls   int64
	StartedAtMs  int64
	EndedAtMs    int64
	ExpiresAtMs  int64
	Status       string
}

// Manager is the concrete SessionManager component.
type Manager struct {
	mu sync.Mutex

	clock            clock.Clock
	maxActiveSessions int
	defaultTTLMs     int64

	sessions map[string]*Session
	active   int
}

// New creates a Manager.
func New(c clock.Clock, maxActiveSessions int, defaultTTLMs int64) *Manager {
	return &Manager{clock: c, maxActiveSessions: maxActiveSessions, defaultTTLMs: defaultTTLMs, sessions: make(map[string]*Session)}
}

// CreateSession starts a new session, rejecting when the active cap is reached.
func (m *Manager) CreateSession(id, key string, ttlMs int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxActiveSessions > 0 && m.active >= m.maxActiveSessions {
		return nil, apperr.Capacity("max active sessions (%d) reached", m.maxActiveSessions)
	}
	if ttlMs <= 0 {
		ttlMs = m.defaultTTLMs
	}

	now := m.clock.NowMs()
	s := &Session{ID: id, Key: key, StartedAtMs: now, ExpiresAtMs: now + ttlMs, Status: StatusActive}
	m.sessions[id] = s
	m.active++
	return cloneSession(s), nil
}

// EndSession ends an active session; ending an already-ended/expired session fails.
func (m *Manager) EndSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return apperr.NotFound("session %s not found", id)
	}
	m.lazyExpireLocked(s)
	if s.Status != StatusActive {
		return apperr.State("session %s is already %s", id, s.Status)
	}
	s.Status = StatusEnded
	s.EndedAtMs = m.clock.NowMs()
	m.active--
	return nil
}

func (m *Manager) lazyExpireLocked(s *Session) {
	if s.Status == StatusActive && s.ExpiresAtMs > 0 && m.clock.NowMs() >= s.ExpiresAtMs {
		s.Status = StatusExpired
		s.EndedAtMs = s.ExpiresAtMs
		m.active--
	}
}

// RecordCall appends a call to an active session and updates totals.
func (m *Manager) RecordCall(id, tool string, credits int64, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return apperr.NotFound("session %s not found", id)
	}
	m.lazyExpireLocked(s)
	if s.Status != StatusActive {
		return apperr.State("session %s is %s, cannot record calls", id, s.Status)
	}

	s.Calls = append(s.Calls, Call{Tool: tool, Credits: credits, Metadata: metadata, RecordedAtMs: m.clock.NowMs()})
	s.TotalCalls++
	s.TotalCredits += credits
	return nil
}

// GetSession returns a session, lazily transitioning it to expired if its
// TTL has passed.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session %s not found", id)
	}
	m.lazyExpireLocked(s)
	return cloneSession(s), nil
}

// ToolBreakdown aggregates call counts and credits by tool for a session.
type ToolBreakdown struct {
	Tool       string
	CallCount  int64
	Credits    int64
}

// ReportByTool returns the per-tool breakdown for a session.
func (m *Manager) ReportByTool(id string) ([]ToolBreakdown, error) {
	s, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}

	byTool := make(map[string]*ToolBreakdown)
	order := make([]string, 0)
	for _, c := range s.Calls {
		b, ok := byTool[c.Tool]
		if !ok {
			b = &ToolBreakdown{Tool: c.Tool}
			byTool[c.Tool] = b
			order = append(order, c.Tool)
		}
		b.CallCount++
		b.Credits += c.Credits
	}

	out := make([]ToolBreakdown, 0, len(order))
	for _, t := range order {
		out = append(out, *byTool[t])
	}
	return out, nil
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Calls = append([]Call(nil), s.Calls...)
	return &c
}
