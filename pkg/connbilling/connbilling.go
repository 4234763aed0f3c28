// Package connbilling implements ConnectionBillingManager: interval-based
// billing for long-lived sessions, with grace, idle timeout, and max
// duration, per the exact check ordering in spec §4.10.
package connbilling

import (
	"sync"

	"github.com/metergate/meterproxy/internal/clock"
)

// Session is a ConnectionSession (spec §3).
type Session struct {
	SessionID       string
	APIKey          string
	Transport       string
	StartedAtMs     int64
	EndedAtMs       int64
	LastActivityMs  int64
	IntervalsBilled int64
	CreditsBilled   int64
	Paused          bool
}

// BillResult is a ConnectionBillResult.
type BillResult struct {
	CreditsCharged   int64
	ShouldTerminate  bool
	TerminateReason  string
	DurationSeconds  int64
}

// CreditChecker reports available balance for a key, used to decide whether
// an interval charge can be applied.
type CreditChecker func(key string) int64

// Config configures billing cadence and policy.
type Config struct {
	BilledTransports     []string
	IdleTimeoutSeconds   int64
	MaxDurationSeconds   int64
	GracePeriodSeconds   int64
	IntervalSeconds      int64
	CreditsPerInterval   int64
	Enabled              bool
}

// Manager is the concrete ConnectionBillingManager component.
type Manager struct {
	mu sync.Mutex

	clock clock.Clock
	cfg   Config

	sessions map[string]*Session
}

// New creates a Manager.
func New(c clock.Clock, cfg Config) *Manager {
	return &Manager{clock: c, cfg: cfg, sessions: make(map[string]*Session)}
}

// Connect registers a new session.
func (m *Manager) Connect(sessionID, apiKey, transport string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.NowMs()
	s := &Session{SessionID: sessionID, APIKey: apiKey, Transport: transport, StartedAtMs: now, LastActivityMs: now}
	m.sessions[sessionID] = s
	return s
}

// Touch records activity on a session, resetting the idle timer.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivityMs = m.clock.NowMs()
	}
}

// Disconnect ends a session.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.EndedAtMs = m.clock.NowMs()
	}
}

func (m *Manager) isBilledTransport(transport string) bool {
	if len(m.cfg.BilledTransports) == 0 {
		return true
	}
	for _, t := range m.cfg.BilledTransports {
		if t == transport {
			return true
		}
	}
	return false
}

// Bill evaluates and applies interval billing for one session, following
// spec §4.10's exact check ordering.
func (m *Manager) Bill(sessionID string, checkCredits CreditChecker) BillResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return BillResult{}
	}

	if !m.isBilledTransport(s.Transport) {
		return BillResult{}
	}

	now := m.clock.NowMs()
	durationSeconds := (now - s.StartedAtMs) / 1000

	if m.cfg.IdleTimeoutSeconds > 0 {
		idleSeconds := (now - s.LastActivityMs) / 1000
		if idleSeconds >= m.cfg.IdleTimeoutSeconds {
			return BillResult{ShouldTerminate: true, TerminateReason: "idle_timeout", DurationSeconds: durationSeconds}
		}
	}

	if m.cfg.MaxDurationSeconds > 0 && durationSeconds >= m.cfg.MaxDurationSeconds {
		return BillResult{ShouldTerminate: true, TerminateReason: "max_duration", DurationSeconds: durationSeconds}
	}

	if s.Paused || !m.cfg.Enabled {
		return BillResult{DurationSeconds: durationSeconds}
	}

	if durationSeconds < m.cfg.GracePeriodSeconds {
		return BillResult{DurationSeconds: durationSeconds}
	}

	if m.cfg.IntervalSeconds <= 0 {
		return BillResult{DurationSeconds: durationSeconds}
	}

	expectedIntervals := (durationSeconds - m.cfg.GracePeriodSeconds) / m.cfg.IntervalSeconds
	intervalsToBill := expectedIntervals - s.IntervalsBilled
	if intervalsToBill <= 0 {
		return BillResult{DurationSeconds: durationSeconds}
	}

	creditsToCharge := intervalsToBill * m.cfg.CreditsPerInterval
	if checkCredits != nil && checkCredits(s.APIKey) < creditsToCharge {
		return BillResult{ShouldTerminate: true, TerminateReason: "insufficient_credits", DurationSeconds: durationSeconds}
	}

	s.CreditsBilled += creditsToCharge
	s.IntervalsBilled = expectedIntervals

	return BillResult{CreditsCharged: creditsToCharge, DurationSeconds: durationSeconds}
}

// BillAll iterates every active session, calling Bill on each.
func (m *Manager) BillAll(checkCredits CreditChecker) map[string]BillResult {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.EndedAtMs == 0 {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	out := make(map[string]BillResult, len(ids))
	for _, id := range ids {
		out[id] = m.Bill(id, checkCredits)
	}
	return out
}

// EstimateCost projects the credit cost of minutes of connection time using
// the same interval formula, in the prospective direction.
func (m *Manager) EstimateCost(minutes float64) int64 {
	seconds := int64(minutes * 60)
	if seconds < m.cfg.GracePeriodSeconds || m.cfg.IntervalSeconds <= 0 {
		return 0
	}
	intervals := (seconds - m.cfg.GracePeriodSeconds) / m.cfg.IntervalSeconds
	return intervals * m.cfg.CreditsPerInterval
}

// Pause/Resume toggle a session's paused flag.
func (m *Manager) Pause(sessionID string, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Paused = paused
	}
}

// Get returns a session snapshot.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	copyS := *s
	return &copyS, true
}
