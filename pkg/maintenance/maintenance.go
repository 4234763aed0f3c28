// Package maintenance implements MaintenanceWindowManager: scheduled and
// auto-activated maintenance windows with optional traffic blocking.
package maintenance

import (
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// WindowStatus is one MaintenanceWindow's lifecycle state.
type WindowStatus string

const (
	Scheduled WindowStatus = "scheduled"
	Active    WindowStatus = "active"
	Completed WindowStatus = "completed"
	Cancelled WindowStatus = "cancelled"
)

// Window is one MaintenanceWindow.
type Window struct {
	ID            string
	Status        WindowStatus
	StartsAt      int64
	EndsAt        int64
	BlockTraffic  bool
	AutoComplete  bool
	Message       string
}

// OperationalStatus is the result of getStatus.
type OperationalStatus struct {
	Operational   bool
	Message       string
	NextScheduled *Window
}

// Manager is the concrete MaintenanceWindowManager component.
type Manager struct {
	mu sync.Mutex

	clock   clock.Clock
	windows map[string]*Window
	seq     int64
}

// New creates a Manager.
func New(c clock.Clock) *Manager {
	return &Manager{clock: c, windows: make(map[string]*Window)}
}

// ScheduleWindow schedules a window; startsAt in the past-or-present makes it
// start active.
func (m *Manager) ScheduleWindow(startsAt, durationMs int64, blockTraffic, autoComplete bool, message string) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	w := &Window{
		ID:           idFor(m.seq),
		StartsAt:     startsAt,
		EndsAt:       startsAt + durationMs,
		BlockTraffic: blockTraffic,
		AutoComplete: autoComplete,
		Message:      message,
		Status:       Scheduled,
	}
	now := m.clock.NowMs()
	if now >= startsAt && now < w.EndsAt {
		w.Status = Active
	}
	m.windows[w.ID] = w
	return w
}

// Cancel marks a window cancelled; terminal, no further transitions apply.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		return apperr.NotFound("maintenance window %q not found", id)
	}
	w.Status = Cancelled
	return nil
}

func (m *Manager) advanceLocked(w *Window) {
	if w.Status == Cancelled || w.Status == Completed {
		return
	}
	now := m.clock.NowMs()
	if w.Status == Scheduled && now >= w.StartsAt {
		w.Status = Active
	}
	if w.Status == Active && w.AutoComplete && now >= w.EndsAt {
		w.Status = Completed
	}
}

// Get returns a window after lazily advancing its state.
func (m *Manager) Get(id string) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		return nil, apperr.NotFound("maintenance window %q not found", id)
	}
	m.advanceLocked(w)
	cp := *w
	return &cp, nil
}

// GetStatus reports whether the proxy is operational right now.
func (m *Manager) GetStatus() OperationalStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.windows {
		m.advanceLocked(w)
	}

	for _, w := range m.windows {
		if w.Status == Active && w.BlockTraffic {
			return OperationalStatus{Operational: false, Message: w.Message}
		}
	}

	var next *Window
	for _, w := range m.windows {
		if w.Status != Scheduled {
			continue
		}
		if next == nil || w.StartsAt < next.StartsAt {
			cp := *w
			next = &cp
		}
	}
	return OperationalStatus{Operational: true, NextScheduled: next}
}

func idFor(n int64) string {
	return "mw_" + itoa(n)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
