// Package slo implements SloMonitor: rolling-window latency/availability/
// error-rate SLOs with error-budget and burn-rate alerting.
package slo

import (
	"sync"

	"github.com/metergate/meterproxy/internal/clock"
)

// Type is the SLO kind.
type Type string

const (
	Latency     Type = "latency"
	Availability Type = "availability"
	ErrorRate   Type = "error_rate"
)

// Definition is one SloDefinition.
type Definition struct {
	ID                     string
	Type                   Type
	Target                 float64 // in (0,1]
	ThresholdMs            float64 // latency only
	WindowSeconds          int64
	Tools                  []string // inclusion list, empty means all
	Keys                   []string // inclusion list, empty means all
	WarningThreshold       float64 // fraction of budget remaining that triggers budget_warning
	BurnRateAlertMultiplier float64
	DefinedAt              int64 // set by DefineSlo; anchors elapsedFraction
}

// Event is one recorded SLO observation.
type Event struct {
	Tool      string
	Key       string
	LatencyMs float64
	Success   bool
	Timestamp int64
}

// Status is computeStatus's result.
type Status struct {
	Current         float64
	BudgetTotal     float64
	BudgetConsumed  float64
	BudgetRemaining float64
	BurnRate        float64
	Good            int
	Total           int
}

// Alert is one emitted alert.
type Alert struct {
	SloID     string
	Type      string // budget_exhausted | budget_warning | burn_rate_high
	Timestamp int64
}

// Monitor is the concrete SloMonitor component.
type Monitor struct {
	mu sync.Mutex

	clock       clock.Clock
	definitions map[string]*Definition
	events      []Event
	lastAlert   map[string]int64 // (sloId,type) -> timestamp, for 60s dedup
	alerts      []Alert
}

// New creates a Monitor.
func New(c clock.Clock) *Monitor {
	return &Monitor{
		clock:       c,
		definitions: make(map[string]*Definition),
		lastAlert:   make(map[string]int64),
	}
}

// DefineSlo registers or replaces an SLO definition.
func (m *Monitor) DefineSlo(d Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	cp.DefinedAt = m.clock.NowMs()
	m.definitions[d.ID] = &cp
}

// RecordEvent stores an observation and evaluates every SLO's alerts against
// it.
func (m *Monitor) RecordEvent(e Event) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Timestamp == 0 {
		e.Timestamp = m.clock.NowMs()
	}
	m.events = append(m.events, e)

	var fired []Alert
	for _, d := range m.definitions {
		st := m.computeStatusLocked(d)
		fired = append(fired, m.evaluateAlertsLocked(d, st)...)
	}
	return fired
}

// ComputeStatus evaluates one SLO's current status over its window.
func (m *Monitor) ComputeStatus(sloID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.definitions[sloID]
	if !ok {
		return Status{}, false
	}
	return m.computeStatusLocked(d), true
}

func includesLocked(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (m *Monitor) computeStatusLocked(d *Definition) Status {
	now := m.clock.NowMs()
	windowStart := now - d.WindowSeconds*1000

	good, total := 0, 0
	for _, e := range m.events {
		if e.Timestamp < windowStart || e.Timestamp > now {
			continue
		}
		if !includesLocked(d.Tools, e.Tool) || !includesLocked(d.Keys, e.Key) {
			continue
		}
		total++
		switch d.Type {
		case Latency:
			if e.LatencyMs <= d.ThresholdMs {
				good++
			}
		default: // availability, error_rate
			if e.Success {
				good++
			}
		}
	}

	current := 1.0
	if total > 0 {
		current = float64(good) / float64(total)
	}

	budgetTotal := 1 - d.Target
	bad := total - good
	budgetConsumed := 0.0
	if total > 0 {
		budgetConsumed = float64(bad) / float64(total)
	}
	budgetRemaining := budgetTotal - budgetConsumed
	if budgetRemaining < 0 {
		budgetRemaining = 0
	}

	elapsedFraction := 1.0
	if d.WindowSeconds > 0 {
		windowMs := float64(d.WindowSeconds * 1000)
		elapsedFraction = float64(now-d.DefinedAt) / windowMs
		if elapsedFraction > 1 {
			elapsedFraction = 1
		}
		if elapsedFraction <= 0 {
			elapsedFraction = 1.0 / windowMs
		}
	}

	burnRate := 0.0
	if budgetTotal > 0 && elapsedFraction > 0 {
		burnRate = budgetConsumed / (budgetTotal * elapsedFraction)
	}

	return Status{
		Current:         current,
		BudgetTotal:     budgetTotal,
		BudgetConsumed:  budgetConsumed,
		BudgetRemaining: budgetRemaining,
		BurnRate:        burnRate,
		Good:            good,
		Total:           total,
	}
}

func (m *Monitor) evaluateAlertsLocked(d *Definition, st Status) []Alert {
	now := m.clock.NowMs()
	var fired []Alert

	maybeFire := func(alertType string) {
		key := d.ID + "|" + alertType
		if last, ok := m.lastAlert[key]; ok && now-last < 60000 {
			return
		}
		a := Alert{SloID: d.ID, Type: alertType, Timestamp: now}
		m.alerts = append(m.alerts, a)
		fired = append(fired, a)
		m.lastAlert[key] = now
	}

	if st.BudgetRemaining <= 0 {
		maybeFire("budget_exhausted")
	} else if d.WarningThreshold > 0 && st.BudgetRemaining < d.WarningThreshold*st.BudgetTotal {
		maybeFire("budget_warning")
	}

	if d.BurnRateAlertMultiplier > 0 && st.BurnRate > d.BurnRateAlertMultiplier {
		maybeFire("burn_rate_high")
	}

	return fired
}

// Alerts returns all alerts emitted so far.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}
