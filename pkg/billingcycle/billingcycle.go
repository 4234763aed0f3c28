// Package billingcycle implements BillingCycleManager: rolling billing
// cycles per key and invoice generation aggregated from usage records.
package billingcycle

import (
	"sort"
	"sync"
	"time"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// Frequency is the cycle cadence.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Invoice status values.
const (
	StatusDraft     = "draft"
	StatusFinalized = "finalized"
	StatusPaid      = "paid"
	StatusVoided    = "voided"
)

// Subscription is a BillingSubscription (spec §3).
type Subscription struct {
	Key          string
	Frequency    Frequency
	CycleStartMs int64
	CycleEndMs   int64
	Active       bool
}

// LineItem is one tool's aggregated usage within an invoice.
type LineItem struct {
	Tool          string
	CallCount     int64
	TotalCredits  int64
}

// Invoice is the generated billing artifact (spec §3).
type Invoice struct {
	ID           string
	Key          string
	Status       string
	LineItems    []LineItem
	TotalCredits int64
	TotalCalls   int64
	CycleStartMs int64
	CycleEndMs   int64
}

// UsageRecord is a raw usage event the manager aggregates on invoice generation.
type UsageRecord struct {
	Key         string
	Tool        string
	Credits     int64
	TimestampMs int64
}

// Manager is the concrete BillingCycleManager component.
type Manager struct {
	mu sync.Mutex

	clock clock.Clock

	subscriptions map[string]*Subscription
	usage         []UsageRecord
	invoices      map[string]*Invoice
	nextInvoiceID int64

	totalCreditsInvoiced int64
}

// New creates a Manager.
func New(c clock.Clock) *Manager {
	return &Manager{clock: c, subscriptions: make(map[string]*Subscription), invoices: make(map[string]*Invoice)}
}

// Subscribe creates or replaces a key's billing subscription, starting a
// cycle at now.
func (m *Manager) Subscribe(key string, freq Frequency) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.NowMs()
	sub := &Subscription{Key: key, Frequency: freq, CycleStartMs: now, CycleEndMs: advanceCycle(now, freq), Active: true}
	m.subscriptions[key] = sub
	return sub
}

// advanceCycle computes the next cycle boundary using UTC calendar arithmetic.
func advanceCycle(fromMs int64, freq Frequency) int64 {
	t := time.UnixMilli(fromMs).UTC()
	switch freq {
	case Weekly:
		return t.AddDate(0, 0, 7).UnixMilli()
	case Monthly:
		return t.AddDate(0, 1, 0).UnixMilli()
	default:
		return t.AddDate(0, 0, 1).UnixMilli()
	}
}

// RecordUsage appends a usage record for later aggregation.
func (m *Manager) RecordUsage(r UsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, r)
}

// GenerateInvoice advances the subscription's cycle until it contains now,
// aggregates usage in [cycleStart, cycleEnd), and produces a draft invoice.
func (m *Manager) GenerateInvoice(key string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[key]
	if !ok {
		return nil, apperr.NotFound("no billing subscription for key %s", key)
	}

	now := m.clock.NowMs()
	for sub.CycleEndMs <= now {
		sub.CycleStartMs = sub.CycleEndMs
		sub.CycleEndMs = advanceCycle(sub.CycleStartMs, sub.Frequency)
	}

	byTool := make(map[string]*LineItem)
	order := make([]string, 0)
	var totalCredits, totalCalls int64
	for _, r := range m.usage {
		if r.Key != key {
			continue
		}
		if r.TimestampMs < sub.CycleStartMs || r.TimestampMs >= sub.CycleEndMs {
			continue
		}
		li, ok := byTool[r.Tool]
		if !ok {
			li = &LineItem{Tool: r.Tool}
			byTool[r.Tool] = li
			order = append(order, r.Tool)
		}
		li.CallCount++
		li.TotalCredits += r.Credits
		totalCredits += r.Credits
		totalCalls++
	}

	items := make([]LineItem, 0, len(order))
	for _, t := range order {
		items = append(items, *byTool[t])
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TotalCredits > items[j].TotalCredits })

	m.nextInvoiceID++
	inv := &Invoice{
		ID:           invoiceID(m.nextInvoiceID),
		Key:          key,
		Status:       StatusDraft,
		LineItems:    items,
		TotalCredits: totalCredits,
		TotalCalls:   totalCalls,
		CycleStartMs: sub.CycleStartMs,
		CycleEndMs:   sub.CycleEndMs,
	}
	m.invoices[inv.ID] = inv
	return inv, nil
}

func invoiceID(n int64) string {
	return "inv_" + itoa(n)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// FinalizeInvoice transitions draft -> finalized, adding its total to the
// engine-wide invoiced counter.
func (m *Manager) FinalizeInvoice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return apperr.NotFound("invoice %s not found", id)
	}
	if inv.Status != StatusDraft {
		return apperr.State("invoice %s is %s, cannot finalize", id, inv.Status)
	}
	inv.Status = StatusFinalized
	m.totalCreditsInvoiced += inv.TotalCredits
	return nil
}

// MarkPaid transitions finalized -> paid (terminal).
func (m *Manager) MarkPaid(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return apperr.NotFound("invoice %s not found", id)
	}
	if inv.Status != StatusFinalized {
		return apperr.State("invoice %s is %s, must be finalized before paid", id, inv.Status)
	}
	inv.Status = StatusPaid
	return nil
}

// VoidInvoice transitions any non-paid invoice to voided (terminal).
func (m *Manager) VoidInvoice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return apperr.NotFound("invoice %s not found", id)
	}
	if inv.Status == StatusPaid {
		return apperr.State("invoice %s is paid, cannot void", id)
	}
	inv.Status = StatusVoided
	return nil
}

// GetInvoice returns an invoice by id.
func (m *Manager) GetInvoice(id string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, apperr.NotFound("invoice %s not found", id)
	}
	return inv, nil
}

// TotalCreditsInvoiced returns the running total across all finalized invoices.
func (m *Manager) TotalCreditsInvoiced() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCreditsInvoiced
}
