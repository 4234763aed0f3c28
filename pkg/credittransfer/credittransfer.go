// Package credittransfer implements CreditTransferManager: atomic balance
// transfers between keys with audit history and one-shot reversal.
package credittransfer

import (
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// BalanceStore is the minimal KeyStore surface this manager needs.
type BalanceStore interface {
	DeductCredits(key string, amount int64) (bool, error)
	AddCredits(key string, amount int64) error
}

// Record is a TransferRecord, kept in bounded history.
type Record struct {
	ID           string
	FromKey      string
	ToKey        string
	Amount       int64
	Reason       string
	CreatedAtMs  int64
	ReversedAtMs int64
	ReversalID   string
}

// Params configures a Transfer call.
type Params struct {
	FromKey string
	ToKey   string
	Amount  int64
	Reason  string
}

// Manager is the concrete CreditTransferManager component.
type Manager struct {
	mu sync.Mutex

	clock clock.Clock
	store BalanceStore

	minAmount   int64
	maxAmount   int64
	overdraft   bool
	maxHistory  int

	history []Record
	nextID  int64
}

// New creates a Manager.
func New(c clock.Clock, store BalanceStore, minAmount, maxAmount int64, overdraft bool, maxHistory int) *Manager {
	return &Manager{clock: c, store: store, minAmount: minAmount, maxAmount: maxAmount, overdraft: overdraft, maxHistory: maxHistory}
}

// Transfer moves amount from FromKey to ToKey atomically.
func (m *Manager) Transfer(p Params) (*Record, error) {
	if p.FromKey == "" || p.ToKey == "" {
		return nil, apperr.Validation("fromKey and toKey are required")
	}
	if p.FromKey == p.ToKey {
		return nil, apperr.Validation("fromKey and toKey must differ")
	}
	if p.Amount < m.minAmount || (m.maxAmount > 0 && p.Amount > m.maxAmount) {
		return nil, apperr.Validation("amount %d outside allowed range [%d,%d]", p.Amount, m.minAmount, m.maxAmount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ok, err := m.store.DeductCredits(p.FromKey, p.Amount)
	if err != nil {
		return nil, err
	}
	if !ok && !m.overdraft {
		return nil, apperr.InsufficientCredits(p.FromKey)
	}
	if err := m.store.AddCredits(p.ToKey, p.Amount); err != nil {
		// best-effort compensation: restore the source on failure to credit
		// the destination, since the two legs are not a single atomic op.
		m.store.AddCredits(p.FromKey, p.Amount)
		return nil, apperr.Internal(err, "crediting destination key %s", p.ToKey)
	}

	m.nextID++
	rec := Record{ID: transferID(m.nextID), FromKey: p.FromKey, ToKey: p.ToKey, Amount: p.Amount, Reason: p.Reason, CreatedAtMs: m.clock.NowMs()}
	m.appendHistoryLocked(rec)
	return &rec, nil
}

func (m *Manager) appendHistoryLocked(rec Record) {
	m.history = append(m.history, rec)
	if m.maxHistory > 0 && len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

// Reverse transfers the opposite direction, producing a new record and
// marking the original as reversed. Double-reversal is rejected.
func (m *Manager) Reverse(id string, reason string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, r := range m.history {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, apperr.NotFound("transfer %s not found", id)
	}
	orig := &m.history[idx]
	if orig.ReversalID != "" {
		return nil, apperr.State("transfer %s already reversed", id)
	}

	ok, err := m.store.DeductCredits(orig.ToKey, orig.Amount)
	if err != nil {
		return nil, err
	}
	if !ok && !m.overdraft {
		return nil, apperr.InsufficientCredits(orig.ToKey)
	}
	if err := m.store.AddCredits(orig.FromKey, orig.Amount); err != nil {
		m.store.AddCredits(orig.ToKey, orig.Amount)
		return nil, apperr.Internal(err, "crediting reversal destination %s", orig.FromKey)
	}

	m.nextID++
	reversal := Record{ID: transferID(m.nextID), FromKey: orig.ToKey, ToKey: orig.FromKey, Amount: orig.Amount, Reason: reason, CreatedAtMs: m.clock.NowMs()}

	// mark the original before appending: the append may reallocate history
	// and leave orig pointing at a stale copy.
	orig.ReversedAtMs = m.clock.NowMs()
	orig.ReversalID = reversal.ID
	m.appendHistoryLocked(reversal)

	return &reversal, nil
}

// History returns a copy of the transfer history, newest last.
func (m *Manager) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.history...)
}

func transferID(n int64) string { return "txn_" + itoa(n) }

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
