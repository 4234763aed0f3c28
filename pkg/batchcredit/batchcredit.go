// Package batchcredit implements BatchCreditManager: all-or-nothing batches
// of topup/deduct/transfer/refund/adjust operations with snapshot/rollback
// semantics in atomic mode.
package batchcredit

import (
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
)

// OpKind is one batch operation type.
type OpKind string

const (
	OpTopup    OpKind = "topup"
	OpDeduct   OpKind = "deduct"
	OpTransfer OpKind = "transfer"
	OpRefund   OpKind = "refund"
	OpAdjust   OpKind = "adjust"
)

// Op is one BatchOp (spec §3).
type Op struct {
	Kind   OpKind
	Key    string // topup/deduct/refund/adjust target; transfer source
	ToKey  string // transfer destination only
	Amount int64  // adjust may be negative
	Reason string // required for adjust
}

// ExecResult is one BatchExecutionResult.
type ExecResult struct {
	Op             Op
	Success        bool
	BalanceBefore  int64
	BalanceAfter   int64
	Error          string
}

// Result is the outcome of Execute.
type Result struct {
	Results    []ExecResult
	Succeeded  int
	Failed     int
	RolledBack bool
}

// Balances is the minimal balance surface this manager mutates directly: a
// pointwise Get/Set, which the atomic mode uses to snapshot and restore
// balances. MapBalances implements it over a plain map; a KeyStore can be
// adapted to it.
type Balances interface {
	Get(key string) int64
	Set(key string, amount int64)
}

// MapBalances is an in-memory Balances backed by a plain map, used when the
// caller wants batch ops applied directly without going through KeyStore.
type MapBalances map[string]int64

func (b MapBalances) Get(key string) int64     { return b[key] }
func (b MapBalances) Set(key string, amount int64) { b[key] = amount }

// Manager is the concrete BatchCreditManager component.
type Manager struct {
	mu sync.Mutex

	balances      Balances
	overdraft     bool
	maxOpsPerBatch int
}

// New creates a Manager over balances.
func New(balances Balances, overdraft bool, maxOpsPerBatch int) *Manager {
	return &Manager{balances: balances, overdraft: overdraft, maxOpsPerBatch: maxOpsPerBatch}
}

// Execute runs ops per spec §4.14's exact semantics.
func (m *Manager) Execute(ops []Op, atomic bool) Result {
	if len(ops) == 0 {
		return Result{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxOpsPerBatch > 0 && len(ops) > m.maxOpsPerBatch {
		results := make([]ExecResult, len(ops))
		for i, op := range ops {
			results[i] = ExecResult{Op: op, Success: false, Error: "batch exceeds max ops per batch"}
		}
		return Result{Results: results, Failed: len(ops)}
	}

	snapshot := m.snapshotLocked(ops)

	if atomic {
		if invalidIdx, msg := m.validateAllLocked(ops); invalidIdx >= 0 {
			results := make([]ExecResult, len(ops))
			for i, op := range ops {
				errMsg := "rolled back"
				if i == invalidIdx {
					errMsg = msg
				}
				results[i] = ExecResult{Op: op, Success: false, Error: errMsg}
			}
			return Result{Results: results, Failed: len(ops), RolledBack: true}
		}
	}

	results := make([]ExecResult, 0, len(ops))
	for i, op := range ops {
		res, err := m.applyLocked(op)
		if err != nil {
			if atomic {
				m.restoreLocked(snapshot)
				return m.downgradeOnFailureLocked(ops, i, err)
			}
			results = append(results, ExecResult{Op: op, Success: false, Error: err.Error()})
			continue
		}
		results = append(results, res)
	}

	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return Result{Results: results, Succeeded: succeeded, Failed: failed}
}

func (m *Manager) snapshotLocked(ops []Op) map[string]int64 {
	snap := make(map[string]int64)
	for _, op := range ops {
		if op.Key != "" {
			if _, ok := snap[op.Key]; !ok {
				snap[op.Key] = m.balances.Get(op.Key)
			}
		}
		if op.ToKey != "" {
			if _, ok := snap[op.ToKey]; !ok {
				snap[op.ToKey] = m.balances.Get(op.ToKey)
			}
		}
	}
	return snap
}

func (m *Manager) restoreLocked(snapshot map[string]int64) {
	for k, v := range snapshot {
		m.balances.Set(k, v)
	}
}

// validateAllLocked checks every op's preconditions against current balances
// without applying them, simulating sequential application so an earlier
// op's effect is visible to a later validation in the same key.
func (m *Manager) validateAllLocked(ops []Op) (int, string) {
	scratch := make(map[string]int64)
	get := func(k string) int64 {
		if v, ok := scratch[k]; ok {
			return v
		}
		return m.balances.Get(k)
	}

	for i, op := range ops {
		switch op.Kind {
		case OpTopup, OpRefund:
			if op.Amount <= 0 {
				return i, "amount must be positive"
			}
			scratch[op.Key] = get(op.Key) + op.Amount
		case OpDeduct:
			if op.Amount <= 0 {
				return i, "amount must be positive"
			}
			bal := get(op.Key)
			if bal < op.Amount && !m.overdraft {
				return i, "insufficient balance"
			}
			scratch[op.Key] = bal - op.Amount
		case OpTransfer:
			if op.Key == "" || op.ToKey == "" || op.Key == op.ToKey {
				return i, "invalid transfer keys"
			}
			bal := get(op.Key)
			if bal < op.Amount && !m.overdraft {
				return i, "insufficient balance"
			}
			scratch[op.Key] = bal - op.Amount
			scratch[op.ToKey] = get(op.ToKey) + op.Amount
		case OpAdjust:
			if op.Reason == "" {
				return i, "adjust requires a reason"
			}
			bal := get(op.Key) + op.Amount
			if bal < 0 && !m.overdraft {
				return i, "adjustment would go negative"
			}
			scratch[op.Key] = bal
		default:
			return i, "unknown op kind"
		}
	}
	return -1, ""
}

func (m *Manager) applyLocked(op Op) (ExecResult, error) {
	switch op.Kind {
	case OpTopup, OpRefund:
		if op.Amount <= 0 {
			return ExecResult{}, apperr.Validation("amount must be positive")
		}
		before := m.balances.Get(op.Key)
		after := before + op.Amount
		m.balances.Set(op.Key, after)
		return ExecResult{Op: op, Success: true, BalanceBefore: before, BalanceAfter: after}, nil

	case OpDeduct:
		if op.Amount <= 0 {
			return ExecResult{}, apperr.Validation("amount must be positive")
		}
		before := m.balances.Get(op.Key)
		if before < op.Amount && !m.overdraft {
			return ExecResult{}, apperr.InsufficientCredits(op.Key)
		}
		after := before - op.Amount
		m.balances.Set(op.Key, after)
		return ExecResult{Op: op, Success: true, BalanceBefore: before, BalanceAfter: after}, nil

	case OpTransfer:
		if op.Key == "" || op.ToKey == "" || op.Key == op.ToKey {
			return ExecResult{}, apperr.Validation("invalid transfer keys")
		}
		before := m.balances.Get(op.Key)
		if before < op.Amount && !m.overdraft {
			return ExecResult{}, apperr.InsufficientCredits(op.Key)
		}
		m.balances.Set(op.Key, before-op.Amount)
		m.balances.Set(op.ToKey, m.balances.Get(op.ToKey)+op.Amount)
		return ExecResult{Op: op, Success: true, BalanceBefore: before, BalanceAfter: before - op.Amount}, nil

	case OpAdjust:
		if op.Reason == "" {
			return ExecResult{}, apperr.Validation("adjust requires a reason")
		}
		before := m.balances.Get(op.Key)
		after := before + op.Amount
		if after < 0 && !m.overdraft {
			return ExecResult{}, apperr.Validation("adjustment would go negative")
		}
		m.balances.Set(op.Key, after)
		return ExecResult{Op: op, Success: true, BalanceBefore: before, BalanceAfter: after}, nil

	default:
		return ExecResult{}, apperr.Validation("unknown op kind %q", op.Kind)
	}
}

// downgradeOnFailureLocked handles the atomic-mode per-op failure path:
// balances are already restored by the caller; every op, including those
// that succeeded before index failedAt, is reported as failed with "rolled
// back" so succeeded==0 across the whole batch (spec §4.14, open question).
func (m *Manager) downgradeOnFailureLocked(ops []Op, failedAt int, failErr error) Result {
	results := make([]ExecResult, len(ops))
	for i, op := range ops {
		msg := "rolled back"
		if i == failedAt {
			msg = failErr.Error()
		}
		results[i] = ExecResult{Op: op, Success: false, Error: msg}
	}
	return Result{Results: results, Failed: len(ops), RolledBack: true}
}
