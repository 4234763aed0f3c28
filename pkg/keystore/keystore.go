// Package keystore is the single source of truth for API key records and
// balances. Every credit mutation in the system routes through it; no other
// component is permitted to write an ApiKeyRecord directly.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// QuotaCounters tracks per-key usage reset on a daily/monthly cadence.
type QuotaCounters struct {
	DailyCalls      int64
	DailyCredits    int64
	MonthlyCalls    int64
	MonthlyCredits  int64
	DailyLimit      int64 // 0 = unlimited
	MonthlyLimit    int64
	LastResetDay    string // YYYY-MM-DD
	LastResetMonth  string // YYYY-MM
}

// Record is an ApiKeyRecord (spec §3).
type Record struct {
	Key            string
	Name           string
	Credits        int64
	TotalSpent     int64
	TotalCalls     int64
	CreatedAtMs    int64
	LastUsedAtMs   int64
	Active         bool
	ExpiresAtMs    int64 // 0 = never
	SpendingLimit  int64 // 0 = unlimited; cumulative TotalSpent cap
	AllowedTools   []string
	DeniedTools    []string
	Quota          QuotaCounters
}

// Options configure CreateKey.
type Options struct {
	Prefix        string
	ExpiresAtMs   int64
	SpendingLimit int64
	AllowedTools  []string
	DeniedTools   []string
	DailyLimit    int64
	MonthlyLimit  int64
}

const maxNameLength = 200

// Store is the concrete KeyStore component.
type Store struct {
	mu sync.Mutex

	clock   clock.Clock
	records map[string]*Record
}

// New creates an empty Store.
func New(c clock.Clock) *Store {
	return &Store{clock: c, records: make(map[string]*Record)}
}

// CreateKey generates an opaque key of the form <prefix>_<hex> with >=192
// bits of entropy and registers a new record with initialCredits.
func (s *Store) CreateKey(name string, initialCredits int64, opts Options) (*Record, error) {
	name = sanitizeName(name)
	if name == "" {
		return nil, apperr.Validation("name must not be empty")
	}
	if len(name) > maxNameLength {
		return nil, apperr.Validation("name exceeds %d characters", maxNameLength)
	}
	if initialCredits < 0 {
		initialCredits = 0
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "mpk"
	}
	key, err := generateKey(prefix)
	if err != nil {
		return nil, apperr.Internal(err, "generating key")
	}

	now := s.clock.NowMs()
	rec := &Record{
		Key:           key,
		Name:          name,
		Credits:       initialCredits,
		CreatedAtMs:   now,
		Active:        true,
		ExpiresAtMs:   opts.ExpiresAtMs,
		SpendingLimit: opts.SpendingLimit,
		AllowedTools:  append([]string(nil), opts.AllowedTools...),
		DeniedTools:   append([]string(nil), opts.DeniedTools...),
		Quota: QuotaCounters{
			DailyLimit:   opts.DailyLimit,
			MonthlyLimit: opts.MonthlyLimit,
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
	return cloneRecord(rec), nil
}

func generateKey(prefix string) (string, error) {
	raw := make([]byte, 24) // 192 bits
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(raw)), nil
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r >= 0x20 && r != 0x7f {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// GetKey returns the record only if it is active and not expired.
func (s *Store) GetKey(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, apperr.NotFound("key %s not found", key)
	}
	s.resetQuotaIfNeededLocked(rec)

	if !rec.Active {
		return nil, apperr.NotFound("key %s not found", key)
	}
	if rec.ExpiresAtMs > 0 && s.clock.NowMs() >= rec.ExpiresAtMs {
		return nil, apperr.NotFound("key %s not found", key)
	}
	return cloneRecord(rec), nil
}

// GetKeyRaw returns the record bypassing the active/expiry check.
func (s *Store) GetKeyRaw(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, apperr.NotFound("key %s not found", key)
	}
	s.resetQuotaIfNeededLocked(rec)
	return cloneRecord(rec), nil
}

func (s *Store) resetQuotaIfNeededLocked(rec *Record) {
	now := time.UnixMilli(s.clock.NowMs()).UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if rec.Quota.LastResetDay != day {
		rec.Quota.DailyCalls = 0
		rec.Quota.DailyCredits = 0
		rec.Quota.LastResetDay = day
	}
	if rec.Quota.LastResetMonth != month {
		rec.Quota.MonthlyCalls = 0
		rec.Quota.MonthlyCredits = 0
		rec.Quota.LastResetMonth = month
	}
}

// DeductCredits atomically decrements credits, rejecting (ok=false) if the
// balance is insufficient. Only called after a gate decision of ALLOW.
func (s *Store) DeductCredits(key string, amount int64) (bool, error) {
	if amount < 0 {
		return false, apperr.Validation("amount must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return false, apperr.NotFound("key %s not found", key)
	}

	if rec.Credits < amount {
		return false, nil
	}

	rec.Credits -= amount
	rec.TotalSpent += amount
	rec.TotalCalls++
	rec.LastUsedAtMs = s.clock.NowMs()

	s.resetQuotaIfNeededLocked(rec)
	rec.Quota.DailyCalls++
	rec.Quota.MonthlyCalls++
	rec.Quota.DailyCredits += amount
	rec.Quota.MonthlyCredits += amount

	return true, nil
}

// AddCredits adds a positive amount to the key's balance.
func (s *Store) AddCredits(key string, amount int64) error {
	if amount <= 0 {
		return apperr.Validation("amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return apperr.NotFound("key %s not found", key)
	}
	rec.Credits += amount
	return nil
}

// SetACL replaces the allowed/denied tool lists for a key.
func (s *Store) SetACL(key string, allowed, denied []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return apperr.NotFound("key %s not found", key)
	}
	rec.AllowedTools = append([]string(nil), allowed...)
	rec.DeniedTools = append([]string(nil), denied...)
	return nil
}

// SetQuota sets the daily/monthly limits for a key.
func (s *Store) SetQuota(key string, dailyLimit, monthlyLimit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return apperr.NotFound("key %s not found", key)
	}
	rec.Quota.DailyLimit = dailyLimit
	rec.Quota.MonthlyLimit = monthlyLimit
	return nil
}

// SetExpiry sets or clears (0) a key's expiry timestamp.
func (s *Store) SetExpiry(key string, expiresAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return apperr.NotFound("key %s not found", key)
	}
	rec.ExpiresAtMs = expiresAtMs
	return nil
}

// RevokeKey soft-deletes a key: it becomes invisible to GetKey but remains
// in raw storage for audit/export purposes.
func (s *Store) RevokeKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return apperr.NotFound("key %s not found", key)
	}
	rec.Active = false
	return nil
}

// DeleteKey hard-removes a key record.
func (s *Store) DeleteKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; !ok {
		return apperr.NotFound("key %s not found", key)
	}
	delete(s.records, key)
	return nil
}

// ImportKey loads a record verbatim, for example from persisted state on
// startup. Missing fields are defaulted by the caller before importing.
func (s *Store) ImportKey(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rec
	s.records[rec.Key] = &r
}

// All returns every record, including inactive/expired ones, for export and
// persistence snapshots.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *cloneRecord(rec))
	}
	return out
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.AllowedTools = append([]string(nil), r.AllowedTools...)
	c.DeniedTools = append([]string(nil), r.DeniedTools...)
	return &c
}
