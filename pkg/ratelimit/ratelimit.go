// Package ratelimit implements a per-key sliding-window admission gate with
// sub-window granularity and overlap-weighted counting, entirely in memory.
// It is deliberately not backed by Redis: the spec requires linearizable
// per-key checks under a single process, and cross-node coordination is an
// explicit non-goal.
package ratelimit

import (
	"math"
	"sync"

	"github.com/metergate/meterproxy/internal/clock"
)

// Result is the outcome of a Check/Peek call.
type Result struct {
	Allowed       bool
	Current       int64
	Limit         int64
	RetryAfterMs  int64
}

type subWindow struct {
	start int64
	count int64
}

type keyState struct {
	windows    []subWindow
	lastAccess int64
}

// Limiter is the concrete RateLimitSlidingWindow component.
type Limiter struct {
	mu sync.Mutex

	clock         clock.Clock
	limit         int64
	windowMs      int64
	subWindowMs   int64
	subWindows    int64
	maxKeys       int

	keys map[string]*keyState
	lru  []string // most-recently-accessed key appended at the back
}

// Config configures a Limiter.
type Config struct {
	Limit         int64
	WindowMs      int64
	SubWindowCount int64 // e.g. 6
	MaxKeys       int
}

// New creates a Limiter.
func New(c clock.Clock, cfg Config) *Limiter {
	if cfg.SubWindowCount <= 0 {
		cfg.SubWindowCount = 1
	}
	return &Limiter{
		clock:       c,
		limit:       cfg.Limit,
		windowMs:    cfg.WindowMs,
		subWindowMs: cfg.WindowMs / cfg.SubWindowCount,
		subWindows:  cfg.SubWindowCount,
		maxKeys:     cfg.MaxKeys,
		keys:        make(map[string]*keyState),
	}
}

// Check consumes one event for key if it fits within the limit.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluate(key, true)
}

// Peek reports what Check would return without mutating state.
func (l *Limiter) Peek(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluate(key, false)
}

func (l *Limiter) evaluate(key string, mutate bool) Result {
	now := l.clock.NowMs()
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{}
		if mutate {
			l.registerKeyLocked(key, st)
		}
	}

	l.pruneLocked(st, now)

	current := int64(0)
	for _, w := range st.windows {
		if w.start >= now-l.windowMs {
			current += w.count
		} else {
			remaining := float64(w.start+l.subWindowMs) - float64(now-l.windowMs)
			overlap := remaining / float64(l.subWindowMs)
			if overlap > 0 {
				current += int64(math.Ceil(float64(w.count) * overlap))
			}
		}
	}

	if current >= l.limit {
		retry := l.retryAfterLocked(st, now)
		return Result{Allowed: false, Current: current, Limit: l.limit, RetryAfterMs: retry}
	}

	if mutate {
		st.lastAccess = now
		l.touchLRULocked(key)
		l.addEventLocked(st, now)
		current++
	}

	return Result{Allowed: true, Current: current, Limit: l.limit}
}

func (l *Limiter) pruneLocked(st *keyState, now int64) {
	cutoff := now - l.windowMs
	kept := st.windows[:0]
	for _, w := range st.windows {
		if w.start+l.subWindowMs > cutoff {
			kept = append(kept, w)
		}
	}
	st.windows = kept
}

func (l *Limiter) addEventLocked(st *keyState, now int64) {
	boundary := (now / l.subWindowMs) * l.subWindowMs
	for i := range st.windows {
		if st.windows[i].start == boundary {
			st.windows[i].count++
			return
		}
	}
	st.windows = append(st.windows, subWindow{start: boundary, count: 1})
}

func (l *Limiter) retryAfterLocked(st *keyState, now int64) int64 {
	if len(st.windows) == 0 {
		return l.subWindowMs
	}
	oldest := st.windows[0].start
	for _, w := range st.windows[1:] {
		if w.start < oldest {
			oldest = w.start
		}
	}
	end := oldest + l.subWindowMs + l.windowMs
	if end <= now {
		return 0
	}
	return end - now
}

func (l *Limiter) registerKeyLocked(key string, st *keyState) {
	l.keys[key] = st
	if l.maxKeys > 0 && len(l.keys) > l.maxKeys {
		l.evictLRULocked()
	}
}

func (l *Limiter) touchLRULocked(key string) {
	for i, k := range l.lru {
		if k == key {
			l.lru = append(l.lru[:i], l.lru[i+1:]...)
			break
		}
	}
	l.lru = append(l.lru, key)
}

func (l *Limiter) evictLRULocked() {
	if len(l.lru) == 0 {
		return
	}
	victim := l.lru[0]
	l.lru = l.lru[1:]
	delete(l.keys, victim)
}

// TrackedKeys returns the number of keys currently tracked.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
