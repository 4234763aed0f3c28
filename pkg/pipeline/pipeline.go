// Package pipeline implements the RequestPipelineManager: a three-stage
// (pre/post/error) middleware chain executed in descending priority order,
// threading a mutable RequestContext through handlers.
package pipeline

import (
	"sort"
	"sync"

	"github.com/metergate/meterproxy/internal/clock"
)

// Stage names the three execution phases.
type Stage string

const (
	StagePre   Stage = "pre"
	StagePost  Stage = "post"
	StageError Stage = "error"
)

// RequestContext is threaded through every middleware invocation.
type RequestContext struct {
	Key      string
	Tool     string
	Method   string
	Params   any
	Response any
	Err      error

	Aborted     bool
	AbortReason string

	Cancelled bool

	Data map[string]any // free-form scratch space for middleware

	Errors []error
}

// Set stashes a value in the context's scratch space.
func (c *RequestContext) Set(k string, v any) {
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	c.Data[k] = v
}

// Get reads a value from the context's scratch space.
func (c *RequestContext) Get(k string) (any, bool) {
	v, ok := c.Data[k]
	return v, ok
}

// Abort marks the context aborted with a reason, short-circuiting the
// remaining pre-stage handlers.
func (c *RequestContext) Abort(reason string) {
	c.Aborted = true
	c.AbortReason = reason
}

// Handler is one middleware's logic. Returning an error is recorded into
// result.Errors; whether execution continues depends on ContinueOnError.
type Handler func(ctx *RequestContext) error

// Middleware is one registered handler with filtering and priority.
type Middleware struct {
	Name            string
	Stage           Stage
	Priority        int // higher runs first
	Enabled         bool
	ContinueOnError bool
	Tools           []string // empty = all tools
	Keys            []string // empty = all keys
	Handle          Handler
}

func (m Middleware) matches(ctx *RequestContext) bool {
	if len(m.Tools) > 0 && !contains(m.Tools, ctx.Tool) {
		return false
	}
	if len(m.Keys) > 0 && !contains(m.Keys, ctx.Key) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Result summarizes one stage's execution.
type Result struct {
	Errors     []error
	DurationMs int64
	Aborted    bool
}

// Manager is the concrete RequestPipelineManager component.
type Manager struct {
	mu    sync.Mutex
	clock clock.Clock

	middleware map[Stage][]Middleware
}

// New creates an empty Manager.
func New(c clock.Clock) *Manager {
	return &Manager{clock: c, middleware: make(map[Stage][]Middleware)}
}

// Use registers a middleware on its declared stage.
func (m *Manager) Use(mw Middleware) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.middleware[mw.Stage] = append(m.middleware[mw.Stage], mw)
}

// Run executes every enabled, matching middleware for stage in descending
// priority order against ctx.
func (m *Manager) Run(stage Stage, ctx *RequestContext) Result {
	start := m.clock.NowMs()

	m.mu.Lock()
	list := append([]Middleware(nil), m.middleware[stage]...)
	m.mu.Unlock()

	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })

	var errs []error
	for _, mw := range list {
		if !mw.Enabled || mw.Handle == nil {
			continue
		}
		if !mw.matches(ctx) {
			continue
		}
		if stage == StagePre && ctx.Aborted {
			break
		}

		if err := mw.Handle(ctx); err != nil {
			errs = append(errs, err)
			ctx.Errors = append(ctx.Errors, err)
			if !mw.ContinueOnError {
				ctx.Abort("middleware " + mw.Name + " failed")
				break
			}
		}
	}

	return Result{
		Errors:     errs,
		DurationMs: m.clock.NowMs() - start,
		Aborted:    ctx.Aborted,
	}
}
