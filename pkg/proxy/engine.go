// Package proxy composes every admission and billing component into the
// request-lifecycle engine: envelope validation, pipeline pre-stage,
// load-balanced forward-to-backend, and pipeline post-stage, per spec's
// data-flow ordering.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
	"github.com/metergate/meterproxy/pkg/apimetrics"
	"github.com/metergate/meterproxy/pkg/billingcycle"
	"github.com/metergate/meterproxy/pkg/bufferqueue"
	"github.com/metergate/meterproxy/pkg/connbilling"
	"github.com/metergate/meterproxy/pkg/dedup"
	"github.com/metergate/meterproxy/pkg/forecast"
	"github.com/metergate/meterproxy/pkg/hierarchy"
	"github.com/metergate/meterproxy/pkg/keystore"
	"github.com/metergate/meterproxy/pkg/ledger"
	"github.com/metergate/meterproxy/pkg/loadbalancer"
	"github.com/metergate/meterproxy/pkg/maintenance"
	"github.com/metergate/meterproxy/pkg/notification"
	"github.com/metergate/meterproxy/pkg/pipeline"
	"github.com/metergate/meterproxy/pkg/ratelimit"
	"github.com/metergate/meterproxy/pkg/schema"
	"github.com/metergate/meterproxy/pkg/scope"
	"github.com/metergate/meterproxy/pkg/slo"
	"github.com/metergate/meterproxy/pkg/validate"
)

// Backend forwards one JSON-RPC call to a selected downstream process or
// service; implementations wrap stdio or HTTP transports.
type Backend interface {
	Call(ctx context.Context, backendName, method string, params json.RawMessage) (result any, statusCode int, err error)
}

// ToolResolver extracts the tool name a method call targets, for scope and
// schema checks; most methods are themselves the tool name.
type ToolResolver func(method string) string

// Config tunes engine-wide behavior.
type Config struct {
	CostPerCall      int64
	BackendTimeout   time.Duration
	ToolResolver     ToolResolver
}

// Managers bundles every component the engine composes. Each field is
// constructed independently by the caller (see internal/app) and handed
// to New as a unit so the engine never decides construction order itself.
type Managers struct {
	Ledger       *ledger.Ledger
	Keys         *keystore.Store
	RateLimit    *ratelimit.Limiter
	Scopes       *scope.Manager
	Hierarchy    *hierarchy.Manager
	Dedup        *dedup.Deduplicator
	Validator    *validate.Validator
	Schemas      *schema.Validator
	Pipeline     *pipeline.Manager
	ConnBilling  *connbilling.Manager
	Maintenance  *maintenance.Manager
	BufferQueue  *bufferqueue.Queue
	LoadBalancer *loadbalancer.Balancer
	SLO          *slo.Monitor
	Forecast     *forecast.Engine
	Metrics      *apimetrics.Aggregator
	Notifier     *notification.Manager
	Cycles       *billingcycle.Manager
}

// Engine is the concrete request-lifecycle engine composing every manager.
type Engine struct {
	clock clock.Clock
	cfg   Config

	Managers

	backend  Backend
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// New wires an Engine from its already-constructed managers.
func New(c clock.Clock, cfg Config, m Managers, backend Backend, logger *slog.Logger) *Engine {
	if cfg.ToolResolver == nil {
		cfg.ToolResolver = func(method string) string { return method }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		clock:    c,
		cfg:      cfg,
		Managers: m,
		backend:  backend,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

func (e *Engine) breakerFor(name string) *gobreaker.CircuitBreaker {
	if b, ok := e.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend:" + name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	e.breakers[name] = b
	return b
}

// RPCResult carries the outcome of HandleRequest back to the transport.
type RPCResult struct {
	ID     any
	Result any
	Err    *apperr.Error
}

// HandleRequest runs the full admission pipeline for one inbound JSON-RPC
// request body, issued on behalf of apiKey. sessionID identifies the
// connection for duration-billed transports (SSE, websocket) and is empty
// for plain request/response transports.
func (e *Engine) HandleRequest(ctx context.Context, apiKey, sessionID string, rawBody []byte) RPCResult {
	env, errs := e.Validator.Validate(rawBody)
	if len(errs) > 0 {
		return RPCResult{Err: validate.AsError(errs)}
	}

	if env.Method == "tasks/cancel" {
		return e.handleTaskCancel(env)
	}

	tool := e.cfg.ToolResolver(env.Method)
	cost := e.cfg.CostPerCall

	pctx := &pipeline.RequestContext{Key: apiKey, Tool: tool, Method: env.Method, Params: env.Params}

	if schemaErrs := e.Schemas.Validate(tool, decodeParams(env.Params)); len(schemaErrs) > 0 {
		return RPCResult{ID: env.ID, Err: apperr.Validation("invalid params for tool %q: %v", tool, schemaErrs)}
	}

	status := e.Maintenance.GetStatus()
	if !status.Operational {
		return RPCResult{ID: env.ID, Err: apperr.State("proxy is in maintenance: %s", status.Message)}
	}

	// Authentication: unknown, revoked, or expired keys never reach a backend.
	rec, err := e.Keys.GetKey(apiKey)
	if err != nil {
		if ae, ok := apperr.As(err); ok {
			return RPCResult{ID: env.ID, Err: ae}
		}
		return RPCResult{ID: env.ID, Err: apperr.Internal(err, "loading key")}
	}

	if aerr := checkACLAndQuota(rec, tool, cost); aerr != nil {
		return RPCResult{ID: env.ID, Err: aerr}
	}

	if err := e.Scopes.Check(apiKey, tool); err != nil {
		if ae, ok := apperr.As(err); ok {
			return RPCResult{ID: env.ID, Err: ae}
		}
		return RPCResult{ID: env.ID, Err: apperr.Internal(err, "checking scope")}
	}

	if res := e.RateLimit.Check(apiKey); !res.Allowed {
		return RPCResult{ID: env.ID, Err: apperr.PolicyDenied(apperr.CodeInvalidParams,
			"rate limit exceeded for key %s: %d/%d", apiKey, res.Current, res.Limit).
			WithData(map[string]any{"retryAfterMs": res.RetryAfterMs})}
	}

	fingerprint := e.Dedup.Fingerprint(apiKey, decodeParamsMap(env.Params))
	if dup, isDup := e.Dedup.IsDuplicate(fingerprint); isDup {
		return RPCResult{ID: env.ID, Err: apperr.PolicyDenied(apperr.CodeInvalidParams,
			"duplicate request for key %s (seen %d times)", apiKey, dup.Count)}
	}

	if ancestors := e.Hierarchy.GetAncestors(apiKey); len(ancestors) > 0 {
		parent, err := e.Keys.GetKeyRaw(ancestors[0])
		if err == nil {
			if err := e.Hierarchy.CheckCeiling(apiKey, cost, parent.Credits); err != nil {
				if ae, ok := apperr.As(err); ok {
					return RPCResult{ID: env.ID, Err: ae}
				}
				return RPCResult{ID: env.ID, Err: apperr.Internal(err, "checking hierarchy ceiling")}
			}
		}
	}

	// Sufficiency is checked here, before any backend call, but the actual
	// deduction waits until the forward succeeds: a failed or timed-out
	// call must not cost the key anything.
	if rec.Credits < cost {
		return RPCResult{ID: env.ID, Err: apperr.InsufficientCredits(apiKey)}
	}

	if sessionID != "" {
		e.ConnBilling.Touch(sessionID)
	}

	e.Dedup.Record(fingerprint, apiKey)

	e.Pipeline.Run(pipeline.StagePre, pctx)
	if pctx.Aborted {
		e.Pipeline.Run(pipeline.StageError, pctx)
		return RPCResult{ID: env.ID, Err: toAppErr(pctx)}
	}

	pick, err := e.LoadBalancer.Pick()
	if err != nil {
		pctx.Err = err
		e.Pipeline.Run(pipeline.StageError, pctx)
		return RPCResult{ID: env.ID, Err: apperr.Upstream(err, "no backend available")}
	}

	e.LoadBalancer.Connect(pick.Backend)
	defer e.LoadBalancer.Disconnect(pick.Backend)

	callCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.BackendTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.BackendTimeout)
		defer cancel()
	}

	start := e.clock.NowMs()
	breaker := e.breakerFor(pick.Backend)
	raw, err := breaker.Execute(func() (any, error) {
		result, statusCode, callErr := e.backend.Call(callCtx, pick.Backend, env.Method, env.Params)
		if callErr != nil {
			return nil, callErr
		}
		e.LoadBalancer.RecordRequest(pick.Backend, statusCode, float64(e.clock.NowMs()-start))
		return result, nil
	})
	latencyMs := float64(e.clock.NowMs() - start)

	if err != nil {
		e.LoadBalancer.RecordRequest(pick.Backend, 502, latencyMs)
		pctx.Err = err
		e.Pipeline.Run(pipeline.StageError, pctx)
		return RPCResult{ID: env.ID, Err: apperr.Upstream(err, "backend call failed")}
	}

	pctx.Response = raw

	ok, err := e.Keys.DeductCredits(apiKey, cost)
	if err != nil {
		return RPCResult{ID: env.ID, Err: apperr.Internal(err, "deducting credits")}
	}
	if !ok {
		// The sufficiency check above passed but a concurrent call on the
		// same key drained the balance first; report the current state.
		return RPCResult{ID: env.ID, Err: apperr.InsufficientCredits(apiKey)}
	}

	e.Hierarchy.RecordUsage(apiKey, cost)

	if _, err := e.Ledger.Append("tool.allowed", apiKey, map[string]any{
		"tool": tool, "method": env.Method, "credits": cost,
	}, e.Ledger.CurrentVersion(apiKey)); err != nil {
		e.logger.Warn("ledger append failed", "key", apiKey, "error", err)
	}

	e.Cycles.RecordUsage(billingcycle.UsageRecord{
		Key: apiKey, Tool: tool, Credits: cost, TimestampMs: e.clock.NowMs(),
	})
	e.Forecast.Record(apiKey, float64(cost))

	e.Pipeline.Run(pipeline.StagePost, pctx)

	e.Metrics.Record(apimetrics.Record{
		Method:     env.Method,
		Tool:       tool,
		Key:        apiKey,
		LatencyMs:  latencyMs,
		StatusCode: 200,
		Credits:    cost,
	})
	e.SLO.RecordEvent(slo.Event{Tool: tool, Key: apiKey, LatencyMs: latencyMs, Success: true})

	if anomaly, detected := e.Forecast.CheckAnomaly(apiKey, float64(cost)); detected {
		e.Notifier.Dispatch(ctx, "usage_anomaly", map[string]any{
			"key": apiKey, "tool": tool, "kind": anomaly.Kind, "deviation": anomaly.Deviation,
		})
	}

	return RPCResult{ID: env.ID, Result: raw}
}

func (e *Engine) handleTaskCancel(env *validate.Envelope) RPCResult {
	var params struct {
		TaskID string `json:"taskId"`
	}
	_ = json.Unmarshal(env.Params, &params)
	if params.TaskID == "" {
		return RPCResult{ID: env.ID, Err: apperr.PolicyDenied(apperr.CodeUnknownTask, "unknown task")}
	}
	return RPCResult{ID: env.ID, Err: apperr.PolicyDenied(apperr.CodeTaskNotCancellable, "task not cancellable")}
}

func toAppErr(ctx *pipeline.RequestContext) *apperr.Error {
	if len(ctx.Errors) > 0 {
		if ae, ok := apperr.As(ctx.Errors[len(ctx.Errors)-1]); ok {
			return ae
		}
	}
	return apperr.PolicyDenied(0, "request aborted: %s", ctx.AbortReason)
}

func decodeParams(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

// decodeParamsMap decodes params as an object for fingerprinting; a missing
// or non-object payload fingerprints as empty rather than failing the call.
func decodeParamsMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	v := make(map[string]any)
	_ = json.Unmarshal(raw, &v)
	return v
}

// checkACLAndQuota enforces the key's allow/deny tool list, its daily and
// monthly quota counters, and its cumulative spending limit.
func checkACLAndQuota(rec *keystore.Record, tool string, cost int64) *apperr.Error {
	for _, denied := range rec.DeniedTools {
		if denied == tool {
			return apperr.PolicyDenied(apperr.CodeInvalidParams, "key %s is denied tool %q", rec.Key, tool)
		}
	}
	if len(rec.AllowedTools) > 0 {
		allowed := false
		for _, t := range rec.AllowedTools {
			if t == tool {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.PolicyDenied(apperr.CodeInvalidParams, "key %s is not allowed tool %q", rec.Key, tool)
		}
	}

	q := rec.Quota
	if q.DailyLimit > 0 && q.DailyCalls+1 > q.DailyLimit {
		return apperr.PolicyDenied(apperr.CodeInvalidParams, "key %s exceeded daily call quota %d", rec.Key, q.DailyLimit)
	}
	if q.MonthlyLimit > 0 && q.MonthlyCalls+1 > q.MonthlyLimit {
		return apperr.PolicyDenied(apperr.CodeInvalidParams, "key %s exceeded monthly call quota %d", rec.Key, q.MonthlyLimit)
	}
	if rec.SpendingLimit > 0 && rec.TotalSpent+cost > rec.SpendingLimit {
		return apperr.PolicyDenied(apperr.CodeInsufficientCredits, "key %s would exceed spending limit %d", rec.Key, rec.SpendingLimit)
	}
	return nil
}
