package proxy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

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

type fakeBackend struct {
	result any
	status int
	err    error
}

func (f *fakeBackend) Call(ctx context.Context, backendName, method string, params json.RawMessage) (any, int, error) {
	return f.result, f.status, f.err
}

type testEngine struct {
	*Engine
	keys   *keystore.Store
	ledger *ledger.Ledger
}

func newTestEngineWithCredits(t *testing.T, c clock.Clock, backend Backend, credits int64) (*testEngine, string) {
	t.Helper()

	ks := keystore.New(c)
	rec, err := ks.CreateKey("alice", credits, keystore.Options{})
	if err != nil {
		t.Fatalf("creating key: %v", err)
	}

	lb := loadbalancer.New(loadbalancer.Config{Strategy: loadbalancer.RoundRobin})
	lb.AddBackend("primary", 1)

	lg := ledger.New(c)

	m := Managers{
		Ledger:       lg,
		Keys:         ks,
		RateLimit:    ratelimit.New(c, ratelimit.Config{Limit: 1000, WindowMs: 60000, SubWindowCount: 6, MaxKeys: 1000}),
		Scopes:       scope.New(c, true),
		Hierarchy:    hierarchy.New(5, 10),
		Dedup:        dedup.New(c, dedup.AlgoFNV, 60000, 1000),
		Validator:    validate.New(validate.Config{Strict: true}),
		Schemas:      schema.New(),
		Pipeline:     pipeline.New(c),
		ConnBilling:  connbilling.New(c, connbilling.Config{}),
		Maintenance:  maintenance.New(c),
		BufferQueue:  bufferqueue.New(c, 0),
		LoadBalancer: lb,
		SLO:          slo.New(c),
		Forecast:     forecast.New(c, forecast.Config{}),
		Metrics:      apimetrics.New(c, apimetrics.Config{}),
		Notifier:     notification.New(c, notification.NewRegistry()),
		Cycles:       billingcycle.New(c),
	}

	e := New(c, Config{CostPerCall: 1, BackendTimeout: time.Second}, m, backend, nil)
	return &testEngine{Engine: e, keys: ks, ledger: lg}, rec.Key
}

func newTestEngine(t *testing.T, c clock.Clock, backend Backend) (*testEngine, string) {
	t.Helper()
	return newTestEngineWithCredits(t, c, backend, 1000)
}

func TestHandleRequest_HappyPathReturnsResult(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	backend := &fakeBackend{result: map[string]any{"ok": true}, status: 200}
	e, key := newTestEngine(t, c, backend)

	body := []byte(`{"jsonrpc":"2.0","method":"search","params":{},"id":1}`)
	res := e.HandleRequest(context.Background(), key, "", body)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Result == nil {
		t.Fatal("expected a result")
	}
}

func TestHandleRequest_InvalidEnvelopeRejected(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	e, key := newTestEngine(t, c, &fakeBackend{status: 200})

	res := e.HandleRequest(context.Background(), key, "", []byte(`not json`))
	if res.Err == nil || apperr.KindOf(res.Err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", res.Err)
	}
}

func TestHandleRequest_MaintenanceBlocksTraffic(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	e, key := newTestEngine(t, c, &fakeBackend{status: 200})
	e.Maintenance.ScheduleWindow(0, 60000, true, true, "down for maintenance")

	body := []byte(`{"jsonrpc":"2.0","method":"search","params":{},"id":1}`)
	res := e.HandleRequest(context.Background(), key, "", body)
	if res.Err == nil || apperr.KindOf(res.Err) != apperr.KindState {
		t.Fatalf("expected state error during maintenance, got %v", res.Err)
	}
}

func TestHandleRequest_TaskCancelUnknownTask(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	e, key := newTestEngine(t, c, &fakeBackend{status: 200})

	body := []byte(`{"jsonrpc":"2.0","method":"tasks/cancel","params":{},"id":1}`)
	res := e.HandleRequest(context.Background(), key, "", body)
	if res.Err == nil || res.Err.Code != apperr.CodeUnknownTask {
		t.Fatalf("expected unknown-task error, got %v", res.Err)
	}
}

func TestHandleRequest_BackendErrorSurfacesAsUpstream(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	e, key := newTestEngine(t, c, &fakeBackend{err: context.DeadlineExceeded})

	body := []byte(`{"jsonrpc":"2.0","method":"search","params":{},"id":1}`)
	res := e.HandleRequest(context.Background(), key, "", body)
	if res.Err == nil || apperr.KindOf(res.Err) != apperr.KindUpstream {
		t.Fatalf("expected upstream error, got %v", res.Err)
	}
}

func TestHandleRequest_DeductsCreditsAndAppendsLedgerEvent(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	backend := &fakeBackend{result: map[string]any{"ok": true}, status: 200}
	e, key := newTestEngineWithCredits(t, c, backend, 10)

	body := []byte(`{"jsonrpc":"2.0","method":"search","params":{},"id":1}`)
	res := e.HandleRequest(context.Background(), key, "", body)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	rec, err := e.keys.GetKey(key)
	if err != nil {
		t.Fatalf("getting key: %v", err)
	}
	if rec.Credits != 9 {
		t.Fatalf("expected 9 credits remaining, got %d", rec.Credits)
	}

	page := e.ledger.Query(ledger.Query{AggregateID: key, Type: "tool.allowed"})
	if len(page.Events) != 1 {
		t.Fatalf("expected exactly one tool.allowed event, got %d", len(page.Events))
	}
	if page.Events[0].Version != 1 {
		t.Fatalf("expected version 1, got %d", page.Events[0].Version)
	}
}

func TestHandleRequest_InsufficientCreditsRejectedBeforeBackendCall(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	backend := &fakeBackend{result: map[string]any{"ok": true}, status: 200}
	e, key := newTestEngineWithCredits(t, c, backend, 0)

	body := []byte(`{"jsonrpc":"2.0","method":"search","params":{},"id":1}`)
	res := e.HandleRequest(context.Background(), key, "", body)
	if res.Err == nil || res.Err.Code != apperr.CodeInsufficientCredits {
		t.Fatalf("expected insufficient-credits error, got %v", res.Err)
	}

	rec, err := e.keys.GetKey(key)
	if err != nil {
		t.Fatalf("getting key: %v", err)
	}
	if rec.Credits != 0 {
		t.Fatalf("expected credits untouched at 0, got %d", rec.Credits)
	}
	if rec.TotalCalls != 0 {
		t.Fatalf("expected no call recorded, got %d", rec.TotalCalls)
	}

	page := e.ledger.Query(ledger.Query{AggregateID: key})
	if len(page.Events) != 0 {
		t.Fatalf("expected no ledger event for a rejected call, got %d", len(page.Events))
	}
}

func TestHandleRequest_RateLimitRejectsOverLimitKey(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	backend := &fakeBackend{result: map[string]any{"ok": true}, status: 200}
	e, key := newTestEngineWithCredits(t, c, backend, 1000)
	e.RateLimit = ratelimit.New(c, ratelimit.Config{Limit: 1, WindowMs: 60000, SubWindowCount: 6, MaxKeys: 1000})

	body := []byte(`{"jsonrpc":"2.0","method":"search","params":{"n":1},"id":1}`)
	first := e.HandleRequest(context.Background(), key, "", body)
	if first.Err != nil {
		t.Fatalf("unexpected error on first call: %v", first.Err)
	}

	body2 := []byte(`{"jsonrpc":"2.0","method":"search","params":{"n":2},"id":2}`)
	second := e.HandleRequest(context.Background(), key, "", body2)
	if second.Err == nil || apperr.KindOf(second.Err) != apperr.KindPolicy {
		t.Fatalf("expected rate-limit policy error, got %v", second.Err)
	}
}

func TestHandleRequest_DuplicateRequestRejectedWithoutSecondBackendCall(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	backend := &fakeBackend{result: map[string]any{"ok": true}, status: 200}
	e, key := newTestEngineWithCredits(t, c, backend, 1000)

	body := []byte(`{"jsonrpc":"2.0","method":"search","params":{"q":"x"},"id":1}`)
	first := e.HandleRequest(context.Background(), key, "", body)
	if first.Err != nil {
		t.Fatalf("unexpected error on first call: %v", first.Err)
	}

	second := e.HandleRequest(context.Background(), key, "", body)
	if second.Err == nil || apperr.KindOf(second.Err) != apperr.KindPolicy {
		t.Fatalf("expected duplicate-request policy error, got %v", second.Err)
	}

	rec, _ := e.keys.GetKey(key)
	if rec.Credits != 999 {
		t.Fatalf("expected only the first call to deduct credits, got %d", rec.Credits)
	}
}
