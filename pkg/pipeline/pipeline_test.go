package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/clock"
)

func TestRun_ExecutesInDescendingPriorityOrder(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)))
	var order []string

	m.Use(Middleware{Name: "low", Stage: StagePre, Priority: 1, Enabled: true, Handle: func(ctx *RequestContext) error {
		order = append(order, "low")
		return nil
	}})
	m.Use(Middleware{Name: "high", Stage: StagePre, Priority: 10, Enabled: true, Handle: func(ctx *RequestContext) error {
		order = append(order, "high")
		return nil
	}})

	m.Run(StagePre, &RequestContext{})

	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Fatalf("order = %v, want [high low]", order)
	}
}

func TestRun_DisabledAndFilteredMiddlewareSkipped(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)))
	ran := false

	m.Use(Middleware{Name: "disabled", Stage: StagePre, Enabled: false, Handle: func(ctx *RequestContext) error {
		ran = true
		return nil
	}})
	m.Use(Middleware{Name: "tool-scoped", Stage: StagePre, Enabled: true, Tools: []string{"other"}, Handle: func(ctx *RequestContext) error {
		ran = true
		return nil
	}})

	m.Run(StagePre, &RequestContext{Tool: "search"})
	if ran {
		t.Fatal("expected disabled/filtered middleware to be skipped")
	}
}

func TestRun_AbortStopsRemainingPreStage(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)))
	secondRan := false

	m.Use(Middleware{Name: "first", Stage: StagePre, Priority: 10, Enabled: true, Handle: func(ctx *RequestContext) error {
		ctx.Abort("denied")
		return nil
	}})
	m.Use(Middleware{Name: "second", Stage: StagePre, Priority: 5, Enabled: true, Handle: func(ctx *RequestContext) error {
		secondRan = true
		return nil
	}})

	ctx := &RequestContext{}
	res := m.Run(StagePre, ctx)
	if !res.Aborted || secondRan {
		t.Fatalf("expected abort to short-circuit, res=%+v secondRan=%v", res, secondRan)
	}
}

func TestRun_ContinueOnErrorKeepsGoing(t *testing.T) {
	m := New(clock.NewFrozen(time.Unix(0, 0)))
	secondRan := false

	m.Use(Middleware{Name: "first", Stage: StagePre, Priority: 10, Enabled: true, ContinueOnError: true, Handle: func(ctx *RequestContext) error {
		return errors.New("boom")
	}})
	m.Use(Middleware{Name: "second", Stage: StagePre, Priority: 5, Enabled: true, Handle: func(ctx *RequestContext) error {
		secondRan = true
		return nil
	}})

	ctx := &RequestContext{}
	res := m.Run(StagePre, ctx)
	if len(res.Errors) != 1 || !secondRan || ctx.Aborted {
		t.Fatalf("expected continue-on-error to proceed, res=%+v secondRan=%v aborted=%v", res, secondRan, ctx.Aborted)
	}
}
