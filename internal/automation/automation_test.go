package automation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"sprintline/internal/domain"
)

func testEngine() *Engine {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func evt(eventType string) domain.Event {
	return domain.Event{EventType: eventType, EntityKind: domain.KindTask, EntityID: "t1"}
}

func TestRuleIsolation(t *testing.T) {
	e := testEngine()
	ran := false
	e.Register("task.status_changed", "panics", HandlerFunc(func(ctx context.Context, evt domain.Event) error {
		panic("boom")
	}))
	e.Register("task.status_changed", "errors", HandlerFunc(func(ctx context.Context, evt domain.Event) error {
		return errors.New("nope")
	}))
	e.Register("task.status_changed", "succeeds", HandlerFunc(func(ctx context.Context, evt domain.Event) error {
		ran = true
		return nil
	}))

	sum := e.Evaluate(context.Background(), evt("task.status_changed"))
	if sum.Matched != 3 {
		t.Fatalf("expected 3 matched rules, got %d", sum.Matched)
	}
	if sum.Failed != 2 {
		t.Fatalf("expected 2 failed rules, got %d", sum.Failed)
	}
	if !ran {
		t.Fatal("later rule must still run after earlier failures")
	}
}

func TestExactTriggerMatch(t *testing.T) {
	e := testEngine()
	e.Register("task.status_changed", "only-status", HandlerFunc(func(ctx context.Context, evt domain.Event) error {
		return nil
	}))
	sum := e.Evaluate(context.Background(), evt("task.updated"))
	if sum.Matched != 0 {
		t.Fatalf("task.updated must not match task.status_changed, matched=%d", sum.Matched)
	}
}

func TestCascadeDepthGuard(t *testing.T) {
	e := testEngine()
	calls := 0
	// A rule that re-enters evaluation via a child context, simulating a
	// rule emitting an event that matches itself.
	e.Register("loop.event", "self-feeding", HandlerFunc(func(ctx context.Context, event domain.Event) error {
		calls++
		e.Evaluate(ChildContext(ctx), event)
		return nil
	}))

	e.Evaluate(context.Background(), evt("loop.event"))
	// Depth 0..MaxDepth run, MaxDepth+1 is refused.
	if calls != MaxDepth+1 {
		t.Fatalf("expected %d cascade evaluations, got %d", MaxDepth+1, calls)
	}
}

func TestEvaluateRefusedPastMaxDepth(t *testing.T) {
	e := testEngine()
	e.Register("x", "never", HandlerFunc(func(ctx context.Context, evt domain.Event) error {
		t.Fatal("rule must not run past max depth")
		return nil
	}))
	ctx := context.Background()
	for i := 0; i <= MaxDepth; i++ {
		ctx = ChildContext(ctx)
	}
	sum := e.Evaluate(ctx, evt("x"))
	if sum.Matched != 0 {
		t.Fatalf("expected no matches past max depth, got %d", sum.Matched)
	}
}

func TestExecuteAction(t *testing.T) {
	e := testEngine()
	var got map[string]any
	e.RegisterAction("notify", func(ctx context.Context, actionCtx map[string]any) error {
		got = actionCtx
		return nil
	})
	if err := e.ExecuteAction(context.Background(), "notify", map[string]any{"reason": "blocked"}); err != nil {
		t.Fatalf("execute action: %v", err)
	}
	if got["reason"] != "blocked" {
		t.Fatalf("action context not delivered: %v", got)
	}
	if err := e.ExecuteAction(context.Background(), "missing", nil); err == nil {
		t.Fatal("unknown action type must error")
	}
}
