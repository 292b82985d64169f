// Package automation evaluates rule-based reactions to committed
// events. Rules are registered once at construction and dispatched by
// exact event-type match. A failing rule is logged and counted, never
// propagated: one rule's panic or error must not starve the others.
package automation

import (
	"context"
	"fmt"
	"log/slog"

	"sprintline/internal/domain"
)

// Handler reacts to one committed event.
type Handler interface {
	Handle(ctx context.Context, evt domain.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt domain.Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt domain.Event) error { return f(ctx, evt) }

// Action performs a named reusable side effect for rule bodies.
type Action func(ctx context.Context, actionCtx map[string]any) error

type rule struct {
	name    string
	trigger string
	handler Handler
}

// MaxDepth bounds rule-triggered event cascades: a rule action that
// emits an event which matches further rules re-enters Evaluate with
// depth+1, and evaluation stops past this depth.
const MaxDepth = 3

type Engine struct {
	rules   []rule
	actions map[string]Action
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{actions: map[string]Action{}, logger: logger}
}

// Register adds a rule. Registration order is evaluation order.
func (e *Engine) Register(trigger, name string, h Handler) {
	if name == "" {
		name = fmt.Sprintf("rule-%d", len(e.rules)+1)
	}
	e.rules = append(e.rules, rule{name: name, trigger: trigger, handler: h})
}

// RegisterAction adds a named side effect usable via ExecuteAction.
func (e *Engine) RegisterAction(actionType string, a Action) {
	e.actions[actionType] = a
}

// ExecuteAction dispatches a named side effect.
func (e *Engine) ExecuteAction(ctx context.Context, actionType string, actionCtx map[string]any) error {
	a, ok := e.actions[actionType]
	if !ok {
		return fmt.Errorf("unknown action type %s", actionType)
	}
	return a(ctx, actionCtx)
}

// Summary reports one Evaluate pass.
type Summary struct {
	Matched int
	Failed  int
	Errors  []string
}

type depthKey struct{}

// ChildContext returns a context for events emitted from inside a rule
// action, carrying the incremented propagation depth.
func ChildContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, depthKey{}, depth(ctx)+1)
}

func depth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Evaluate runs every rule whose trigger matches the event type.
// Errors and panics are isolated per rule. Evaluation is refused past
// MaxDepth to bound rule-emits-event cascades.
func (e *Engine) Evaluate(ctx context.Context, evt domain.Event) Summary {
	var sum Summary
	if d := depth(ctx); d > MaxDepth {
		e.logger.Warn("automation cascade depth exceeded, skipping evaluation",
			"event_type", evt.EventType, "entity_id", evt.EntityID, "depth", d)
		return sum
	}
	for _, r := range e.rules {
		if r.trigger != evt.EventType {
			continue
		}
		sum.Matched++
		if err := e.run(ctx, r, evt); err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", r.name, err))
			e.logger.Error("automation rule failed",
				"rule", r.name, "event_type", evt.EventType, "entity_id", evt.EntityID, "err", err)
		}
	}
	return sum
}

func (e *Engine) run(ctx context.Context, r rule, evt domain.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.handler.Handle(ctx, evt)
}
