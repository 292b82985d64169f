package engine

import (
	"context"
	"errors"
	"fmt"

	"sprintline/internal/automation"
	"sprintline/internal/domain"
	"sprintline/internal/eventstore"
	"sprintline/internal/repo"
)

// registerDefaultRules wires the built-in automation set. Rule handlers
// that emit further events do so under a child context so the cascade
// depth guard can take effect.
func registerDefaultRules(e *Engine) {
	e.Automation.RegisterAction("emit_alert", func(ctx context.Context, actionCtx map[string]any) error {
		return e.emitSynthetic(ctx, "alert.raised", actionCtx)
	})
	e.Automation.RegisterAction("create_notification", func(ctx context.Context, actionCtx map[string]any) error {
		return e.emitSynthetic(ctx, "notification.created", actionCtx)
	})

	e.Automation.Register("task.status_changed", "sprint-auto-complete", automation.HandlerFunc(func(ctx context.Context, evt domain.Event) error {
		if evt.Payload["to"] != domain.TaskDone {
			return nil
		}
		t, err := e.Repo.GetTask(ctx, evt.EntityID)
		if err != nil {
			return err
		}
		if t.SprintID == nil {
			return nil
		}
		sp, err := e.Repo.GetSprint(ctx, *t.SprintID)
		if err != nil {
			return err
		}
		if sp.Status != domain.SprintActive {
			return nil
		}
		tasks, err := e.Repo.ListSprintTasks(ctx, sp.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.Status != domain.TaskDone && task.Status != domain.TaskArchived {
				return nil
			}
		}
		_, err = e.UpdateSprint(automation.ChildContext(ctx), SprintUpdateOptions{
			ID:     sp.ID,
			Status: domain.SprintCompleted,
			Actor:  "automation",
		})
		return err
	}))

	e.Automation.Register("task.status_changed", "blocked-escalation", automation.HandlerFunc(func(ctx context.Context, evt domain.Event) error {
		if evt.Payload["to"] != domain.TaskBlocked {
			return nil
		}
		return e.Automation.ExecuteAction(automation.ChildContext(ctx), "create_notification", map[string]any{
			"entity_kind": evt.EntityKind,
			"entity_id":   evt.EntityID,
			"reason":      "task blocked",
		})
	}))

	e.Automation.Register("task.priority_escalated", "priority-alert", automation.HandlerFunc(func(ctx context.Context, evt domain.Event) error {
		if evt.Payload["to"] != domain.PriorityP0 {
			return nil
		}
		return e.Automation.ExecuteAction(automation.ChildContext(ctx), "emit_alert", map[string]any{
			"entity_kind": evt.EntityKind,
			"entity_id":   evt.EntityID,
			"reason":      "priority escalated to P0",
		})
	}))

	e.Automation.Register("sprint.status_changed", "sprint-kickoff", automation.HandlerFunc(func(ctx context.Context, evt domain.Event) error {
		if evt.Payload["to"] != domain.SprintActive {
			return nil
		}
		_, err := e.Workflow.StartSession(automation.ChildContext(ctx), domain.KindSprint, evt.EntityID, "", "automation")
		return err
	}))
}

// emitSynthetic records a rule-produced side effect as an event of its
// own and routes it onward under the caller's (already deepened)
// context.
func (e *Engine) emitSynthetic(ctx context.Context, eventType string, actionCtx map[string]any) error {
	entityKind, _ := actionCtx["entity_kind"].(string)
	entityID, _ := actionCtx["entity_id"].(string)
	if entityKind == "" || entityID == "" {
		return fmt.Errorf("action %s requires entity_kind and entity_id", eventType)
	}
	payload := map[string]any{}
	for k, v := range actionCtx {
		if k == "entity_kind" || k == "entity_id" {
			continue
		}
		payload[k] = v
	}
	evt, err := e.Events.Emit(ctx, eventstore.EmitOptions{
		EventType:  eventType,
		EntityKind: entityKind,
		EntityID:   entityID,
		Actor:      "automation",
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	e.route(ctx, evt)
	return nil
}

// applier re-applies event effects during live replay.
type applier struct {
	engine *Engine
}

func (a applier) Apply(ctx context.Context, evt domain.Event) error {
	switch evt.EventType {
	case "task.status_changed":
		to, _ := evt.Payload["to"].(string)
		if to == "" {
			return errors.New("event carries no target status")
		}
		_, err := a.engine.UpdateTask(ctx, TaskUpdateOptions{ID: evt.EntityID, Status: to, Actor: "replay", Force: true})
		return err
	case "sprint.status_changed":
		to, _ := evt.Payload["to"].(string)
		if to == "" {
			return errors.New("event carries no target status")
		}
		_, err := a.engine.UpdateSprint(ctx, SprintUpdateOptions{ID: evt.EntityID, Status: to, Actor: "replay", Force: true})
		return err
	case "task.created":
		_, err := a.engine.Repo.GetTask(ctx, evt.EntityID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		snap := evt.Snapshot()
		title, _ := snap["title"].(string)
		_, err = a.engine.CreateTask(ctx, TaskCreateOptions{ID: evt.EntityID, Title: title, Actor: "replay"})
		return err
	case "sprint.created":
		_, err := a.engine.Repo.GetSprint(ctx, evt.EntityID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		snap := evt.Snapshot()
		title, _ := snap["title"].(string)
		_, err = a.engine.CreateSprint(ctx, SprintCreateOptions{ID: evt.EntityID, Title: title, Actor: "replay"})
		return err
	default:
		// Session/audit events describe rather than mutate; replaying
		// them is a no-op.
		return nil
	}
}
