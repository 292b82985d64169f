package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"sprintline/internal/config"
	"sprintline/internal/db"
	"sprintline/internal/domain"
	"sprintline/internal/eventstore"
	"sprintline/internal/migrate"
	"sprintline/internal/repo"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e.SetNow(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	return e
}

func eventsOfType(t *testing.T, e *Engine, eventType, entityID string) []domain.Event {
	t.Helper()
	events, err := e.Events.Query(context.Background(), eventstore.Filter{EventType: eventType, EntityID: entityID})
	if err != nil {
		t.Fatalf("query %s: %v", eventType, err)
	}
	return events
}

func TestCreateTaskDefaults(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, TaskCreateOptions{Title: "fix the build", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected a derived id")
	}
	if task.Status != domain.TaskTodo || task.Priority != domain.PriorityP2 {
		t.Fatalf("wrong defaults: %+v", task)
	}

	created := eventsOfType(t, e, "task.created", task.ID)
	if len(created) != 1 {
		t.Fatalf("expected one task.created, got %d", len(created))
	}
	snap := created[0].Snapshot()
	if snap == nil || snap["title"] != "fix the build" {
		t.Fatalf("event snapshot missing or wrong: %v", snap)
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateTask(context.Background(), TaskCreateOptions{Actor: "tester"}); err == nil {
		t.Fatal("expected error for missing title")
	}
}

func TestCreateTaskUnknownSprint(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateTask(context.Background(), TaskCreateOptions{Title: "x", SprintID: "ghost", Actor: "tester"})
	if err == nil {
		t.Fatal("expected error for unknown sprint")
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	task, err := e.CreateTask(ctx, TaskCreateOptions{Title: "walk the board", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: task.ID, Status: domain.TaskDone, Actor: "tester"}); err == nil {
		t.Fatal("todo -> done must be rejected")
	}

	for _, status := range []string{domain.TaskInProgress, domain.TaskReview, domain.TaskDone} {
		task, err = e.UpdateTask(ctx, TaskUpdateOptions{ID: task.ID, Status: status, Actor: "tester"})
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	if task.CompletedAt == nil {
		t.Fatal("done must stamp completed_at")
	}

	changes := eventsOfType(t, e, "task.status_changed", task.ID)
	if len(changes) != 3 {
		t.Fatalf("expected 3 status_changed events, got %d", len(changes))
	}
	if changes[0].Payload["from"] != domain.TaskTodo || changes[2].Payload["to"] != domain.TaskDone {
		t.Fatalf("status chain mismatch: %v ... %v", changes[0].Payload, changes[2].Payload)
	}
}

func TestForceSkipsTransitionCheck(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	task, err := e.CreateTask(ctx, TaskCreateOptions{Title: "shortcut", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: task.ID, Status: domain.TaskDone, Actor: "tester", Force: true}); err != nil {
		t.Fatalf("forced transition: %v", err)
	}
}

func TestUpdateTaskMetadata(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	task, err := e.CreateTask(ctx, TaskCreateOptions{
		Title: "meta", Metadata: map[string]string{"objective": "a", "stale": "b"}, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err = e.UpdateTask(ctx, TaskUpdateOptions{
		ID: task.ID, SetMetadata: map[string]string{"objective": "updated", "stale": ""}, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if task.Metadata["objective"] != "updated" {
		t.Fatalf("metadata not updated: %v", task.Metadata)
	}
	if _, found := task.Metadata["stale"]; found {
		t.Fatal("empty value must remove the metadata key")
	}
}

func TestPriorityEscalationAlert(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	task, err := e.CreateTask(ctx, TaskCreateOptions{Title: "urgent", Priority: domain.PriorityP2, Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: task.ID, Priority: domain.PriorityP0, Actor: "tester"}); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	alerts := eventsOfType(t, e, "alert.raised", task.ID)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert.raised, got %d", len(alerts))
	}
	if alerts[0].Actor != "automation" {
		t.Fatalf("alert must be attributed to automation, got %s", alerts[0].Actor)
	}

	// P0 -> P1 is not an escalation.
	if _, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: task.ID, Priority: domain.PriorityP1, Actor: "tester"}); err != nil {
		t.Fatalf("deescalate: %v", err)
	}
	if got := eventsOfType(t, e, "alert.raised", task.ID); len(got) != 1 {
		t.Fatalf("de-escalation must not alert, got %d", len(got))
	}
}

func TestBlockedTaskNotification(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	task, err := e.CreateTask(ctx, TaskCreateOptions{Title: "stuck", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: task.ID, Status: domain.TaskInProgress, Actor: "tester"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: task.ID, Status: domain.TaskBlocked, Actor: "tester"}); err != nil {
		t.Fatalf("block: %v", err)
	}
	notes := eventsOfType(t, e, "notification.created", task.ID)
	if len(notes) != 1 {
		t.Fatalf("expected one notification.created, got %d", len(notes))
	}
}

func TestSprintAutoComplete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	sprint, err := e.CreateSprint(ctx, SprintCreateOptions{Title: "march push", Goal: "ship v2", Actor: "tester"})
	if err != nil {
		t.Fatalf("create sprint: %v", err)
	}
	if _, err := e.UpdateSprint(ctx, SprintUpdateOptions{ID: sprint.ID, Status: domain.SprintActive, Actor: "tester"}); err != nil {
		t.Fatalf("activate sprint: %v", err)
	}

	var tasks []domain.Task
	for _, title := range []string{"one", "two"} {
		task, err := e.CreateTask(ctx, TaskCreateOptions{Title: title, SprintID: sprint.ID, Actor: "tester"})
		if err != nil {
			t.Fatalf("create task %s: %v", title, err)
		}
		tasks = append(tasks, task)
	}

	// First task done: sprint stays active.
	if _, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: tasks[0].ID, Status: domain.TaskDone, Actor: "tester", Force: true}); err != nil {
		t.Fatalf("finish first: %v", err)
	}
	got, err := e.Repo.GetSprint(ctx, sprint.ID)
	if err != nil {
		t.Fatalf("get sprint: %v", err)
	}
	if got.Status != domain.SprintActive {
		t.Fatalf("sprint completed early: %s", got.Status)
	}

	// Last task done: the rule completes the sprint.
	if _, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: tasks[1].ID, Status: domain.TaskDone, Actor: "tester", Force: true}); err != nil {
		t.Fatalf("finish second: %v", err)
	}
	got, err = e.Repo.GetSprint(ctx, sprint.ID)
	if err != nil {
		t.Fatalf("get sprint: %v", err)
	}
	if got.Status != domain.SprintCompleted {
		t.Fatalf("expected sprint completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed sprint must stamp completed_at")
	}

	changes := eventsOfType(t, e, "sprint.status_changed", sprint.ID)
	if len(changes) != 2 {
		t.Fatalf("expected activate + complete events, got %d", len(changes))
	}
	if changes[1].Actor != "automation" {
		t.Fatalf("completion must come from automation, got %s", changes[1].Actor)
	}
}

func TestSprintKickoffStartsSession(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	sprint, err := e.CreateSprint(ctx, SprintCreateOptions{Title: "kickoff", Goal: "g", Actor: "tester"})
	if err != nil {
		t.Fatalf("create sprint: %v", err)
	}
	if _, err := e.UpdateSprint(ctx, SprintUpdateOptions{ID: sprint.ID, Status: domain.SprintActive, Actor: "tester"}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	active, err := e.Workflow.IsActiveSession(ctx, domain.KindSprint, sprint.ID)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if !active {
		t.Fatal("activating a sprint must open a session")
	}
}

func TestSprintTransitions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	sprint, err := e.CreateSprint(ctx, SprintCreateOptions{Title: "s", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.UpdateSprint(ctx, SprintUpdateOptions{ID: sprint.ID, Status: domain.SprintCompleted, Actor: "tester"}); err == nil {
		t.Fatal("planned -> completed must be rejected")
	}
	if _, err := e.UpdateSprint(ctx, SprintUpdateOptions{ID: sprint.ID, Status: domain.SprintArchived, Actor: "tester"}); err != nil {
		t.Fatalf("planned -> archived: %v", err)
	}
}

func TestArtifactRegistry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	task, err := e.CreateTask(ctx, TaskCreateOptions{Title: "artifacts", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ { // registration is idempotent
		if err := e.AddArtifact(ctx, domain.KindTask, task.ID, "plan"); err != nil {
			t.Fatalf("add artifact: %v", err)
		}
	}
	if err := e.AddArtifact(ctx, domain.KindTask, task.ID, "work-log"); err != nil {
		t.Fatalf("add artifact: %v", err)
	}
	names, err := e.ListArtifacts(ctx, domain.KindTask, task.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "plan" || names[1] != "work-log" {
		t.Fatalf("artifact registry mismatch: %v", names)
	}

	checker := artifactChecker{memory: &e.Memory}
	has, err := checker.HasArtifact(ctx, domain.KindTask, task.ID, "plan")
	if err != nil || !has {
		t.Fatalf("expected plan artifact, has=%v err=%v", has, err)
	}
	has, err = checker.HasArtifact(ctx, domain.KindTask, task.ID, "verification")
	if err != nil || has {
		t.Fatalf("unexpected verification artifact, has=%v err=%v", has, err)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.UpdateTask(context.Background(), TaskUpdateOptions{ID: "ghost", Status: domain.TaskDone, Actor: "tester"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
