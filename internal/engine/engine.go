package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sprintline/internal/automation"
	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/eventstore"
	"sprintline/internal/memstore"
	"sprintline/internal/replay"
	"sprintline/internal/repo"
	"sprintline/internal/workflow"
)

// Engine is the composition root: it owns the stores, the workflow and
// the automation rules, and routes every committed event to rule
// evaluation before the emitting call returns.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     eventstore.Store
	Memory     memstore.Store
	Workflow   workflow.Workflow
	Automation *automation.Engine
	Replay     replay.Engine
	Config     *config.Config
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: db}
	events := eventstore.New(db, r)
	memory := memstore.New(db)
	e := &Engine{
		DB:         db,
		Repo:       r,
		Events:     events,
		Memory:     memory,
		Automation: automation.New(logger),
		Config:     cfg,
		Logger:     logger,
		Now:        time.Now,
	}
	e.Workflow = workflow.New(db, r, events, memory, cfg, artifactChecker{memory: &e.Memory}, logger)
	e.Workflow.Notify = e.route
	e.Replay = replay.New(events)
	e.Replay.Applier = applier{engine: e}
	registerDefaultRules(e)
	return e
}

// SetNow overrides the clock on the engine and every component it owns.
// Test hook.
func (e *Engine) SetNow(now func() time.Time) {
	e.Now = now
	e.Events.Now = now
	e.Memory.Now = now
	e.Workflow.Now = now
	e.Workflow.Events.Now = now
	e.Workflow.Memory.Now = now
	e.Replay.Events.Now = now
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// route hands a committed event to the automation rules. Synchronous
// fire-and-observe: rule failures are logged by the automation engine
// and summarized here, never returned to the emitting caller.
func (e *Engine) route(ctx context.Context, evt domain.Event) {
	sum := e.Automation.Evaluate(ctx, evt)
	if sum.Failed > 0 {
		e.Logger.Warn("automation rules failed for event",
			"event_type", evt.EventType, "entity_id", evt.EntityID, "failed", sum.Failed)
	}
}

// emitAndRoute appends an event inside the caller's transaction and
// returns a routing callback to invoke after commit.
func (e *Engine) emitAndRoute(ctx context.Context, tx *sql.Tx, opts eventstore.EmitOptions) (func(), error) {
	evt, err := e.Events.Append(ctx, tx, opts)
	if err != nil {
		return nil, err
	}
	return func() { e.route(ctx, evt) }, nil
}

// --- tasks ---

type TaskCreateOptions struct {
	ID          string
	SprintID    string
	Title       string
	Description string
	Priority    string
	Assignee    string
	Metadata    map[string]string
	Actor       string
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityP2
	}
	if opts.SprintID != "" {
		if _, err := e.Repo.GetSprint(ctx, opts.SprintID); err != nil {
			return domain.Task{}, fmt.Errorf("sprint %s: %w", opts.SprintID, err)
		}
	}
	now := domain.FormatTime(e.now())
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("task|"+opts.Title+"|"+now)).String()
	}
	t := domain.Task{
		ID:          id,
		SprintID:    optionalString(opts.SprintID),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.TaskTodo,
		Priority:    opts.Priority,
		Assignee:    optionalString(opts.Assignee),
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	route, err := e.emitAndRoute(ctx, tx, eventstore.EmitOptions{
		EventType:  "task.created",
		EntityKind: domain.KindTask,
		EntityID:   t.ID,
		Actor:      opts.Actor,
		Payload:    map[string]any{"title": t.Title, "status": t.Status, "priority": t.Priority},
		Snapshot:   domain.SnapshotMap(t),
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	route()
	return t, nil
}

type TaskUpdateOptions struct {
	ID          string
	Status      string
	Priority    string
	Assignee    *string
	SprintID    *string
	SetMetadata map[string]string
	Actor       string
	Force       bool
}

func (e *Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	original := t
	if opts.Assignee != nil {
		t.Assignee = optionalString(*opts.Assignee)
	}
	if opts.SprintID != nil {
		if *opts.SprintID == "" {
			t.SprintID = nil
		} else {
			if _, err := e.Repo.GetSprint(ctx, *opts.SprintID); err != nil {
				return t, fmt.Errorf("sprint %s: %w", *opts.SprintID, err)
			}
			t.SprintID = opts.SprintID
		}
	}
	if len(opts.SetMetadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		for k, v := range opts.SetMetadata {
			if v == "" {
				delete(t.Metadata, k)
			} else {
				t.Metadata[k] = v
			}
		}
	}
	priorityEscalated := false
	if opts.Priority != "" && opts.Priority != t.Priority {
		priorityEscalated = opts.Priority == domain.PriorityP0
		t.Priority = opts.Priority
	}
	statusChanged := false
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, opts.Status, opts.Force); err != nil {
			return t, err
		}
		t.Status = opts.Status
		statusChanged = true
		if opts.Status == domain.TaskDone {
			completed := domain.FormatTime(e.now())
			t.CompletedAt = &completed
		}
	}
	t.UpdatedAt = domain.FormatTime(e.now())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	var routes []func()
	snap := domain.SnapshotMap(t)
	if statusChanged {
		route, err := e.emitAndRoute(ctx, tx, eventstore.EmitOptions{
			EventType:  "task.status_changed",
			EntityKind: domain.KindTask,
			EntityID:   t.ID,
			Actor:      opts.Actor,
			Payload:    map[string]any{"from": original.Status, "to": t.Status},
			Snapshot:   snap,
		})
		if err != nil {
			return t, err
		}
		routes = append(routes, route)
	}
	if priorityEscalated {
		route, err := e.emitAndRoute(ctx, tx, eventstore.EmitOptions{
			EventType:  "task.priority_escalated",
			EntityKind: domain.KindTask,
			EntityID:   t.ID,
			Actor:      opts.Actor,
			Payload:    map[string]any{"from": original.Priority, "to": t.Priority},
			Snapshot:   snap,
		})
		if err != nil {
			return t, err
		}
		routes = append(routes, route)
	}
	route, err := e.emitAndRoute(ctx, tx, eventstore.EmitOptions{
		EventType:  "task.updated",
		EntityKind: domain.KindTask,
		EntityID:   t.ID,
		Actor:      opts.Actor,
		Payload:    map[string]any{"from_status": original.Status, "to_status": t.Status},
		Snapshot:   snap,
	})
	if err != nil {
		return t, err
	}
	routes = append(routes, route)
	if err := tx.Commit(); err != nil {
		return t, err
	}
	for _, r := range routes {
		r()
	}
	return t, nil
}

func ensureTaskTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case domain.TaskTodo:
		if newStatus == domain.TaskInProgress || newStatus == domain.TaskArchived {
			return nil
		}
	case domain.TaskInProgress:
		if newStatus == domain.TaskBlocked || newStatus == domain.TaskReview || newStatus == domain.TaskArchived {
			return nil
		}
	case domain.TaskBlocked:
		if newStatus == domain.TaskInProgress || newStatus == domain.TaskArchived {
			return nil
		}
	case domain.TaskReview:
		if newStatus == domain.TaskDone || newStatus == domain.TaskInProgress {
			return nil
		}
	case domain.TaskDone:
		if newStatus == domain.TaskArchived {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// --- sprints ---

type SprintCreateOptions struct {
	ID       string
	Title    string
	Goal     string
	StartsAt string
	EndsAt   string
	Actor    string
}

func (e *Engine) CreateSprint(ctx context.Context, opts SprintCreateOptions) (domain.Sprint, error) {
	if opts.Title == "" {
		return domain.Sprint{}, errors.New("title is required")
	}
	now := domain.FormatTime(e.now())
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("sprint|"+opts.Title+"|"+now)).String()
	}
	sp := domain.Sprint{
		ID:        id,
		Title:     opts.Title,
		Goal:      opts.Goal,
		Status:    domain.SprintPlanned,
		StartsAt:  optionalString(opts.StartsAt),
		EndsAt:    optionalString(opts.EndsAt),
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Sprint{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSprint(ctx, tx, sp); err != nil {
		return domain.Sprint{}, err
	}
	route, err := e.emitAndRoute(ctx, tx, eventstore.EmitOptions{
		EventType:  "sprint.created",
		EntityKind: domain.KindSprint,
		EntityID:   sp.ID,
		Actor:      opts.Actor,
		Payload:    map[string]any{"title": sp.Title, "status": sp.Status},
		Snapshot:   domain.SnapshotMap(sp),
	})
	if err != nil {
		return domain.Sprint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Sprint{}, err
	}
	route()
	return sp, nil
}

type SprintUpdateOptions struct {
	ID     string
	Status string
	Goal   *string
	Actor  string
	Force  bool
}

func (e *Engine) UpdateSprint(ctx context.Context, opts SprintUpdateOptions) (domain.Sprint, error) {
	sp, err := e.Repo.GetSprint(ctx, opts.ID)
	if err != nil {
		return sp, err
	}
	original := sp
	if opts.Goal != nil {
		sp.Goal = *opts.Goal
	}
	statusChanged := false
	if opts.Status != "" && opts.Status != sp.Status {
		if err := ensureSprintTransition(sp.Status, opts.Status, opts.Force); err != nil {
			return sp, err
		}
		sp.Status = opts.Status
		statusChanged = true
		if opts.Status == domain.SprintCompleted {
			completed := domain.FormatTime(e.now())
			sp.CompletedAt = &completed
		}
	}
	sp.UpdatedAt = domain.FormatTime(e.now())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sp, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSprint(ctx, tx, sp); err != nil {
		return sp, err
	}
	var routes []func()
	snap := domain.SnapshotMap(sp)
	if statusChanged {
		route, err := e.emitAndRoute(ctx, tx, eventstore.EmitOptions{
			EventType:  "sprint.status_changed",
			EntityKind: domain.KindSprint,
			EntityID:   sp.ID,
			Actor:      opts.Actor,
			Payload:    map[string]any{"from": original.Status, "to": sp.Status},
			Snapshot:   snap,
		})
		if err != nil {
			return sp, err
		}
		routes = append(routes, route)
	}
	route, err := e.emitAndRoute(ctx, tx, eventstore.EmitOptions{
		EventType:  "sprint.updated",
		EntityKind: domain.KindSprint,
		EntityID:   sp.ID,
		Actor:      opts.Actor,
		Payload:    map[string]any{"from_status": original.Status, "to_status": sp.Status},
		Snapshot:   snap,
	})
	if err != nil {
		return sp, err
	}
	routes = append(routes, route)
	if err := tx.Commit(); err != nil {
		return sp, err
	}
	for _, r := range routes {
		r()
	}
	return sp, nil
}

func ensureSprintTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case domain.SprintPlanned:
		if newStatus == domain.SprintActive || newStatus == domain.SprintArchived {
			return nil
		}
	case domain.SprintActive:
		if newStatus == domain.SprintCompleted {
			return nil
		}
	case domain.SprintCompleted:
		if newStatus == domain.SprintArchived {
			return nil
		}
	}
	return fmt.Errorf("invalid sprint status transition %s -> %s", oldStatus, newStatus)
}

// --- artifacts ---

// AddArtifact registers a named artifact for an entity. Phase
// validation consults this registry through the ArtifactChecker
// interface.
func (e *Engine) AddArtifact(ctx context.Context, entityKind, entityID, name string) error {
	if name == "" {
		return errors.New("artifact name is required")
	}
	key := artifactScope(entityKind, entityID)
	var names []string
	if _, err := e.Memory.GetDurable(ctx, key, "artifacts", &names); err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	names = append(names, name)
	return e.Memory.SetDurable(ctx, key, "artifacts", names)
}

// ListArtifacts returns the registered artifact names for an entity.
func (e *Engine) ListArtifacts(ctx context.Context, entityKind, entityID string) ([]string, error) {
	var names []string
	if _, err := e.Memory.GetDurable(ctx, artifactScope(entityKind, entityID), "artifacts", &names); err != nil {
		return nil, err
	}
	return names, nil
}

type artifactChecker struct {
	memory *memstore.Store
}

func (c artifactChecker) HasArtifact(ctx context.Context, entityKind, entityID, artifact string) (bool, error) {
	var names []string
	if _, err := c.memory.GetDurable(ctx, artifactScope(entityKind, entityID), "artifacts", &names); err != nil {
		return false, err
	}
	for _, n := range names {
		if n == artifact {
			return true, nil
		}
	}
	return false, nil
}

func artifactScope(entityKind, entityID string) string {
	if entityKind == domain.KindTask {
		return entityID
	}
	return entityKind + ":" + entityID
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
