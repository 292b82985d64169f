package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"sprintline/internal/db"
	"sprintline/internal/domain"
	"sprintline/internal/migrate"
)

func testRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedTask(t *testing.T, r Repo, task domain.Task) {
	t.Helper()
	if task.CreatedAt == "" {
		task.CreatedAt = "2026-03-01T09:00:00Z"
	}
	if task.UpdatedAt == "" {
		task.UpdatedAt = task.CreatedAt
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertTask(context.Background(), tx, task) })
}

func seedSprint(t *testing.T, r Repo, sp domain.Sprint) {
	t.Helper()
	if sp.CreatedAt == "" {
		sp.CreatedAt = "2026-03-01T09:00:00Z"
	}
	if sp.UpdatedAt == "" {
		sp.UpdatedAt = sp.CreatedAt
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertSprint(context.Background(), tx, sp) })
}

func TestTaskRoundTrip(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	sprintID := "s1"
	seedSprint(t, r, domain.Sprint{ID: "s1", Title: "Q1", Status: domain.SprintPlanned})
	seedTask(t, r, domain.Task{
		ID: "t1", SprintID: &sprintID, Title: "wire the api",
		Status: domain.TaskTodo, Priority: domain.PriorityP1,
		Metadata: map[string]string{"objective": "expose tasks over http"},
	})

	got, err := r.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "wire the api" || got.Priority != domain.PriorityP1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.SprintID == nil || *got.SprintID != "s1" {
		t.Fatalf("sprint id lost: %+v", got.SprintID)
	}
	if got.Metadata["objective"] != "expose tasks over http" {
		t.Fatalf("metadata lost: %v", got.Metadata)
	}
}

func TestTaskNotFound(t *testing.T) {
	r := testRepo(t)
	if _, err := r.GetTask(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	inTxErr := func() error {
		tx, err := r.DB.BeginTx(context.Background(), nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		return r.UpdateTask(context.Background(), tx, domain.Task{ID: "nope", Title: "x", Status: domain.TaskTodo, Priority: domain.PriorityP2, CreatedAt: "2026-03-01T09:00:00Z", UpdatedAt: "2026-03-01T09:00:00Z"})
	}
	if err := inTxErr(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of missing task: expected ErrNotFound, got %v", err)
	}
}

func TestListTaskFilters(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	seedSprint(t, r, domain.Sprint{ID: "s1", Title: "Q1", Status: domain.SprintActive})
	s1 := "s1"
	assignee := "rivka"
	seedTask(t, r, domain.Task{ID: "t1", SprintID: &s1, Title: "a", Status: domain.TaskTodo, Priority: domain.PriorityP2})
	seedTask(t, r, domain.Task{ID: "t2", SprintID: &s1, Title: "b", Status: domain.TaskDone, Priority: domain.PriorityP2, Assignee: &assignee})
	seedTask(t, r, domain.Task{ID: "t3", Title: "c", Status: domain.TaskTodo, Priority: domain.PriorityP2})

	bySprint, err := r.ListTasks(ctx, TaskFilters{SprintID: "s1"})
	if err != nil {
		t.Fatalf("list by sprint: %v", err)
	}
	if len(bySprint) != 2 {
		t.Fatalf("expected 2 sprint tasks, got %d", len(bySprint))
	}
	byStatus, err := r.ListTasks(ctx, TaskFilters{SprintID: "s1", Status: domain.TaskDone})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "t2" {
		t.Fatalf("status filter mismatch: %+v", byStatus)
	}
	byAssignee, err := r.ListTasks(ctx, TaskFilters{Assignee: "rivka"})
	if err != nil {
		t.Fatalf("list by assignee: %v", err)
	}
	if len(byAssignee) != 1 || byAssignee[0].ID != "t2" {
		t.Fatalf("assignee filter mismatch: %+v", byAssignee)
	}
}

func TestSessionOptimisticConcurrency(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	sess := domain.Session{
		SessionKey: "sess-1", EntityKind: domain.KindTask, EntityID: "t1",
		CurrentPhase: "intake", PhaseHistory: []domain.PhaseRecord{},
		Active: true, StartedAt: "2026-03-01T09:00:00Z",
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertSession(ctx, tx, sess) })

	advanced := sess
	advanced.CurrentPhase = "plan"
	advanced.PhaseHistory = []domain.PhaseRecord{{Phase: "intake", CompletedAt: "2026-03-01T09:05:00Z"}}
	inTx(t, r, func(tx *sql.Tx) error { return r.AdvanceSession(ctx, tx, advanced, "intake", 0) })

	// A second writer holding the stale read loses the race.
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = r.AdvanceSession(ctx, tx, advanced, "intake", 0)
	if !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}

	got, err := r.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.CurrentPhase != "plan" || got.Version != 1 {
		t.Fatalf("winner's write lost: %+v", got)
	}
	if len(got.PhaseHistory) != 1 || got.PhaseHistory[0].Phase != "intake" {
		t.Fatalf("phase history mismatch: %+v", got.PhaseHistory)
	}
}

func TestEndSessionDetectsConcurrentEnd(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	sess := domain.Session{
		SessionKey: "sess-1", EntityKind: domain.KindTask, EntityID: "t1",
		CurrentPhase: "intake", PhaseHistory: []domain.PhaseRecord{},
		Active: true, StartedAt: "2026-03-01T09:00:00Z",
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertSession(ctx, tx, sess) })
	inTx(t, r, func(tx *sql.Tx) error { return r.EndSession(ctx, tx, "sess-1", "2026-03-01T10:00:00Z") })

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.EndSession(ctx, tx, "sess-1", "2026-03-01T10:01:00Z"); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession on double end, got %v", err)
	}
}

func TestActiveSession(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	if _, err := r.ActiveSession(ctx, domain.KindTask, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound without sessions, got %v", err)
	}
	sess := domain.Session{
		SessionKey: "sess-1", EntityKind: domain.KindTask, EntityID: "t1",
		CurrentPhase: "intake", PhaseHistory: []domain.PhaseRecord{},
		Active: true, StartedAt: "2026-03-01T09:00:00Z",
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertSession(ctx, tx, sess) })
	got, err := r.ActiveSession(ctx, domain.KindTask, "t1")
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if got.SessionKey != "sess-1" || !got.Active {
		t.Fatalf("unexpected session: %+v", got)
	}
}

// The schema allows at most one active session per entity, so two
// starters racing past the active-session read cannot both insert.
func TestOneActiveSessionPerEntity(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	first := domain.Session{
		SessionKey: "sess-1", EntityKind: domain.KindTask, EntityID: "t1",
		CurrentPhase: "intake", PhaseHistory: []domain.PhaseRecord{},
		Active: true, StartedAt: "2026-03-01T09:00:00Z",
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertSession(ctx, tx, first) })

	rival := first
	rival.SessionKey = "sess-2"
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = r.InsertSession(ctx, tx, rival)
	if err == nil {
		t.Fatal("second active session for the same entity must be rejected")
	}
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	tx.Rollback()

	// An ended session releases the slot.
	inTx(t, r, func(tx *sql.Tx) error { return r.EndSession(ctx, tx, "sess-1", "2026-03-01T10:00:00Z") })
	next := first
	next.SessionKey = "sess-3"
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertSession(ctx, tx, next) })

	got, err := r.ActiveSession(ctx, domain.KindTask, "t1")
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if got.SessionKey != "sess-3" {
		t.Fatalf("expected sess-3 active, got %s", got.SessionKey)
	}
}

func TestEntityMetadata(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	seedTask(t, r, domain.Task{ID: "t1", Title: "a", Status: domain.TaskTodo, Priority: domain.PriorityP2, Metadata: map[string]string{"objective": "x"}})
	seedSprint(t, r, domain.Sprint{ID: "s1", Title: "Q1", Goal: "stabilize", Status: domain.SprintPlanned})

	meta, err := r.EntityMetadata(ctx, domain.KindTask, "t1")
	if err != nil {
		t.Fatalf("task metadata: %v", err)
	}
	if meta["objective"] != "x" {
		t.Fatalf("task metadata mismatch: %v", meta)
	}
	meta, err = r.EntityMetadata(ctx, domain.KindSprint, "s1")
	if err != nil {
		t.Fatalf("sprint metadata: %v", err)
	}
	if meta["objective"] != "stabilize" || meta["title"] != "Q1" {
		t.Fatalf("sprint metadata mapping mismatch: %v", meta)
	}
	if _, err := r.EntityMetadata(ctx, "widget", "w1"); err == nil {
		t.Fatal("unknown entity kind must error")
	}
}
