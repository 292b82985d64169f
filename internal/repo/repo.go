package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sprintline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- tasks ---

const taskColumns = `id,sprint_id,title,COALESCE(description,'') AS description,status,priority,assignee,metadata_json,created_at,updated_at,completed_at`

func scanTask(s interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var sprintID, assignee, metaJSON, completedAt sql.NullString
	err := s.Scan(&t.ID, &sprintID, &t.Title, &t.Description, &t.Status, &t.Priority, &assignee, &metaJSON, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if sprintID.Valid {
		t.SprintID = &sprintID.String
	}
	if assignee.Valid {
		t.Assignee = &assignee.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &t.Metadata); err != nil {
			return t, fmt.Errorf("task %s metadata: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,sprint_id,title,description,status,priority,assignee,metadata_json,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullablePtr(t.SprintID), t.Title, nullable(t.Description), t.Status, t.Priority, nullablePtr(t.Assignee), meta, t.CreatedAt, t.UpdatedAt, nullablePtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET sprint_id=?,title=?,description=?,status=?,priority=?,assignee=?,metadata_json=?,updated_at=?,completed_at=? WHERE id=?`,
		nullablePtr(t.SprintID), t.Title, nullable(t.Description), t.Status, t.Priority, nullablePtr(t.Assignee), meta, t.UpdatedAt, nullablePtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	SprintID string
	Status   string
	Assignee string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.SprintID != "" {
		where = append(where, "sprint_id=?")
		args = append(args, f.SprintID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		where = append(where, "assignee=?")
		args = append(args, f.Assignee)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at"
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListSprintTasks(ctx context.Context, sprintID string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{SprintID: sprintID})
}

// --- sprints ---

const sprintColumns = `id,title,COALESCE(goal,'') AS goal,status,starts_at,ends_at,created_at,updated_at,completed_at`

func scanSprint(s interface{ Scan(...any) error }) (domain.Sprint, error) {
	var sp domain.Sprint
	var startsAt, endsAt, completedAt sql.NullString
	err := s.Scan(&sp.ID, &sp.Title, &sp.Goal, &sp.Status, &startsAt, &endsAt, &sp.CreatedAt, &sp.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return sp, ErrNotFound
	}
	if err != nil {
		return sp, err
	}
	if startsAt.Valid {
		sp.StartsAt = &startsAt.String
	}
	if endsAt.Valid {
		sp.EndsAt = &endsAt.String
	}
	if completedAt.Valid {
		sp.CompletedAt = &completedAt.String
	}
	return sp, nil
}

func (r Repo) InsertSprint(ctx context.Context, tx *sql.Tx, sp domain.Sprint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sprints(id,title,goal,status,starts_at,ends_at,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		sp.ID, sp.Title, nullable(sp.Goal), sp.Status, nullablePtr(sp.StartsAt), nullablePtr(sp.EndsAt), sp.CreatedAt, sp.UpdatedAt, nullablePtr(sp.CompletedAt))
	return err
}

func (r Repo) UpdateSprint(ctx context.Context, tx *sql.Tx, sp domain.Sprint) error {
	res, err := tx.ExecContext(ctx, `UPDATE sprints SET title=?,goal=?,status=?,starts_at=?,ends_at=?,updated_at=?,completed_at=? WHERE id=?`,
		sp.Title, nullable(sp.Goal), sp.Status, nullablePtr(sp.StartsAt), nullablePtr(sp.EndsAt), sp.UpdatedAt, nullablePtr(sp.CompletedAt), sp.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSprint(ctx context.Context, id string) (domain.Sprint, error) {
	return scanSprint(r.DB.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id=?`, id))
}

func (r Repo) ListSprints(ctx context.Context, status string) ([]domain.Sprint, error) {
	q := `SELECT ` + sprintColumns + ` FROM sprints`
	var args []any
	if status != "" {
		q += " WHERE status=?"
		args = append(args, status)
	}
	q += " ORDER BY created_at"
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sprint
	for rows.Next() {
		sp, err := scanSprint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sp)
	}
	return res, rows.Err()
}

// EntitySnapshot serializes the current visible state of a task or
// sprint for embedding as entity_snapshot on emitted events.
func (r Repo) EntitySnapshot(ctx context.Context, entityKind, entityID string) (map[string]any, error) {
	switch entityKind {
	case domain.KindTask:
		t, err := r.GetTask(ctx, entityID)
		if err != nil {
			return nil, err
		}
		return domain.SnapshotMap(t), nil
	case domain.KindSprint:
		sp, err := r.GetSprint(ctx, entityID)
		if err != nil {
			return nil, err
		}
		return domain.SnapshotMap(sp), nil
	default:
		return nil, fmt.Errorf("unknown entity kind %s", entityKind)
	}
}

// --- helpers ---

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
