// Package eventstore owns the append-only event log: the single source
// of truth for what happened to tasks, sprints and sessions. Events are
// appended inside the caller's transaction, never updated afterwards,
// and never deleted; archival flips the lifecycle tag and nothing else.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sprintline/internal/domain"
)

// SnapshotSource supplies the serialized current state of an entity for
// embedding into event payloads. Implemented by repo.Repo.
type SnapshotSource interface {
	EntitySnapshot(ctx context.Context, entityKind, entityID string) (map[string]any, error)
}

type Store struct {
	DB        *sql.DB
	Snapshots SnapshotSource
	Now       func() time.Time
}

func New(db *sql.DB, snapshots SnapshotSource) Store {
	return Store{DB: db, Snapshots: snapshots, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// EmitOptions describe one event append.
type EmitOptions struct {
	EventType  string
	EntityKind string
	EntityID   string
	Payload    map[string]any
	SessionKey string
	Actor      string
	// CorrelationID continues an existing chain; a fresh id is minted
	// when empty.
	CorrelationID string
	// Snapshot overrides the SnapshotSource lookup. Callers mutating an
	// entity inside an open transaction pass the post-mutation state
	// here, since the source reads committed rows only.
	Snapshot map[string]any
}

// Append writes one event inside the caller's transaction and returns
// it. The entity_snapshot key is merged into the payload automatically.
func (s Store) Append(ctx context.Context, tx *sql.Tx, opts EmitOptions) (domain.Event, error) {
	if opts.EventType == "" {
		return domain.Event{}, fmt.Errorf("event type is required")
	}
	if opts.EntityKind == "" || opts.EntityID == "" {
		return domain.Event{}, fmt.Errorf("entity kind and id are required")
	}
	corrID := opts.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	payload := map[string]any{}
	for k, v := range opts.Payload {
		payload[k] = v
	}
	snap := opts.Snapshot
	if snap == nil && s.Snapshots != nil {
		var err error
		snap, err = s.Snapshots.EntitySnapshot(ctx, opts.EntityKind, opts.EntityID)
		if err != nil {
			return domain.Event{}, fmt.Errorf("snapshot %s/%s: %w", opts.EntityKind, opts.EntityID, err)
		}
	}
	if snap != nil {
		payload["entity_snapshot"] = snap
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	emittedAt := domain.FormatTime(s.now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events(event_type,entity_kind,entity_id,correlation_id,session_key,actor,payload_json,emitted_at,lifecycle) VALUES (?,?,?,?,?,?,?,?,?)`,
		opts.EventType, opts.EntityKind, opts.EntityID, corrID, nullable(opts.SessionKey), opts.Actor, string(data), emittedAt, domain.EventActive)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:            id,
		EventType:     opts.EventType,
		EntityKind:    opts.EntityKind,
		EntityID:      opts.EntityID,
		CorrelationID: corrID,
		SessionKey:    opts.SessionKey,
		Actor:         opts.Actor,
		Payload:       payload,
		EmittedAt:     emittedAt,
		Lifecycle:     domain.EventActive,
	}, nil
}

// Emit appends a single event in its own transaction, for callers not
// already inside one.
func (s Store) Emit(ctx context.Context, opts EmitOptions) (domain.Event, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	evt, err := s.Append(ctx, tx, opts)
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

// Archive marks an event archived. Archival is idempotent for already
// archived events and the only mutation the log permits.
func (s Store) Archive(ctx context.Context, eventID int64) error {
	archivedAt := domain.FormatTime(s.now())
	res, err := s.DB.ExecContext(ctx,
		`UPDATE events SET lifecycle=?, archived_at=COALESCE(archived_at,?) WHERE id=?`,
		domain.EventArchived, archivedAt, eventID)
	if err != nil {
		return fmt.Errorf("archive event %d: %w", eventID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("archive event %d: %w", eventID, ErrEventNotFound)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
