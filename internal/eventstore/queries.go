package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sprintline/internal/domain"
)

var ErrEventNotFound = errors.New("event not found")

// canonicalOrder is the fold order for replay and reconstruction.
const canonicalOrder = ` ORDER BY emitted_at ASC, id ASC`

const eventColumns = `id,event_type,entity_kind,entity_id,correlation_id,session_key,actor,payload_json,emitted_at,lifecycle,archived_at`

// Filter narrows event queries. Zero value matches all active events.
type Filter struct {
	EventType       string
	EntityKind      string
	EntityID        string
	CorrelationID   string
	SessionKey      string
	From, Until     time.Time
	IncludeArchived bool
	ArchivedOnly    bool
	Limit           int
}

// whereClause translates the filter into SQL predicates. Timestamp
// bounds are rendered with domain.TimeFormat so the lexical comparison
// against emitted_at is also a chronological one.
func (f Filter) whereClause() (where []string, args []any) {
	if f.EventType != "" {
		where = append(where, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.EntityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id=?")
		args = append(args, f.CorrelationID)
	}
	if f.SessionKey != "" {
		where = append(where, "session_key=?")
		args = append(args, f.SessionKey)
	}
	if !f.From.IsZero() {
		where = append(where, "emitted_at>=?")
		args = append(args, domain.FormatTime(f.From))
	}
	if !f.Until.IsZero() {
		where = append(where, "emitted_at<=?")
		args = append(args, domain.FormatTime(f.Until))
	}
	if f.ArchivedOnly {
		where = append(where, "lifecycle=?")
		args = append(args, domain.EventArchived)
	} else if !f.IncludeArchived {
		where = append(where, "lifecycle=?")
		args = append(args, domain.EventActive)
	}
	return where, args
}

// Query returns events matching the filter in canonical order.
func (s Store) Query(ctx context.Context, f Filter) ([]domain.Event, error) {
	where, args := f.whereClause()
	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += canonicalOrder
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// ByCorrelation returns the correlation chain in canonical order.
// Archived events stay part of their chain.
func (s Store) ByCorrelation(ctx context.Context, correlationID string) ([]domain.Event, error) {
	return s.Query(ctx, Filter{CorrelationID: correlationID, IncludeArchived: true})
}

// ByEntity returns all events for an entity in canonical order.
func (s Store) ByEntity(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	return s.Query(ctx, Filter{EntityKind: entityKind, EntityID: entityID})
}

// ByEntityUntil returns entity events emitted at or before cutoff, the
// input to state reconstruction. Archived events are included: archival
// is retention bookkeeping, not a statement about history.
func (s Store) ByEntityUntil(ctx context.Context, entityKind, entityID string, cutoff time.Time) ([]domain.Event, error) {
	return s.Query(ctx, Filter{EntityKind: entityKind, EntityID: entityID, Until: cutoff, IncludeArchived: true})
}

// BySession returns all events tied to a workflow session.
func (s Store) BySession(ctx context.Context, sessionKey string) ([]domain.Event, error) {
	return s.Query(ctx, Filter{SessionKey: sessionKey})
}

// Latest returns up to limit most recent events matching the filter,
// newest first, for log tailing. Every Filter field applies; only the
// order and the limit differ from Query.
func (s Store) Latest(ctx context.Context, limit int, f Filter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = f.Limit
	}
	where, args := f.whereClause()
	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += ` ORDER BY emitted_at DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest events: %w", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var evt domain.Event
	var sessionKey, archivedAt sql.NullString
	var payloadJSON string
	if err := rows.Scan(&evt.ID, &evt.EventType, &evt.EntityKind, &evt.EntityID, &evt.CorrelationID, &sessionKey, &evt.Actor, &payloadJSON, &evt.EmittedAt, &evt.Lifecycle, &archivedAt); err != nil {
		return evt, err
	}
	if sessionKey.Valid {
		evt.SessionKey = sessionKey.String
	}
	if archivedAt.Valid {
		evt.ArchivedAt = &archivedAt.String
	}
	// A payload that fails to decode is surfaced as a nil map so chain
	// validation can report it; the row itself is still readable.
	if err := json.Unmarshal([]byte(payloadJSON), &evt.Payload); err != nil {
		evt.Payload = nil
	}
	return evt, nil
}
