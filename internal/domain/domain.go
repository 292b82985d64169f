package domain

import (
	"encoding/json"
	"time"
)

// TimeFormat is the canonical timestamp layout: RFC3339 with
// fixed-width nanoseconds. Timestamp columns are compared and ordered
// lexically in SQL, and variable-precision strings do not sort
// chronologically ("…00.5Z" sorts before "…00Z"), so every stored
// timestamp must use this layout.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Task statuses follow a linear flow with blocked/archived as exits:
// todo -> in_progress -> review -> done; blocked is reachable from
// in_progress and returns to it; archived is terminal.
const (
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskReview     = "review"
	TaskDone       = "done"
	TaskArchived   = "archived"
)

// Sprint statuses: planned -> active -> completed -> archived.
const (
	SprintPlanned   = "planned"
	SprintActive    = "active"
	SprintCompleted = "completed"
	SprintArchived  = "archived"
)

// Priorities, highest urgency first.
const (
	PriorityP0 = "P0"
	PriorityP1 = "P1"
	PriorityP2 = "P2"
	PriorityP3 = "P3"
)

// Entity kinds recorded on events and sessions.
const (
	KindTask   = "task"
	KindSprint = "sprint"
)

type Task struct {
	ID          string            `json:"id"`
	SprintID    *string           `json:"sprint_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      string            `json:"status" enum:"todo,in_progress,blocked,review,done,archived"`
	Priority    string            `json:"priority" enum:"P0,P1,P2,P3"`
	Assignee    *string           `json:"assignee,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	UpdatedAt   string            `json:"updated_at" format:"date-time"`
	CompletedAt *string           `json:"completed_at,omitempty" format:"date-time"`
}

type Sprint struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Goal        string  `json:"goal,omitempty"`
	Status      string  `json:"status" enum:"planned,active,completed,archived"`
	StartsAt    *string `json:"starts_at,omitempty" format:"date-time"`
	EndsAt      *string `json:"ends_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Event lifecycle states. Events are never deleted; archival is the
// only permitted mutation after append.
const (
	EventActive   = "active"
	EventArchived = "archived"
)

type Event struct {
	ID            int64          `json:"id"`
	EventType     string         `json:"event_type"`
	EntityKind    string         `json:"entity_kind"`
	EntityID      string         `json:"entity_id"`
	CorrelationID string         `json:"correlation_id"`
	SessionKey    string         `json:"session_key,omitempty"`
	Actor         string         `json:"actor"`
	Payload       map[string]any `json:"payload"`
	EmittedAt     string         `json:"emitted_at" format:"date-time"`
	Lifecycle     string         `json:"lifecycle" enum:"active,archived"`
	ArchivedAt    *string        `json:"archived_at,omitempty" format:"date-time"`
}

// Snapshot returns the entity_snapshot fragment embedded in the payload,
// or nil when the event carries none.
func (e Event) Snapshot() map[string]any {
	if e.Payload == nil {
		return nil
	}
	snap, _ := e.Payload["entity_snapshot"].(map[string]any)
	return snap
}

type PhaseRecord struct {
	Phase       string `json:"phase"`
	CompletedAt string `json:"completed_at" format:"date-time"`
}

// Session is a bounded unit of work against one task or sprint. It is a
// first-class aggregate with its own concurrency token (Version) so
// concurrent phase transitions can be detected and rejected.
type Session struct {
	SessionKey   string        `json:"session_key"`
	EntityKind   string        `json:"entity_kind"`
	EntityID     string        `json:"entity_id"`
	CurrentPhase string        `json:"current_phase"`
	PhaseHistory []PhaseRecord `json:"phase_history"`
	Active       bool          `json:"active"`
	Version      int64         `json:"version"`
	StartedAt    string        `json:"started_at" format:"date-time"`
	EndedAt      *string       `json:"ended_at,omitempty" format:"date-time"`
}

// SnapshotMap flattens an entity into the map form stored as
// entity_snapshot on events and folded during reconstruction.
func SnapshotMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
