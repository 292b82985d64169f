// Package replay provides diagnostic and recovery tooling layered
// strictly on top of the append-only event log: correlation chain
// validation, point-in-time state reconstruction and dry-run/live
// replay. Nothing here is an alternate write path; reconstruction and
// dry runs are read-only by construction.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"sprintline/internal/domain"
	"sprintline/internal/eventstore"
)

// ChainError blocks replay of a correlation chain whose events are out
// of order or malformed. Other chains are unaffected.
type ChainError struct {
	CorrelationID string
	Problems      []string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("correlation chain %s invalid: %d problem(s)", e.CorrelationID, len(e.Problems))
}

// ErrEmptyChain is returned when a correlation id matches no events.
var ErrEmptyChain = errors.New("correlation chain has no events")

// Applier applies one event's described effect during live replay.
type Applier interface {
	Apply(ctx context.Context, evt domain.Event) error
}

type Engine struct {
	Events eventstore.Store
	// Applier is only consulted in live mode; dry runs never touch it.
	Applier Applier
}

func New(events eventstore.Store) Engine {
	return Engine{Events: events}
}

// ChainReport is the result of validating a correlation chain.
type ChainReport struct {
	CorrelationID string   `json:"correlation_id"`
	EventCount    int      `json:"event_count"`
	Valid         bool     `json:"valid"`
	Problems      []string `json:"problems,omitempty"`
}

// ValidateChain checks that all events sharing the correlation id are
// monotonically non-decreasing in emitted_at and carry well-formed,
// non-empty payloads. Read-only.
func (e Engine) ValidateChain(ctx context.Context, correlationID string) (ChainReport, error) {
	events, err := e.Events.ByCorrelation(ctx, correlationID)
	if err != nil {
		return ChainReport{}, err
	}
	report := ChainReport{CorrelationID: correlationID, EventCount: len(events)}
	if len(events) == 0 {
		return report, ErrEmptyChain
	}
	var prev time.Time
	for i, evt := range events {
		ts, err := time.Parse(time.RFC3339Nano, evt.EmittedAt)
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("event %d has unparseable emitted_at %q", evt.ID, evt.EmittedAt))
			continue
		}
		if i > 0 && ts.Before(prev) {
			report.Problems = append(report.Problems, fmt.Sprintf("event %d emitted_at precedes its predecessor", evt.ID))
		}
		prev = ts
		if len(evt.Payload) == 0 {
			report.Problems = append(report.Problems, fmt.Sprintf("event %d has empty or malformed payload", evt.ID))
		}
	}
	report.Valid = len(report.Problems) == 0
	return report, nil
}

// ReconstructState folds the entity's event stream up to the cutoff
// into a single snapshot: events in canonical order, each event's
// entity_snapshot fragment merged over the accumulator, later fields
// winning and absent fields preserved. Returns nil when no events exist
// at or before the cutoff. Deterministic and side-effect free.
func (e Engine) ReconstructState(ctx context.Context, entityKind, entityID string, at time.Time) (map[string]any, error) {
	events, err := e.Events.ByEntityUntil(ctx, entityKind, entityID, at)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	state := map[string]any{}
	for _, evt := range events {
		for k, v := range evt.Snapshot() {
			state[k] = v
		}
	}
	return state, nil
}

// StepStatus values in a replay report.
const (
	StepApplied = "applied"
	StepDryRun  = "dry-run"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

type Step struct {
	EventID     int64  `json:"event_id"`
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type Report struct {
	CorrelationID string `json:"correlation_id"`
	DryRun        bool   `json:"dry_run"`
	Steps         []Step `json:"steps"`
	Applied       int    `json:"applied"`
	Failed        int    `json:"failed"`
}

// Replay validates the chain, then walks it in order. Dry runs describe
// what each event would do; live runs apply each event via the Applier,
// reporting per-event failures and continuing rather than aborting.
// An invalid chain refuses to replay at all.
func (e Engine) Replay(ctx context.Context, correlationID string, dryRun bool) (Report, error) {
	chain, err := e.ValidateChain(ctx, correlationID)
	if err != nil {
		return Report{}, err
	}
	if !chain.Valid {
		return Report{}, &ChainError{CorrelationID: correlationID, Problems: chain.Problems}
	}
	events, err := e.Events.ByCorrelation(ctx, correlationID)
	if err != nil {
		return Report{}, err
	}
	report := Report{CorrelationID: correlationID, DryRun: dryRun}
	for _, evt := range events {
		step := Step{EventID: evt.ID, EventType: evt.EventType, Description: describe(evt)}
		switch {
		case dryRun:
			step.Status = StepDryRun
		case e.Applier == nil:
			step.Status = StepSkipped
			step.Error = "no applier configured"
		default:
			if err := e.Applier.Apply(ctx, evt); err != nil {
				step.Status = StepFailed
				step.Error = err.Error()
				report.Failed++
			} else {
				step.Status = StepApplied
				report.Applied++
			}
		}
		report.Steps = append(report.Steps, step)
	}
	return report, nil
}

// describe renders a human-readable account of an event's effect, keyed
// off its type.
func describe(evt domain.Event) string {
	subject := fmt.Sprintf("%s %s", evt.EntityKind, evt.EntityID)
	switch evt.EventType {
	case "session.start":
		return fmt.Sprintf("open a workflow session on %s at phase %v", subject, evt.Payload["phase"])
	case "session.end":
		return fmt.Sprintf("close the workflow session on %s", subject)
	case "phase.override":
		return fmt.Sprintf("record a validation override on %s: %v", subject, evt.Payload["reason"])
	case "task.created":
		return fmt.Sprintf("create %s", subject)
	case "sprint.created":
		return fmt.Sprintf("create %s", subject)
	case "task.status_changed", "sprint.status_changed":
		return fmt.Sprintf("move %s from %v to %v", subject, evt.Payload["from"], evt.Payload["to"])
	case "task.updated", "sprint.updated":
		return fmt.Sprintf("update fields on %s", subject)
	}
	if keys := payloadKeys(evt.Payload); len(keys) > 0 {
		return fmt.Sprintf("apply %s to %s (payload keys: %v)", evt.EventType, subject, keys)
	}
	return fmt.Sprintf("apply %s to %s", evt.EventType, subject)
}

func payloadKeys(payload map[string]any) []string {
	var keys []string
	for k := range payload {
		if k == "entity_snapshot" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
