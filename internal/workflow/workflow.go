// Package workflow owns the session lifecycle and the phase-gated state
// machine. Phases come from external configuration and are traversed
// strictly in declared order; the only escape hatch is an explicit,
// audited override. Phase transitions are serialized per session with
// an optimistic concurrency token on the session row.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/eventstore"
	"sprintline/internal/memstore"
	"sprintline/internal/repo"
)

// ArtifactChecker answers "does artifact X exist for this entity". The
// artifact store itself is an external concern.
type ArtifactChecker interface {
	HasArtifact(ctx context.Context, entityKind, entityID, artifact string) (bool, error)
}

// MetadataSource supplies the entity metadata validated on phase
// completion. Implemented by repo.Repo.
type MetadataSource interface {
	EntityMetadata(ctx context.Context, entityKind, entityID string) (map[string]string, error)
}

type Workflow struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    eventstore.Store
	Memory    memstore.Store
	Config    *config.Config
	Artifacts ArtifactChecker
	Logger    *slog.Logger
	Now       func() time.Time
	// Notify is called for each event after its transaction commits,
	// in emission order. The engine uses it to route events to the
	// automation rules synchronously (fire-and-observe).
	Notify func(ctx context.Context, evt domain.Event)
}

func New(db *sql.DB, r repo.Repo, events eventstore.Store, memory memstore.Store, cfg *config.Config, artifacts ArtifactChecker, logger *slog.Logger) Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return Workflow{DB: db, Repo: r, Events: events, Memory: memory, Config: cfg, Artifacts: artifacts, Logger: logger, Now: time.Now}
}

func (w Workflow) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Workflow) notify(ctx context.Context, evts ...domain.Event) {
	if w.Notify == nil {
		return
	}
	for _, evt := range evts {
		w.Notify(ctx, evt)
	}
}

// SessionState is returned by StartSession.
type SessionState struct {
	Session  domain.Session `json:"session"`
	Resuming bool           `json:"resuming"`
	NextStep NextStep       `json:"next_step"`
}

// NextStep tells the caller what the current phase expects and how to
// complete it.
type NextStep struct {
	Phase             string   `json:"phase"`
	Goal              string   `json:"goal"`
	RequiredArtifacts []string `json:"required_artifacts,omitempty"`
	OptionalArtifacts []string `json:"optional_artifacts,omitempty"`
	NextAction        string   `json:"next_action"`
	CompletionCommand string   `json:"completion_command"`
	Warnings          []string `json:"warnings,omitempty"`
	SessionComplete   bool     `json:"session_complete,omitempty"`
}

func nextStepFor(p config.Phase) NextStep {
	return NextStep{
		Phase:             p.ID,
		Goal:              p.Goal,
		RequiredArtifacts: p.Artifacts.Required,
		OptionalArtifacts: p.Artifacts.Optional,
		NextAction:        p.NextStepText,
		CompletionCommand: p.CompletionCommand,
	}
}

// StartSession opens a session at the initial phase, or returns the
// already-active session for the entity with Resuming=true. Starting is
// idempotent: there is never more than one active session per entity.
func (w Workflow) StartSession(ctx context.Context, entityKind, entityID, sessionKey, actor string) (SessionState, error) {
	if _, err := w.Repo.EntitySnapshot(ctx, entityKind, entityID); err != nil {
		return SessionState{}, err
	}
	existing, err := w.Repo.ActiveSession(ctx, entityKind, entityID)
	if err == nil {
		return w.resume(existing)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return SessionState{}, err
	}
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}
	initial := w.Config.InitialPhase()
	sess := domain.Session{
		SessionKey:   sessionKey,
		EntityKind:   entityKind,
		EntityID:     entityID,
		CurrentPhase: initial.ID,
		PhaseHistory: []domain.PhaseRecord{},
		Active:       true,
		StartedAt:    domain.FormatTime(w.now()),
	}
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return SessionState{}, err
	}
	defer tx.Rollback()
	if err := w.Repo.InsertSession(ctx, tx, sess); err != nil {
		// A concurrent starter beat us past the active-session read; the
		// partial unique index on sessions rejects the second insert.
		// Their session is the one to resume.
		if repo.IsUniqueViolation(err) {
			rival, rerr := w.Repo.ActiveSession(ctx, entityKind, entityID)
			if rerr != nil {
				return SessionState{}, fmt.Errorf("start session for %s %s: %w", entityKind, entityID, err)
			}
			return w.resume(rival)
		}
		return SessionState{}, err
	}
	started, err := w.Events.Append(ctx, tx, eventstore.EmitOptions{
		EventType:  "session.start",
		EntityKind: entityKind,
		EntityID:   entityID,
		SessionKey: sessionKey,
		Actor:      actor,
		Payload:    map[string]any{"phase": initial.ID},
	})
	if err != nil {
		return SessionState{}, err
	}
	if err := tx.Commit(); err != nil {
		return SessionState{}, err
	}
	w.notify(ctx, started)
	return SessionState{Session: sess, NextStep: nextStepFor(initial)}, nil
}

func (w Workflow) resume(sess domain.Session) (SessionState, error) {
	phase, _, ok := w.Config.PhaseByID(sess.CurrentPhase)
	if !ok {
		return SessionState{}, fmt.Errorf("session %s at unknown phase %s", sess.SessionKey, sess.CurrentPhase)
	}
	return SessionState{Session: sess, Resuming: true, NextStep: nextStepFor(phase)}, nil
}

// CompleteOptions control phase completion.
type CompleteOptions struct {
	Override bool
	Reason   string
	Actor    string
}

// CompletePhase validates the current phase and advances the session to
// the configured next phase. Validation failures are recoverable and
// list every failing field and artifact; overrides skip validation but
// are always recorded as a phase.override audit event. At the terminal
// phase no transition happens; the close instructions are returned.
func (w Workflow) CompletePhase(ctx context.Context, entityKind, entityID string, opts CompleteOptions) (NextStep, error) {
	sess, err := w.Repo.ActiveSession(ctx, entityKind, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return NextStep{}, fmt.Errorf("%w for %s %s", ErrNoActiveSession, entityKind, entityID)
	}
	if err != nil {
		return NextStep{}, err
	}
	current, _, ok := w.Config.PhaseByID(sess.CurrentPhase)
	if !ok {
		return NextStep{}, fmt.Errorf("session %s at unknown phase %s", sess.SessionKey, sess.CurrentPhase)
	}
	corrID := uuid.NewString()

	var warnings []string
	if opts.Override {
		reason := opts.Reason
		if reason == "" {
			reason = "user override"
		}
		overrideEvt, err := w.Events.Emit(ctx, eventstore.EmitOptions{
			EventType:     "phase.override",
			EntityKind:    entityKind,
			EntityID:      entityID,
			SessionKey:    sess.SessionKey,
			Actor:         opts.Actor,
			CorrelationID: corrID,
			Payload:       map[string]any{"phase": current.ID, "reason": reason},
		})
		if err != nil {
			return NextStep{}, err
		}
		w.notify(ctx, overrideEvt)
		w.Logger.Warn("phase validation overridden",
			"session", sess.SessionKey, "phase", current.ID, "actor", opts.Actor, "reason", reason)
	} else {
		verr, err := w.validatePhase(ctx, entityKind, entityID, current)
		if err != nil {
			return NextStep{}, err
		}
		if verr != nil {
			if len(verr.MissingFields) > 0 || len(verr.MissingArtifacts) > 0 {
				return NextStep{}, verr
			}
			warnings = verr.Warnings
			for _, warn := range warnings {
				w.Logger.Warn("phase validation warning",
					"session", sess.SessionKey, "phase", current.ID, "warning", warn)
			}
		}
	}

	next, hasNext := w.Config.NextPhase(current.ID)
	if !hasNext {
		// Terminal phase: nothing left to advance to.
		step := nextStepFor(current)
		step.SessionComplete = true
		step.Warnings = warnings
		return step, nil
	}
	if err := w.advance(ctx, sess, current.ID, next.ID, opts.Actor, corrID); err != nil {
		return NextStep{}, err
	}
	step := nextStepFor(next)
	step.Warnings = warnings
	return step, nil
}

// AdvanceTo moves the session to an explicit target phase. Without an
// override only the configured next phase is legal; any other target is
// a *TransitionError and leaves the session untouched. Overridden jumps
// are recorded like validation overrides.
func (w Workflow) AdvanceTo(ctx context.Context, entityKind, entityID, target string, opts CompleteOptions) error {
	sess, err := w.Repo.ActiveSession(ctx, entityKind, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w for %s %s", ErrNoActiveSession, entityKind, entityID)
	}
	if err != nil {
		return err
	}
	if _, _, ok := w.Config.PhaseByID(target); !ok {
		return fmt.Errorf("unknown phase %s", target)
	}
	next, hasNext := w.Config.NextPhase(sess.CurrentPhase)
	legal := hasNext && next.ID == target
	corrID := uuid.NewString()
	if !legal {
		if !opts.Override {
			return &TransitionError{From: sess.CurrentPhase, To: target}
		}
		reason := opts.Reason
		if reason == "" {
			reason = "user override"
		}
		overrideEvt, err := w.Events.Emit(ctx, eventstore.EmitOptions{
			EventType:     "phase.override",
			EntityKind:    entityKind,
			EntityID:      entityID,
			SessionKey:    sess.SessionKey,
			Actor:         opts.Actor,
			CorrelationID: corrID,
			Payload:       map[string]any{"from": sess.CurrentPhase, "to": target, "reason": reason},
		})
		if err != nil {
			return err
		}
		w.notify(ctx, overrideEvt)
		w.Logger.Warn("phase jump overridden",
			"session", sess.SessionKey, "from", sess.CurrentPhase, "to", target, "actor", opts.Actor)
	}
	return w.advance(ctx, sess, sess.CurrentPhase, target, opts.Actor, corrID)
}

func (w Workflow) advance(ctx context.Context, sess domain.Session, from, to, actor, corrID string) error {
	completedAt := domain.FormatTime(w.now())
	updated := sess
	updated.CurrentPhase = to
	updated.PhaseHistory = append(append([]domain.PhaseRecord{}, sess.PhaseHistory...),
		domain.PhaseRecord{Phase: from, CompletedAt: completedAt})

	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Repo.AdvanceSession(ctx, tx, updated, from, sess.Version); err != nil {
		return fmt.Errorf("advance session %s: %w", sess.SessionKey, err)
	}
	var emitted []domain.Event
	for _, evtType := range []string{fmt.Sprintf("phase.%s.end", from), fmt.Sprintf("phase.%s.start", to)} {
		evt, err := w.Events.Append(ctx, tx, eventstore.EmitOptions{
			EventType:     evtType,
			EntityKind:    sess.EntityKind,
			EntityID:      sess.EntityID,
			SessionKey:    sess.SessionKey,
			Actor:         actor,
			CorrelationID: corrID,
			Payload:       map[string]any{"from": from, "to": to},
		})
		if err != nil {
			return err
		}
		emitted = append(emitted, evt)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.notify(ctx, emitted...)
	return nil
}

func (w Workflow) validatePhase(ctx context.Context, entityKind, entityID string, phase config.Phase) (*ValidationError, error) {
	meta, err := w.Repo.EntityMetadata(ctx, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	verr := &ValidationError{Phase: phase.ID}
	for _, field := range phase.Validation.RequiredFields {
		if meta[field] == "" {
			verr.MissingFields = append(verr.MissingFields, field)
		}
	}
	for _, field := range phase.Validation.WarnIfMissing {
		if meta[field] == "" {
			verr.Warnings = append(verr.Warnings, fmt.Sprintf("recommended field %s is not set", field))
		}
	}
	if w.Artifacts != nil {
		for _, artifact := range phase.Artifacts.Required {
			ok, err := w.Artifacts.HasArtifact(ctx, entityKind, entityID, artifact)
			if err != nil {
				return nil, fmt.Errorf("check artifact %s: %w", artifact, err)
			}
			if !ok {
				verr.MissingArtifacts = append(verr.MissingArtifacts, artifact)
			}
		}
	}
	if len(verr.MissingFields) == 0 && len(verr.MissingArtifacts) == 0 && len(verr.Warnings) == 0 {
		return nil, nil
	}
	return verr, nil
}

// EndSession closes the active session, compacts ephemeral memory into
// the postop record and emits session.end with the computed duration.
// A missing active session is a usage error.
func (w Workflow) EndSession(ctx context.Context, entityKind, entityID, actor string) (domain.Session, error) {
	sess, err := w.Repo.ActiveSession(ctx, entityKind, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, fmt.Errorf("%w for %s %s", ErrNoActiveSession, entityKind, entityID)
	}
	if err != nil {
		return domain.Session{}, err
	}
	if err := w.Memory.CompactToPostop(ctx, entityID); err != nil {
		return domain.Session{}, fmt.Errorf("compact session memory: %w", err)
	}
	if _, err := w.Memory.CleanupEphemeral(ctx, entityID); err != nil {
		return domain.Session{}, fmt.Errorf("cleanup session memory: %w", err)
	}
	endedAt := w.now().UTC()
	var duration float64
	if started, perr := time.Parse(time.RFC3339Nano, sess.StartedAt); perr == nil {
		duration = endedAt.Sub(started).Seconds()
	}
	endedStr := domain.FormatTime(endedAt)
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := w.Repo.EndSession(ctx, tx, sess.SessionKey, endedStr); err != nil {
		return domain.Session{}, err
	}
	ended, err := w.Events.Append(ctx, tx, eventstore.EmitOptions{
		EventType:  "session.end",
		EntityKind: entityKind,
		EntityID:   entityID,
		SessionKey: sess.SessionKey,
		Actor:      actor,
		Payload:    map[string]any{"phase": sess.CurrentPhase, "duration_seconds": duration},
	})
	if err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	w.notify(ctx, ended)
	sess.Active = false
	sess.EndedAt = &endedStr
	return sess, nil
}

// IsActiveSession reports whether the entity has an active session.
func (w Workflow) IsActiveSession(ctx context.Context, entityKind, entityID string) (bool, error) {
	_, err := w.Repo.ActiveSession(ctx, entityKind, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CurrentPhase returns the active session's phase.
func (w Workflow) CurrentPhase(ctx context.Context, entityKind, entityID string) (string, error) {
	sess, err := w.Repo.ActiveSession(ctx, entityKind, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("%w for %s %s", ErrNoActiveSession, entityKind, entityID)
	}
	if err != nil {
		return "", err
	}
	return sess.CurrentPhase, nil
}
