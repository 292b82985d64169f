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

// ErrStaleSession signals a lost optimistic-concurrency race: the
// session row changed between read and conditional write.
var ErrStaleSession = errors.New("session modified concurrently")

// IsUniqueViolation reports whether err is a sqlite unique-constraint
// failure. The driver exposes no typed error for constraints, so the
// message is matched.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const sessionColumns = `session_key,entity_kind,entity_id,current_phase,phase_history_json,active,version,started_at,ended_at`

func scanSession(s interface{ Scan(...any) error }) (domain.Session, error) {
	var sess domain.Session
	var historyJSON string
	var active int
	var endedAt sql.NullString
	err := s.Scan(&sess.SessionKey, &sess.EntityKind, &sess.EntityID, &sess.CurrentPhase, &historyJSON, &active, &sess.Version, &sess.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return sess, ErrNotFound
	}
	if err != nil {
		return sess, err
	}
	sess.Active = active != 0
	if endedAt.Valid {
		sess.EndedAt = &endedAt.String
	}
	if err := json.Unmarshal([]byte(historyJSON), &sess.PhaseHistory); err != nil {
		return sess, fmt.Errorf("session %s phase history: %w", sess.SessionKey, err)
	}
	return sess, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, sess domain.Session) error {
	history, err := json.Marshal(sess.PhaseHistory)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(session_key,entity_kind,entity_id,current_phase,phase_history_json,active,version,started_at,ended_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		sess.SessionKey, sess.EntityKind, sess.EntityID, sess.CurrentPhase, string(history), boolInt(sess.Active), sess.Version, sess.StartedAt, nullablePtr(sess.EndedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, sessionKey string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_key=?`, sessionKey))
}

// ActiveSession returns the active session for an entity, ErrNotFound
// when none exists.
func (r Repo) ActiveSession(ctx context.Context, entityKind, entityID string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE entity_kind=? AND entity_id=? AND active=1 ORDER BY started_at DESC LIMIT 1`,
		entityKind, entityID))
}

// AdvanceSession performs the conditional phase write that serializes
// transitions: it only succeeds when current_phase and version still
// match what the caller read. A zero-row update is reported as
// ErrStaleSession.
func (r Repo) AdvanceSession(ctx context.Context, tx *sql.Tx, sess domain.Session, fromPhase string, fromVersion int64) error {
	history, err := json.Marshal(sess.PhaseHistory)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET current_phase=?, phase_history_json=?, version=version+1 WHERE session_key=? AND current_phase=? AND version=?`,
		sess.CurrentPhase, string(history), sess.SessionKey, fromPhase, fromVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStaleSession
	}
	return nil
}

// EndSession marks the session inactive. Conditioned on active=1 so a
// concurrent end is detected rather than silently repeated.
func (r Repo) EndSession(ctx context.Context, tx *sql.Tx, sessionKey, endedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET active=0, ended_at=?, version=version+1 WHERE session_key=? AND active=1`,
		endedAt, sessionKey)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStaleSession
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
