// Package memstore keeps per-task working memory: durable records that
// live until overwritten (boot, notes, postop) and ephemeral scratch
// entries bound to a TTL. Ephemeral keys are tracked in a per-task
// registry so they can be enumerated, compacted into postop at session
// end, or purged in bulk.
package memstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sprintline/internal/domain"
)

// Durable well-known keys.
const (
	KeyBoot   = "boot"
	KeyNotes  = "notes"
	KeyPostop = "postop"
)

const (
	scratchPrefix = "scratch:"
	registryKey   = "scratch_registry"
)

// DefaultTTL bounds ephemeral entries when the caller gives none.
const DefaultTTL = 24 * time.Hour

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Store {
	return Store{DB: db, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SetDurable writes a durable record, last-write-wins.
func (s Store) SetDurable(ctx context.Context, taskID, key string, value any) error {
	return s.put(ctx, s.DB, taskID, key, value, nil)
}

// GetDurable reads a durable record into out. Returns ok=false when the
// record does not exist; out is left untouched so callers can pre-fill
// a default.
func (s Store) GetDurable(ctx context.Context, taskID, key string, out any) (bool, error) {
	return s.get(ctx, taskID, key, out)
}

// SetEphemeral writes a TTL-bound scratch record and registers its key.
// The registry's own TTL tracks the furthest member horizon seen.
func (s Store) SetEphemeral(ctx context.Context, taskID, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expires := s.now().UTC().Add(ttl)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.put(ctx, tx, taskID, scratchPrefix+key, value, &expires); err != nil {
		return err
	}
	// Read-modify-write under the tx so concurrent writers cannot drop
	// each other's registrations.
	keys, horizon, err := s.registryTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if !contains(keys, key) {
		keys = append(keys, key)
	}
	// The registry must outlive its longest-lived member: a short-TTL
	// write never shortens the registry's horizon.
	if horizon != nil && horizon.After(expires) {
		expires = *horizon
	}
	if err := s.put(ctx, tx, taskID, registryKey, keys, &expires); err != nil {
		return err
	}
	return tx.Commit()
}

// GetEphemeral reads a scratch record. Expired entries are treated as
// absent even if still listed in the registry.
func (s Store) GetEphemeral(ctx context.Context, taskID, key string, out any) (bool, error) {
	return s.get(ctx, taskID, scratchPrefix+key, out)
}

// CompactEphemeral collects every still-live scratch value. Keys that
// expired in the backing table are skipped, never an error.
func (s Store) CompactEphemeral(ctx context.Context, taskID string) (map[string]any, error) {
	keys, err := s.registry(ctx, taskID)
	if err != nil {
		return nil, err
	}
	collected := map[string]any{}
	for _, k := range keys {
		var v any
		ok, err := s.GetEphemeral(ctx, taskID, k, &v)
		if err != nil {
			return nil, err
		}
		if ok {
			collected[k] = v
		}
	}
	return collected, nil
}

// CompactToPostop merges live scratch data into the postop durable
// record under a "scratch" key, stamped with the compaction time.
// Invoked automatically on session end.
func (s Store) CompactToPostop(ctx context.Context, taskID string) error {
	collected, err := s.CompactEphemeral(ctx, taskID)
	if err != nil {
		return err
	}
	postop := map[string]any{}
	if _, err := s.GetDurable(ctx, taskID, KeyPostop, &postop); err != nil {
		return err
	}
	existing, _ := postop["scratch"].(map[string]any)
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range collected {
		existing[k] = v
	}
	postop["scratch"] = existing
	postop["compacted_at"] = s.now().UTC().Format(time.RFC3339)
	return s.SetDurable(ctx, taskID, KeyPostop, postop)
}

// CleanupEphemeral purges all registered scratch keys plus the registry
// itself and reports how many records were removed.
func (s Store) CleanupEphemeral(ctx context.Context, taskID string) (int, error) {
	keys, err := s.registry(ctx, taskID)
	if err != nil {
		return 0, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	count := 0
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, `DELETE FROM memory WHERE task_id=? AND key=?`, taskID, scratchPrefix+k)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory WHERE task_id=? AND key=?`, taskID, registryKey); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// PurgeExpired removes expired rows. Reads already treat them as
// absent; this reclaims the space.
func (s Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM memory WHERE expires_at IS NOT NULL AND expires_at<=?`,
		domain.FormatTime(s.now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- internals ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s Store) put(ctx context.Context, db execer, taskID, key string, value any, expires *time.Time) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal memory value %s/%s: %w", taskID, key, err)
	}
	var expiresAt any
	if expires != nil {
		expiresAt = domain.FormatTime(*expires)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO memory(task_id,key,value_json,expires_at,updated_at) VALUES (?,?,?,?,?)
		 ON CONFLICT(task_id,key) DO UPDATE SET value_json=excluded.value_json, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		taskID, key, string(data), expiresAt, domain.FormatTime(s.now()))
	return err
}

func (s Store) get(ctx context.Context, taskID, key string, out any) (bool, error) {
	var valueJSON string
	var expiresAt sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT value_json, expires_at FROM memory WHERE task_id=? AND key=?`, taskID, key).
		Scan(&valueJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if expiresAt.Valid {
		exp, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err == nil && !s.now().UTC().Before(exp) {
			return false, nil
		}
	}
	if err := json.Unmarshal([]byte(valueJSON), out); err != nil {
		return false, fmt.Errorf("decode memory value %s/%s: %w", taskID, key, err)
	}
	return true, nil
}

func (s Store) registry(ctx context.Context, taskID string) ([]string, error) {
	var keys []string
	if _, err := s.get(ctx, taskID, registryKey, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s Store) registryTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, *time.Time, error) {
	var valueJSON string
	var expiresAt sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT value_json, expires_at FROM memory WHERE task_id=? AND key=?`, taskID, registryKey).
		Scan(&valueJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var horizon *time.Time
	if expiresAt.Valid {
		exp, perr := time.Parse(time.RFC3339Nano, expiresAt.String)
		if perr == nil {
			if !s.now().UTC().Before(exp) {
				return nil, nil, nil
			}
			horizon = &exp
		}
	}
	var keys []string
	if err := json.Unmarshal([]byte(valueJSON), &keys); err != nil {
		return nil, nil, fmt.Errorf("decode scratch registry for %s: %w", taskID, err)
	}
	return keys, horizon, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
