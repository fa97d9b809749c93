// Package registry implements the durable session metadata store.
//
// Sessions are rows in a SQLite database under the data root. Mutations are
// append-only from an audit perspective: updated_at always advances and
// deletion is a soft delete (deleted_at set, row retained) so durable
// volumes can be audited and recovered later.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vibecodehq/backend/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	unit_ref   TEXT NOT NULL DEFAULT '',
	volume_ref TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
`

// Registry is the durable store for session identity and lifecycle state
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if necessary) the registry database at path
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry database %q: %w", path, err)
	}

	// SQLite allows a single writer; serialize at the pool level so
	// concurrent lifecycle transitions queue instead of failing with
	// SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}
	return &Registry{db: db, now: time.Now}, nil
}

// Close closes the underlying database
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create inserts a new session row with status creating. The session ID is
// supplied by the caller; reusing the ID of any existing row, including a
// soft-deleted one, fails with ErrConflict.
func (r *Registry) Create(ctx context.Context, sessionID, ownerID, name string) (*types.Session, error) {
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, ownerID, name, string(types.StatusCreating),
		formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("session id %s already used: %w", sessionID, types.ErrConflict)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &types.Session{
		ID:        sessionID,
		OwnerID:   ownerID,
		Name:      name,
		Status:    types.StatusCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get returns a non-deleted session owned by ownerID
func (r *Registry) Get(ctx context.Context, ownerID, sessionID string) (*types.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, status, unit_ref, volume_ref, created_at, updated_at, deleted_at
		 FROM sessions WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		sessionID, ownerID)
	return scanSession(row)
}

// List returns all non-deleted sessions owned by ownerID, oldest first
func (r *Registry) List(ctx context.Context, ownerID string) ([]*types.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, name, status, unit_ref, volume_ref, created_at, updated_at, deleted_at
		 FROM sessions WHERE owner_id = ? AND deleted_at IS NULL ORDER BY created_at`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// Running returns every running session regardless of owner. Used by the
// server drain path and the startup orphan sweep.
func (r *Registry) Running(ctx context.Context) ([]*types.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, name, status, unit_ref, volume_ref, created_at, updated_at, deleted_at
		 FROM sessions WHERE status = ? AND deleted_at IS NULL`,
		string(types.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// Transition performs a compare-and-swap on the session status. It fails
// with ErrConflict if the current status does not match expected,
// preventing lost updates under concurrent open/suspend races.
//
// unitRef must be non-empty iff next is running, keeping the
// status/unit_ref invariant inside a single statement.
func (r *Registry) Transition(ctx context.Context, sessionID string, expected, next types.Status, unitRef string) (*types.Session, error) {
	if (next == types.StatusRunning) != (unitRef != "") {
		return nil, fmt.Errorf("unit ref %q invalid for status %s", unitRef, next)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, unit_ref = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		string(next), unitRef, formatTime(r.now().UTC()),
		sessionID, string(expected))
	if err != nil {
		return nil, fmt.Errorf("transition session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a lost race from an unknown session
		if exists, err := r.exists(ctx, sessionID); err != nil {
			return nil, err
		} else if !exists {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("session %s is not %s: %w", sessionID, expected, types.ErrConflict)
	}
	return r.getByID(ctx, sessionID)
}

// SetVolume records the durable volume backing the session. The volume
// reference is immutable: assigning a second one fails.
func (r *Registry) SetVolume(ctx context.Context, sessionID, volumeRef string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET volume_ref = ?, updated_at = ?
		 WHERE id = ? AND volume_ref = '' AND deleted_at IS NULL`,
		volumeRef, formatTime(r.now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("volume already assigned for session %s: %w", sessionID, types.ErrConflict)
	}
	return nil
}

// SoftDelete marks the session deleted without removing the row. The
// volume reference is retained for the administrative recovery path.
func (r *Registry) SoftDelete(ctx context.Context, sessionID string) error {
	now := formatTime(r.now().UTC())
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, unit_ref = '', deleted_at = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		string(types.StatusDeleted), now, now, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// RetainedVolume describes a durable volume whose session was deleted
// without force: the volume outlives the session for recovery.
type RetainedVolume struct {
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	VolumeRef string    `json:"volume_ref"`
	DeletedAt time.Time `json:"deleted_at"`
}

// RetainedVolumes lists volumes of soft-deleted sessions
func (r *Registry) RetainedVolumes(ctx context.Context) ([]RetainedVolume, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, volume_ref, deleted_at FROM sessions
		 WHERE deleted_at IS NOT NULL AND volume_ref != '' ORDER BY deleted_at`)
	if err != nil {
		return nil, fmt.Errorf("list retained volumes: %w", err)
	}
	defer rows.Close()

	var out []RetainedVolume
	for rows.Next() {
		var v RetainedVolume
		var deleted string
		if err := rows.Scan(&v.SessionID, &v.OwnerID, &v.VolumeRef, &deleted); err != nil {
			return nil, err
		}
		v.DeletedAt, _ = parseTime(deleted)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ClearVolume detaches a volume reference after a forced volume deletion
func (r *Registry) ClearVolume(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET volume_ref = '', updated_at = ? WHERE id = ?`,
		formatTime(r.now().UTC()), sessionID)
	return err
}

func (r *Registry) getByID(ctx context.Context, sessionID string) (*types.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, status, unit_ref, volume_ref, created_at, updated_at, deleted_at
		 FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

func (r *Registry) exists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE id = ? AND deleted_at IS NULL`, sessionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scannable) (*types.Session, error) {
	var s types.Session
	var status, created, updated string
	var deleted sql.NullString

	err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &status, &s.UnitRef, &s.VolumeRef,
		&created, &updated, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.Status = types.Status(status)
	s.CreatedAt, _ = parseTime(created)
	s.UpdatedAt, _ = parseTime(updated)
	if deleted.Valid {
		t, _ := parseTime(deleted.String)
		s.DeletedAt = &t
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*types.Session, error) {
	var out []*types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
