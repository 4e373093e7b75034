package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/moltisdev/moltis/internal/models"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// SessionStore persists session metadata (everything except the message
// log itself, which lives in the JSONL files owned by internal/sessions).
type SessionStore struct {
	db *DB
}

// NewSessionStore constructs a SessionStore over db.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Upsert inserts or replaces a session's metadata row.
func (s *SessionStore) Upsert(sess *models.Session) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO sessions (key, label, model, project_id, sandbox_enabled, worktree_branch, message_count, created_at, updated_at, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			label = excluded.label,
			model = excluded.model,
			project_id = excluded.project_id,
			sandbox_enabled = excluded.sandbox_enabled,
			worktree_branch = excluded.worktree_branch,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at,
			archived = excluded.archived`,
		sess.Key, sess.Label, sess.Model, sess.ProjectID, boolToInt(sess.SandboxEnabled),
		sess.WorktreeBranch, sess.MessageCount, sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
		boolToInt(sess.Archived))
	return err
}

// Get returns one session by key.
func (s *SessionStore) Get(key string) (*models.Session, error) {
	row := s.db.conn.QueryRow(`
		SELECT key, label, model, project_id, sandbox_enabled, worktree_branch, message_count, created_at, updated_at, archived
		FROM sessions WHERE key = ?`, key)
	return scanSession(row)
}

// List returns sessions ordered by most-recently-updated, optionally
// including archived sessions.
func (s *SessionStore) List(includeArchived bool, limit, offset int) ([]*models.Session, error) {
	query := `SELECT key, label, model, project_id, sandbox_enabled, worktree_branch, message_count, created_at, updated_at, archived FROM sessions`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.conn.Query(query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Delete removes a session's metadata row. Deleting the reserved "main"
// session key is the caller's responsibility to forbid.
func (s *SessionStore) Delete(key string) error {
	_, err := s.db.conn.Exec(`DELETE FROM sessions WHERE key = ?`, key)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	return scanSessionRows(row)
}

func scanSessionRows(row scanner) (*models.Session, error) {
	var sess models.Session
	var sandboxEnabled, archived int
	var createdAt, updatedAt int64
	err := row.Scan(&sess.Key, &sess.Label, &sess.Model, &sess.ProjectID, &sandboxEnabled,
		&sess.WorktreeBranch, &sess.MessageCount, &createdAt, &updatedAt, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.SandboxEnabled = sandboxEnabled != 0
	sess.Archived = archived != 0
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
