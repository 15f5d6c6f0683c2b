package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/gia/internal/domain"
)

// SessionStore persists agent sessions. Rows are never deleted.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store using the given database.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `session_key, project_id, agent_name, task_id, execution_backend, worker_id,
	machine_id, status, context, routing_info, created_at, updated_at, completed_at`

// Create inserts a new session. It reports false when the key already exists;
// the existing row is left untouched.
func (s *SessionStore) Create(ctx context.Context, sess domain.Session) (bool, error) {
	info, err := encodeJSON(sess.RoutingInfo, len(sess.RoutingInfo) == 0)
	if err != nil {
		return false, fmt.Errorf("encode routing info: %w", err)
	}
	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO agent_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO NOTHING`,
		sess.Key, sess.ProjectID, sess.AgentName, sess.TaskID, string(sess.ExecutionBackend),
		sess.WorkerID, nullString(sess.MachineID), string(sess.Status), nullString(sess.Context), info,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt), formatNullTime(sess.CompletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create session %s: %w", sess.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus sets the status and optional fields of an existing session.
// completed_at is stamped on the first terminal status only, and a terminal
// session never returns to a non-terminal status. It reports whether a row
// was changed.
func (s *SessionStore) UpdateStatus(ctx context.Context, key string, status domain.Status, u domain.SessionUpdate, now time.Time) (bool, error) {
	info, err := encodeJSON(u.RoutingInfo, u.RoutingInfo == nil)
	if err != nil {
		return false, fmt.Errorf("encode routing info: %w", err)
	}
	terminal := status.IsTerminal()
	ts := formatTime(now)
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE agent_sessions SET
		   status = ?,
		   updated_at = ?,
		   worker_id = CASE WHEN ? = '' THEN worker_id ELSE ? END,
		   machine_id = COALESCE(?, machine_id),
		   routing_info = CASE WHEN ? IS NULL THEN routing_info
		                       ELSE json_patch(COALESCE(routing_info, '{}'), ?) END,
		   completed_at = CASE WHEN ? THEN COALESCE(completed_at, ?) ELSE completed_at END
		 WHERE session_key = ?
		   AND (? OR status NOT IN ('completed', 'failed'))`,
		string(status), ts,
		u.WorkerID, u.WorkerID,
		nullString(u.MachineID),
		info, info,
		terminal, ts,
		key,
		terminal,
	)
	if err != nil {
		return false, fmt.Errorf("update session %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the session stored under key.
func (s *SessionStore) Get(ctx context.Context, key string) (domain.Session, bool, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE session_key = ?`, key)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("get session %s: %w", key, err)
	}
	return sess, true, nil
}

// ListByProject returns a project's sessions, newest first.
func (s *SessionStore) ListByProject(ctx context.Context, projectID string) ([]domain.Session, error) {
	return s.list(ctx, `WHERE project_id = ?`, projectID)
}

// ListByAgent returns an agent's sessions, newest first.
func (s *SessionStore) ListByAgent(ctx context.Context, agentName string) ([]domain.Session, error) {
	return s.list(ctx, `WHERE agent_name = ?`, agentName)
}

func (s *SessionStore) list(ctx context.Context, where string, arg string) ([]domain.Session, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions `+where+` ORDER BY created_at DESC, session_key`, arg)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(sc scanner) (domain.Session, error) {
	var (
		sess                     domain.Session
		backend, status          string
		machineID, sessCtx, info sql.NullString
		createdAt, updatedAt     string
		completedAt              sql.NullString
	)
	err := sc.Scan(&sess.Key, &sess.ProjectID, &sess.AgentName, &sess.TaskID, &backend, &sess.WorkerID,
		&machineID, &status, &sessCtx, &info, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return domain.Session{}, err
	}
	sess.ExecutionBackend = domain.ExecutionBackend(backend)
	sess.Status = domain.Status(status)
	sess.MachineID = machineID.String
	sess.Context = sessCtx.String
	sess.RoutingInfo = decodeJSON[map[string]any](info)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	sess.CompletedAt = parseNullTime(completedAt)
	return sess, nil
}
