package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/gia/internal/domain"
)

// TaskStore persists task records keyed by task id. Rows are never deleted.
type TaskStore struct {
	db *DB
}

// NewTaskStore creates a task store using the given database.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskColumns = `task_id, project_id, queue_name, task_type, agent_name, context, status, result,
	error, parent_task_id, created_at, updated_at, started_at, completed_at`

// Save writes a status transition for rec.TaskID, creating the row when
// absent. started_at is stamped once on the first processing status and
// completed_at once on the first terminal status. Rows already in a
// terminal status are not changed, and a started row never returns to
// pending. It reports whether a row was written.
func (s *TaskStore) Save(ctx context.Context, rec domain.TaskRecord, now time.Time) (bool, error) {
	result, err := encodeJSON(rec.Result, rec.Result == nil)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	ts := formatTime(now)
	var started, completed sql.NullString
	if rec.Status == domain.StatusProcessing {
		started = sql.NullString{String: ts, Valid: true}
	}
	if rec.Status.IsTerminal() {
		completed = sql.NullString{String: ts, Valid: true}
	}

	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   status = excluded.status,
		   updated_at = excluded.updated_at,
		   project_id = CASE WHEN tasks.project_id = '' THEN excluded.project_id ELSE tasks.project_id END,
		   agent_name = COALESCE(tasks.agent_name, excluded.agent_name),
		   context = COALESCE(tasks.context, excluded.context),
		   parent_task_id = COALESCE(tasks.parent_task_id, excluded.parent_task_id),
		   result = COALESCE(excluded.result, tasks.result),
		   error = COALESCE(excluded.error, tasks.error),
		   started_at = COALESCE(tasks.started_at, excluded.started_at),
		   completed_at = COALESCE(tasks.completed_at, excluded.completed_at)
		 WHERE tasks.status NOT IN ('completed', 'failed')
		   AND NOT (excluded.status = 'pending' AND tasks.status <> 'pending')`,
		rec.TaskID, rec.ProjectID, rec.QueueName, string(rec.TaskType), nullString(rec.AgentName),
		nullString(rec.Context), string(rec.Status), result, nullString(rec.Error),
		nullString(rec.ParentTaskID), ts, ts, started, completed,
	)
	if err != nil {
		return false, fmt.Errorf("save task %s: %w", rec.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the record stored under taskID.
func (s *TaskStore) Get(ctx context.Context, taskID string) (domain.TaskRecord, bool, error) {
	row := s.db.sql.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, false, nil
	}
	if err != nil {
		return domain.TaskRecord{}, false, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return rec, true, nil
}

// ListByProject returns a project's records, newest first. Limit of 0
// defaults to 50.
func (s *TaskStore) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `WHERE project_id = ? ORDER BY created_at DESC, task_id LIMIT ?`, projectID, limit)
}

// ListChildren returns the result-processing records linked to parentID.
func (s *TaskStore) ListChildren(ctx context.Context, parentID string) ([]domain.TaskRecord, error) {
	return s.list(ctx, `WHERE parent_task_id = ? ORDER BY created_at, task_id`, parentID)
}

// CountByStatus returns the number of records per status.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *TaskStore) list(ctx context.Context, clause string, args ...any) ([]domain.TaskRecord, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTask(sc scanner) (domain.TaskRecord, error) {
	var (
		rec                        domain.TaskRecord
		taskType, status           string
		agentName, taskCtx, result sql.NullString
		errText, parent            sql.NullString
		createdAt, updatedAt       string
		startedAt, completedAt     sql.NullString
	)
	err := sc.Scan(&rec.TaskID, &rec.ProjectID, &rec.QueueName, &taskType, &agentName, &taskCtx,
		&status, &result, &errText, &parent, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	rec.TaskType = domain.TaskType(taskType)
	rec.Status = domain.Status(status)
	rec.AgentName = agentName.String
	rec.Context = taskCtx.String
	rec.Result = decodeJSON[map[string]any](result)
	rec.Error = errText.String
	rec.ParentTaskID = parent.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.StartedAt = parseNullTime(startedAt)
	rec.CompletedAt = parseNullTime(completedAt)
	return rec, nil
}
