package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/soyeahso/gia/internal/domain"
)

// ContextStore appends raw project context to the context lake.
type ContextStore struct {
	db *DB
}

// NewContextStore creates a context store using the given database.
func NewContextStore(db *DB) *ContextStore {
	return &ContextStore{db: db}
}

// Insert stores one entry and returns its row id.
func (s *ContextStore) Insert(ctx context.Context, e domain.ContextEntry) (int64, error) {
	if e.DataType == "" {
		e.DataType = "text"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	meta, err := encodeJSON(e.Metadata, len(e.Metadata) == 0)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}
	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO context_lake (project_id, agent_name, data_type, raw_data, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ProjectID, nullString(e.AgentName), e.DataType, e.RawData, meta, formatTime(e.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert context for %s: %w", e.ProjectID, err)
	}
	return res.LastInsertId()
}

// ListByProject returns a project's entries, newest first. Limit of 0
// defaults to 20.
func (s *ContextStore) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.ContextEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, project_id, agent_name, data_type, raw_data, metadata, created_at
		 FROM context_lake WHERE project_id = ? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list context: %w", err)
	}
	defer rows.Close()

	var out []domain.ContextEntry
	for rows.Next() {
		var (
			e         domain.ContextEntry
			agentName sql.NullString
			meta      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &agentName, &e.DataType, &e.RawData, &meta, &createdAt); err != nil {
			return nil, err
		}
		e.AgentName = agentName.String
		e.Metadata = decodeJSON[map[string]any](meta)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
