package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/gia/internal/domain"
)

// AgentRow is a persisted agent catalog entry.
type AgentRow struct {
	ID        int64
	Agent     domain.AgentDefinition
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentStore persists agent definitions. The agents table has no unique
// constraint on name; lookups use the first matching row.
type AgentStore struct {
	db *DB
}

// NewAgentStore creates an agent store using the given database.
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db}
}

const agentColumns = `id, name, role, description, goal, requirements, artifacts, requires_approval, created_at, updated_at`

// FindByName returns the first row stored under name.
func (s *AgentStore) FindByName(ctx context.Context, name string) (AgentRow, bool, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = ? ORDER BY id LIMIT 1`, name)
	r, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRow{}, false, nil
	}
	if err != nil {
		return AgentRow{}, false, fmt.Errorf("find agent %s: %w", name, err)
	}
	return r, true, nil
}

// Insert adds a new row for def.
func (s *AgentStore) Insert(ctx context.Context, def domain.AgentDefinition) error {
	reqs, arts, err := encodeLists(def)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err = s.db.sql.ExecContext(ctx,
		`INSERT INTO agents (name, role, description, goal, requirements, artifacts, requires_approval, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.Name, def.Role, def.Description, def.Goal, reqs, arts, def.RequiresApproval, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert agent %s: %w", def.Name, err)
	}
	return nil
}

// Update overwrites the catalog fields of the row with the given id.
func (s *AgentStore) Update(ctx context.Context, id int64, def domain.AgentDefinition) error {
	reqs, arts, err := encodeLists(def)
	if err != nil {
		return err
	}
	_, err = s.db.sql.ExecContext(ctx,
		`UPDATE agents SET name = ?, role = ?, description = ?, goal = ?, requirements = ?,
		   artifacts = ?, requires_approval = ?, updated_at = ?
		 WHERE id = ?`,
		def.Name, def.Role, def.Description, def.Goal, reqs, arts, def.RequiresApproval,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", def.Name, err)
	}
	return nil
}

// DeleteByName removes every row stored under name and reports how many.
func (s *AgentStore) DeleteByName(ctx context.Context, name string) (int64, error) {
	res, err := s.db.sql.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("delete agent %s: %w", name, err)
	}
	return res.RowsAffected()
}

// List returns all rows ordered by name.
func (s *AgentStore) List(ctx context.Context) ([]AgentRow, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRow
	for rows.Next() {
		r, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (AgentRow, error) {
	var (
		r                    AgentRow
		reqs, arts           string
		createdAt, updatedAt string
	)
	err := sc.Scan(&r.ID, &r.Agent.Name, &r.Agent.Role, &r.Agent.Description, &r.Agent.Goal,
		&reqs, &arts, &r.Agent.RequiresApproval, &createdAt, &updatedAt)
	if err != nil {
		return AgentRow{}, err
	}
	_ = json.Unmarshal([]byte(reqs), &r.Agent.Requirements)
	_ = json.Unmarshal([]byte(arts), &r.Agent.Artifacts)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func encodeLists(def domain.AgentDefinition) (string, string, error) {
	reqs := def.Requirements
	if reqs == nil {
		reqs = []string{}
	}
	arts := def.Artifacts
	if arts == nil {
		arts = []string{}
	}
	r, err := json.Marshal(reqs)
	if err != nil {
		return "", "", err
	}
	a, err := json.Marshal(arts)
	if err != nil {
		return "", "", err
	}
	return string(r), string(a), nil
}
