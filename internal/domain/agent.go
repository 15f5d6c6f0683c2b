package domain

import (
	"slices"
	"strings"
)

// ExecutionBackend selects where an agent's work runs.
type ExecutionBackend string

const (
	BackendLocal  ExecutionBackend = "local"
	BackendRemote ExecutionBackend = "remote"
)

// Valid reports whether b is a recognized backend.
func (b ExecutionBackend) Valid() bool {
	return b == BackendLocal || b == BackendRemote
}

// AgentDefinition is a catalog entry describing one agent.
type AgentDefinition struct {
	Name             string           `json:"name" yaml:"name"`
	Role             string           `json:"role" yaml:"role"`
	Description      string           `json:"description" yaml:"description"`
	Goal             string           `json:"goal" yaml:"goal"`
	Requirements     []string         `json:"requirements" yaml:"requirements"`
	Artifacts        []string         `json:"artifacts" yaml:"artifacts"`
	RequiresApproval bool             `json:"requiresApproval" yaml:"requires_approval"`
	ExecutionBackend ExecutionBackend `json:"executionBackend" yaml:"execution_backend"`
	RemoteCodePath   string           `json:"remoteCodePath,omitempty" yaml:"remote_code_path,omitempty"`
	MachineID        string           `json:"machineId,omitempty" yaml:"machine_id,omitempty"`
}

// NormalizeName folds an agent name for case-insensitive comparison.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ChangedFields lists the persisted catalog fields that differ between d and
// other. Execution placement is process-local and not compared.
func (d AgentDefinition) ChangedFields(other AgentDefinition) []string {
	var changed []string
	if d.Role != other.Role {
		changed = append(changed, "role")
	}
	if d.Description != other.Description {
		changed = append(changed, "description")
	}
	if d.Goal != other.Goal {
		changed = append(changed, "goal")
	}
	if !slices.Equal(d.Requirements, other.Requirements) {
		changed = append(changed, "requirements")
	}
	if !slices.Equal(d.Artifacts, other.Artifacts) {
		changed = append(changed, "artifacts")
	}
	if d.RequiresApproval != other.RequiresApproval {
		changed = append(changed, "requiresApproval")
	}
	return changed
}

// Clone returns a deep copy of d.
func (d AgentDefinition) Clone() AgentDefinition {
	d.Requirements = slices.Clone(d.Requirements)
	d.Artifacts = slices.Clone(d.Artifacts)
	return d
}
