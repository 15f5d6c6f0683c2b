package tasks

import (
	"strings"

	"github.com/soyeahso/gia/internal/domain"
)

// InitPayload is the job body on the initialization queue.
type InitPayload struct {
	ProjectID        string                  `json:"projectId"`
	AgentName        string                  `json:"agentName"`
	Context          string                  `json:"context,omitempty"`
	SessionKey       string                  `json:"sessionKey,omitempty"`
	ExecutionBackend domain.ExecutionBackend `json:"executionBackend,omitempty"`
	MachineID        string                  `json:"machineId,omitempty"`
}

func (p InitPayload) validate() error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return &domain.ValidationError{Field: "projectId", Message: "required"}
	}
	if strings.TrimSpace(p.AgentName) == "" {
		return &domain.ValidationError{Field: "agentName", Message: "required"}
	}
	return nil
}

// Failure describes an agent error forwarded to result processing.
type Failure struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// ResultPayload is the job body on the results queue.
type ResultPayload struct {
	ParentTaskID string         `json:"parentTaskId"`
	ProjectID    string         `json:"projectId"`
	AgentName    string         `json:"agentName"`
	SessionKey   string         `json:"sessionKey"`
	Status       domain.Status  `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *Failure       `json:"error,omitempty"`
}

func (p ResultPayload) validate() error {
	if p.ParentTaskID == "" {
		return &domain.ValidationError{Field: "parentTaskId", Message: "required"}
	}
	if p.ProjectID == "" {
		return &domain.ValidationError{Field: "projectId", Message: "required"}
	}
	return nil
}

// asMap renders p with the same keys it has on the wire.
func (p ResultPayload) asMap() map[string]any {
	m := map[string]any{
		"parentTaskId": p.ParentTaskID,
		"projectId":    p.ProjectID,
		"agentName":    p.AgentName,
		"sessionKey":   p.SessionKey,
		"status":       string(p.Status),
	}
	if p.Result != nil {
		m["result"] = p.Result
	}
	if p.Error != nil {
		m["error"] = map[string]any{"message": p.Error.Message, "kind": p.Error.Kind}
	}
	return m
}

// ContextPayload is the job body on the context ingestion queue.
type ContextPayload struct {
	ProjectID string         `json:"projectId"`
	AgentName string         `json:"agentName,omitempty"`
	DataType  string         `json:"dataType,omitempty"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p ContextPayload) validate() error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return &domain.ValidationError{Field: "projectId", Message: "required"}
	}
	if len(p.Data) == 0 {
		return &domain.ValidationError{Field: "data", Message: "required and cannot be empty"}
	}
	return nil
}
