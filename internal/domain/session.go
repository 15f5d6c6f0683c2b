package domain

import (
	"strings"
	"time"
)

// Status is a lifecycle status shared by sessions and task records.
type Status string

const (
	StatusRouted     Status = "routed"
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SessionKey identifies one routing decision.
type SessionKey struct {
	ProjectID string `json:"projectId"`
	AgentName string `json:"agentName"`
	TaskID    string `json:"taskId"`
}

// String returns the canonical projectId:agentName:taskId form.
func (k SessionKey) String() string {
	return k.ProjectID + ":" + k.AgentName + ":" + k.TaskID
}

// ParseSessionKey splits a canonical session key. The project id may itself
// contain colons; agent names and task ids may not.
func ParseSessionKey(s string) (SessionKey, error) {
	last := strings.LastIndex(s, ":")
	if last < 0 {
		return SessionKey{}, &ValidationError{Field: "sessionKey", Message: "expected projectId:agentName:taskId"}
	}
	head, taskID := s[:last], s[last+1:]
	mid := strings.LastIndex(head, ":")
	if mid < 0 {
		return SessionKey{}, &ValidationError{Field: "sessionKey", Message: "expected projectId:agentName:taskId"}
	}
	k := SessionKey{ProjectID: head[:mid], AgentName: head[mid+1:], TaskID: taskID}
	if k.ProjectID == "" || k.AgentName == "" || k.TaskID == "" {
		return SessionKey{}, &ValidationError{Field: "sessionKey", Message: "empty component"}
	}
	return k, nil
}

// Session is the permanent record of one routing decision and its lifecycle.
type Session struct {
	Key              string           `json:"sessionKey"`
	ProjectID        string           `json:"projectId"`
	AgentName        string           `json:"agentName"`
	TaskID           string           `json:"taskId"`
	ExecutionBackend ExecutionBackend `json:"executionBackend"`
	WorkerID         string           `json:"workerId"`
	MachineID        string           `json:"machineId,omitempty"`
	Status           Status           `json:"status"`
	Context          string           `json:"context,omitempty"`
	RoutingInfo      map[string]any   `json:"routingInfo,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
}

// SessionUpdate carries optional fields written alongside a status change.
type SessionUpdate struct {
	WorkerID    string
	MachineID   string
	RoutingInfo map[string]any
}

// Apply copies the update onto s, stamping CompletedAt on the first
// terminal status.
func (s *Session) Apply(status Status, u SessionUpdate, now time.Time) {
	s.Status = status
	s.UpdatedAt = now
	if u.WorkerID != "" {
		s.WorkerID = u.WorkerID
	}
	if u.MachineID != "" {
		s.MachineID = u.MachineID
	}
	if u.RoutingInfo != nil {
		if s.RoutingInfo == nil {
			s.RoutingInfo = make(map[string]any, len(u.RoutingInfo))
		}
		for k, v := range u.RoutingInfo {
			s.RoutingInfo[k] = v
		}
	}
	if status.IsTerminal() && s.CompletedAt == nil {
		t := now
		s.CompletedAt = &t
	}
}
