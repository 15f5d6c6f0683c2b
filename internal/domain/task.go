package domain

import "time"

// Queue names.
const (
	QueueInitialization   = "agent_initialization_queue"
	QueueResults          = "agent_results_queue"
	QueueContextIngestion = "context_ingestion_queue"
)

// TaskType identifies which stage a task record belongs to.
type TaskType string

const (
	TaskAgentInitialization   TaskType = "agent_initialization"
	TaskAgentResultProcessing TaskType = "agent_result_processing"
	TaskContextIngestion      TaskType = "context_ingestion"
)

// TaskRecord is the durable row for one unit of queued work.
type TaskRecord struct {
	TaskID       string         `json:"taskId"`
	ProjectID    string         `json:"projectId"`
	QueueName    string         `json:"queueName"`
	TaskType     TaskType       `json:"taskType"`
	AgentName    string         `json:"agentName,omitempty"`
	Context      string         `json:"context,omitempty"`
	Status       Status         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ParentTaskID string         `json:"parentTaskId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// WebhookPayload renders the record the way webhook subscribers receive it.
func (r TaskRecord) WebhookPayload() map[string]any {
	p := map[string]any{
		"task_id":    r.TaskID,
		"queue_name": r.QueueName,
		"task_type":  string(r.TaskType),
		"status":     string(r.Status),
	}
	if r.AgentName != "" {
		p["agent_name"] = r.AgentName
	}
	if r.Context != "" {
		p["context"] = r.Context
	}
	if r.ParentTaskID != "" {
		p["parent_task_id"] = r.ParentTaskID
	}
	if len(r.Result) > 0 {
		p["result"] = r.Result
	}
	if r.Error != "" {
		p["error"] = r.Error
	}
	return p
}

// ContextEntry is one row of ingested project context.
type ContextEntry struct {
	ID        int64          `json:"id"`
	ProjectID string         `json:"projectId"`
	AgentName string         `json:"agentName,omitempty"`
	DataType  string         `json:"dataType"`
	RawData   string         `json:"rawData"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
