package domain

import "time"

// WebhookTimeFormat is ISO-8601 UTC with millisecond precision.
const WebhookTimeFormat = "2006-01-02T15:04:05.000Z"

// Webhook event types.
const (
	EventTaskCreated = "task.created"
	EventTaskUpdated = "task.updated"
)

// WebhookEvent is a transient lifecycle notification.
type WebhookEvent struct {
	EventType string         `json:"event_type"`
	ProjectID string         `json:"project_id"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// WebhookTimestamp formats t in the webhook wire format.
func WebhookTimestamp(t time.Time) string {
	return t.UTC().Format(WebhookTimeFormat)
}
