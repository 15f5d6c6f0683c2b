// Package tasks dispatches agent work through the queue broker and keeps
// each unit of work's task record current.
package tasks

import (
	"context"
	"time"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/hooks"
	"github.com/soyeahso/gia/internal/logging"
	"github.com/soyeahso/gia/internal/metrics"
)

// RecordStore persists task records.
type RecordStore interface {
	Save(ctx context.Context, rec domain.TaskRecord, now time.Time) (bool, error)
	Get(ctx context.Context, taskID string) (domain.TaskRecord, bool, error)
}

// Records writes task record transitions and announces each persisted one
// on the hook bus as task.created (first write) or task.updated.
type Records struct {
	store   RecordStore
	hooks   *hooks.Manager
	metrics *metrics.Metrics
	log     *logging.Logger
	now     func() time.Time
}

// NewRecords creates a Records writer. hooks and m may be nil.
func NewRecords(st RecordStore, h *hooks.Manager, m *metrics.Metrics, log *logging.Logger) *Records {
	return &Records{store: st, hooks: h, metrics: m, log: log.Sub("records"), now: time.Now}
}

// Save writes rec. Store failures are logged and returned in the result,
// never as an error. Transitions the store refuses (out of a terminal
// status, or back to pending) come back as a skipped result.
func (r *Records) Save(ctx context.Context, rec domain.TaskRecord) domain.WriteResult {
	_, existed, err := r.store.Get(ctx, rec.TaskID)
	if err != nil {
		r.log.Warn().Err(err).Str("task", rec.TaskID).Msg("task lookup failed before save")
	}

	changed, err := r.store.Save(ctx, rec, r.now())
	if err != nil {
		r.log.Error().Err(err).Str("task", rec.TaskID).Str("status", string(rec.Status)).Msg("failed to save task record")
		return domain.NotWritten(domain.Unavailable("task store", err))
	}
	if !changed {
		r.log.Debug().Str("task", rec.TaskID).Str("status", string(rec.Status)).Msg("task transition skipped")
		return domain.Skipped()
	}

	saved, found, err := r.store.Get(ctx, rec.TaskID)
	if err != nil || !found {
		saved = rec
	}
	r.metrics.IncTaskTransition(string(saved.TaskType), string(saved.Status))
	r.log.Debug().Str("task", saved.TaskID).Str("status", string(saved.Status)).Msg("task record saved")

	if r.hooks != nil {
		event := hooks.EventTaskUpdated
		if !existed {
			event = hooks.EventTaskCreated
		}
		r.hooks.Emit(ctx, event, map[string]any{
			"projectId": saved.ProjectID,
			"taskId":    saved.TaskID,
			"status":    string(saved.Status),
			"payload":   saved.WebhookPayload(),
		})
	}
	return domain.Written()
}

// Get returns a stored record.
func (r *Records) Get(ctx context.Context, taskID string) (domain.TaskRecord, bool, error) {
	return r.store.Get(ctx, taskID)
}

// terminal reports whether taskID already has a terminal record. Lookup
// errors count as not terminal so the job still runs.
func (r *Records) terminal(ctx context.Context, taskID string) (domain.TaskRecord, bool) {
	rec, found, err := r.store.Get(ctx, taskID)
	if err != nil {
		r.log.Warn().Err(err).Str("task", taskID).Msg("task lookup failed")
		return domain.TaskRecord{}, false
	}
	return rec, found && rec.Status.IsTerminal()
}
