package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/logging"
	"github.com/soyeahso/gia/internal/metrics"
	"github.com/soyeahso/gia/internal/queue"
	"github.com/soyeahso/gia/internal/registry"
	"github.com/soyeahso/gia/internal/routing"
	"github.com/soyeahso/gia/internal/webhook"
)

// Queue is the broker surface the dispatcher uses.
type Queue interface {
	Prepare(ctx context.Context, name string, payload any) (string, error)
	Enqueue(ctx context.Context, name string, payload any) (string, error)
	Amend(ctx context.Context, id string, payload any) error
	Release(ctx context.Context, id string) error
	Discard(ctx context.Context, id string) error
	Claim(ctx context.Context, name string) (queue.Job, bool, error)
	Next(ctx context.Context, name string) (queue.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, job queue.Job, cause error) (bool, error)
}

// ContextStore stores ingested project context.
type ContextStore interface {
	Insert(ctx context.Context, e domain.ContextEntry) (int64, error)
}

// Deps wires a Dispatcher. Notifier, Contexts and Metrics are optional.
type Deps struct {
	Queue       Queue
	Router      *routing.Router
	Tracker     *routing.Tracker
	Agents      routing.AgentLookup
	Handlers    registry.Handlers
	Records     *Records
	Contexts    ContextStore
	Notifier    *webhook.Notifier
	Metrics     *metrics.Metrics
	Concurrency int
}

// Dispatcher accepts work, routes it and runs the worker stages.
type Dispatcher struct {
	Deps
	log    *logging.Logger
	stages []runner
}

// SubmitRequest is the inbound agent request.
type SubmitRequest struct {
	ProjectID string `json:"projectId"`
	AgentName string `json:"agentName"`
	Context   string `json:"context"`
}

// SubmitResponse describes an accepted request.
type SubmitResponse struct {
	TaskID           string                  `json:"taskId"`
	QueueName        string                  `json:"queueName"`
	Status           domain.Status           `json:"status"`
	ExecutionBackend domain.ExecutionBackend `json:"executionBackend"`
	SessionKey       string                  `json:"sessionKey"`
	Message          string                  `json:"message"`
}

// ContextRequest is an inbound context ingestion request.
type ContextRequest = ContextPayload

// New creates a dispatcher with the initialization, result processing and
// context ingestion stages.
func New(deps Deps, log *logging.Logger) *Dispatcher {
	if deps.Concurrency <= 0 {
		deps.Concurrency = 1
	}
	d := &Dispatcher{Deps: deps, log: log.Sub("dispatcher")}
	d.stages = []runner{
		&Stage[InitPayload]{
			Queue:    domain.QueueInitialization,
			TaskType: domain.TaskAgentInitialization,
			Validate: InitPayload.validate,
			Run:      d.runInit,
		},
		&Stage[ResultPayload]{
			Queue:    domain.QueueResults,
			TaskType: domain.TaskAgentResultProcessing,
			Validate: ResultPayload.validate,
			Run:      d.runResult,
		},
		&Stage[ContextPayload]{
			Queue:    domain.QueueContextIngestion,
			TaskType: domain.TaskContextIngestion,
			Validate: ContextPayload.validate,
			Run:      d.runContext,
		},
	}
	return d
}

// Submit accepts one agent request. The job is held until the session and
// the pending record exist, so no worker can observe it earlier. Routing
// errors are returned and leave nothing behind.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.AgentName = strings.TrimSpace(req.AgentName)
	if req.ProjectID == "" {
		return SubmitResponse{}, &domain.ValidationError{Field: "projectId", Message: "required"}
	}
	if req.AgentName == "" {
		return SubmitResponse{}, &domain.ValidationError{Field: "agentName", Message: "required"}
	}

	payload := InitPayload{ProjectID: req.ProjectID, AgentName: req.AgentName, Context: req.Context}
	taskID, err := d.Queue.Prepare(ctx, domain.QueueInitialization, payload)
	if err != nil {
		return SubmitResponse{}, err
	}

	route, err := d.Router.Route(ctx, req.ProjectID, req.AgentName, taskID, req.Context)
	if err != nil {
		d.discard(ctx, taskID)
		return SubmitResponse{}, err
	}
	d.Metrics.IncRouted(req.AgentName, string(route.ExecutionBackend))

	payload.SessionKey = route.SessionKey
	payload.ExecutionBackend = route.ExecutionBackend
	payload.MachineID = route.MachineID
	if err := d.Queue.Amend(ctx, taskID, payload); err != nil {
		d.log.Warn().Err(err).Str("task", taskID).Msg("failed to attach route to job, workers will derive it")
	}

	d.Records.Save(ctx, domain.TaskRecord{
		TaskID:    taskID,
		ProjectID: req.ProjectID,
		QueueName: domain.QueueInitialization,
		TaskType:  domain.TaskAgentInitialization,
		AgentName: req.AgentName,
		Context:   req.Context,
		Status:    domain.StatusPending,
	})

	d.Tracker.UpdateStatus(ctx, route.SessionKey, domain.StatusQueued, domain.SessionUpdate{})

	if err := d.Queue.Release(ctx, taskID); err != nil {
		d.log.Error().Err(err).Str("task", taskID).Msg("failed to release job")
		d.Records.Save(ctx, domain.TaskRecord{
			TaskID:    taskID,
			ProjectID: req.ProjectID,
			QueueName: domain.QueueInitialization,
			TaskType:  domain.TaskAgentInitialization,
			Status:    domain.StatusFailed,
			Error:     err.Error(),
		})
		d.Tracker.UpdateStatus(ctx, route.SessionKey, domain.StatusFailed, domain.SessionUpdate{})
		d.discard(ctx, taskID)
		return SubmitResponse{}, err
	}

	d.log.Info().
		Str("task", taskID).
		Str("project", req.ProjectID).
		Str("agent", req.AgentName).
		Str("backend", string(route.ExecutionBackend)).
		Msg("task submitted")

	return SubmitResponse{
		TaskID:           taskID,
		QueueName:        domain.QueueInitialization,
		Status:           domain.StatusPending,
		ExecutionBackend: route.ExecutionBackend,
		SessionKey:       route.SessionKey,
		Message:          fmt.Sprintf("Agent %s initialization queued for project %s. %s", req.AgentName, req.ProjectID, route.Message),
	}, nil
}

// SubmitContext queues project context for ingestion into the context lake.
func (d *Dispatcher) SubmitContext(ctx context.Context, req ContextRequest) (SubmitResponse, error) {
	if err := req.validate(); err != nil {
		return SubmitResponse{}, err
	}
	taskID, err := d.Queue.Prepare(ctx, domain.QueueContextIngestion, req)
	if err != nil {
		return SubmitResponse{}, err
	}
	d.Records.Save(ctx, domain.TaskRecord{
		TaskID:    taskID,
		ProjectID: req.ProjectID,
		QueueName: domain.QueueContextIngestion,
		TaskType:  domain.TaskContextIngestion,
		AgentName: req.AgentName,
		Status:    domain.StatusPending,
	})
	if err := d.Queue.Release(ctx, taskID); err != nil {
		d.discard(ctx, taskID)
		return SubmitResponse{}, err
	}
	return SubmitResponse{
		TaskID:    taskID,
		QueueName: domain.QueueContextIngestion,
		Status:    domain.StatusPending,
		Message:   "Context ingestion queued for project " + req.ProjectID,
	}, nil
}

func (d *Dispatcher) discard(ctx context.Context, taskID string) {
	if err := d.Queue.Discard(context.WithoutCancel(ctx), taskID); err != nil {
		d.log.Warn().Err(err).Str("task", taskID).Msg("failed to discard held job")
	}
}

func (d *Dispatcher) enqueueResult(ctx context.Context, p ResultPayload) {
	id, err := d.Queue.Enqueue(ctx, domain.QueueResults, p)
	if err != nil {
		d.log.Error().Err(err).Str("parent", p.ParentTaskID).Msg("failed to enqueue result job")
		return
	}
	d.log.Debug().Str("parent", p.ParentTaskID).Str("task", id).Str("status", string(p.Status)).Msg("result job enqueued")
}
