package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v5"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/queue"
	"github.com/soyeahso/gia/internal/registry"
)

func (d *Dispatcher) runInit(ctx context.Context, job queue.Job, p InitPayload) error {
	log := d.log.With("task", job.ID).With("agent", p.AgentName)
	if rec, done := d.Records.terminal(ctx, job.ID); done {
		log.Info().Str("status", string(rec.Status)).Msg("task already finished, acknowledging redelivery")
		return nil
	}

	key := p.SessionKey
	if key == "" {
		key = domain.SessionKey{ProjectID: p.ProjectID, AgentName: p.AgentName, TaskID: job.ID}.String()
	}
	rec := domain.TaskRecord{
		TaskID:    job.ID,
		ProjectID: p.ProjectID,
		QueueName: domain.QueueInitialization,
		TaskType:  domain.TaskAgentInitialization,
		AgentName: p.AgentName,
		Context:   p.Context,
	}

	def, ok := d.Agents.Get(p.AgentName)
	if !ok {
		return d.failInit(ctx, rec, key, &domain.NotFoundError{Kind: "agent", Name: p.AgentName})
	}

	if def.ExecutionBackend == domain.BackendRemote {
		if err := d.checkRemote(ctx, key, p.MachineID); err != nil {
			if !finalAttempt(job) {
				log.Warn().Err(err).Int("attempt", job.Attempts).Msg("remote instance not ready")
				return err
			}
			return d.failInit(ctx, rec, key, err)
		}
	}

	rec.Status = domain.StatusProcessing
	d.Records.Save(ctx, rec)
	d.Tracker.UpdateStatus(ctx, key, domain.StatusProcessing, domain.SessionUpdate{})

	handler, err := d.Handlers.Lookup(p.AgentName)
	var result map[string]any
	if err == nil {
		log.Info().Msg("running agent")
		result, err = handler(ctx, registry.Invocation{
			TaskID:     job.ID,
			ProjectID:  p.ProjectID,
			Context:    p.Context,
			Definition: def,
		})
	}
	if err != nil {
		return d.failInit(ctx, rec, key, err)
	}

	rec.Status = domain.StatusCompleted
	rec.Result = result
	d.Records.Save(ctx, rec)
	log.Info().Msg("agent completed")

	d.enqueueResult(ctx, ResultPayload{
		ParentTaskID: job.ID,
		ProjectID:    p.ProjectID,
		AgentName:    p.AgentName,
		SessionKey:   key,
		Status:       domain.StatusCompleted,
		Result:       result,
	})
	return nil
}

// failInit records an agent failure, forwards it to result processing and
// returns it as a permanent error.
func (d *Dispatcher) failInit(ctx context.Context, rec domain.TaskRecord, key string, cause error) error {
	rec.Status = domain.StatusFailed
	rec.Error = cause.Error()
	d.Records.Save(ctx, rec)
	d.log.Error().Err(cause).Str("task", rec.TaskID).Str("agent", rec.AgentName).Msg("agent failed")

	d.enqueueResult(ctx, ResultPayload{
		ParentTaskID: rec.TaskID,
		ProjectID:    rec.ProjectID,
		AgentName:    rec.AgentName,
		SessionKey:   key,
		Status:       domain.StatusFailed,
		Error:        &Failure{Message: cause.Error(), Kind: domain.ErrorKind(cause)},
	})
	return backoff.Permanent(cause)
}

// checkRemote asks the provisioner about the machine routed to the task.
// Jobs without a machine id in their payload look it up on the session.
func (d *Dispatcher) checkRemote(ctx context.Context, key, machineID string) error {
	if machineID == "" {
		sess, ok := d.Tracker.Get(ctx, key)
		if !ok || sess.MachineID == "" {
			return nil
		}
		machineID = sess.MachineID
	}
	healthy, err := d.Router.Provisioner().Healthy(ctx, machineID)
	if err != nil {
		return err
	}
	if !healthy {
		return domain.Unavailable("remote instance "+machineID, nil)
	}
	return nil
}

func (d *Dispatcher) runResult(ctx context.Context, job queue.Job, p ResultPayload) error {
	log := d.log.With("task", job.ID).With("parent", p.ParentTaskID)
	if rec, done := d.Records.terminal(ctx, job.ID); done {
		log.Info().Str("status", string(rec.Status)).Msg("result already processed, acknowledging redelivery")
		return nil
	}

	rec := domain.TaskRecord{
		TaskID:       job.ID,
		ProjectID:    p.ProjectID,
		QueueName:    domain.QueueResults,
		TaskType:     domain.TaskAgentResultProcessing,
		AgentName:    p.AgentName,
		ParentTaskID: p.ParentTaskID,
		Status:       domain.StatusProcessing,
	}
	d.Records.Save(ctx, rec)

	sessionStatus := p.Status
	switch p.Status {
	case domain.StatusCompleted:
		log.Info().Msg("processing successful agent result")
	case domain.StatusFailed:
		ev := log.Warn()
		if p.Error != nil {
			ev = ev.Str("error", p.Error.Message).Str("kind", p.Error.Kind)
		}
		ev.Msg("processing failed agent result")
	default:
		log.Warn().Str("status", string(p.Status)).Msg("result carries a non-terminal status, recording session as failed")
		sessionStatus = domain.StatusFailed
	}

	rec.Status = domain.StatusCompleted
	rec.Result = map[string]any{
		"processed": summarize(p),
		"original":  p.asMap(),
	}
	saved := d.Records.Save(ctx, rec)
	if !saved.Persisted && d.Notifier != nil {
		// Nothing was announced on the hook bus; tell the subscriber directly.
		d.Notifier.Notify(ctx, domain.EventTaskUpdated, rec.ProjectID, rec.WebhookPayload())
	}

	if p.SessionKey != "" {
		d.Tracker.UpdateStatus(ctx, p.SessionKey, sessionStatus, domain.SessionUpdate{
			RoutingInfo: map[string]any{"result_task_id": job.ID},
		})
		d.releaseRemote(ctx, p.SessionKey)
	}
	return nil
}

// releaseRemote frees an instance the router provisioned for this session
// once no other unfinished session of the agent runs on it. Machines pinned
// in the agent definition are left running.
func (d *Dispatcher) releaseRemote(ctx context.Context, key string) {
	sess, ok := d.Tracker.Get(ctx, key)
	if !ok || sess.MachineID == "" || sess.RoutingInfo["provisioned"] != true {
		return
	}
	for _, other := range d.Tracker.ListForAgent(ctx, sess.AgentName) {
		if other.Key != key && other.MachineID == sess.MachineID && !other.Status.IsTerminal() {
			d.log.Debug().Str("session", key).Str("machine", sess.MachineID).Str("sharedWith", other.Key).Msg("remote instance still in use")
			return
		}
	}
	if err := d.Router.Provisioner().Release(ctx, sess.MachineID); err != nil {
		d.log.Warn().Err(err).Str("session", key).Str("machine", sess.MachineID).Msg("release remote instance failed")
		return
	}
	d.log.Info().Str("session", key).Str("machine", sess.MachineID).Msg("remote instance released")
}

func summarize(p ResultPayload) map[string]any {
	s := map[string]any{
		"agent_name":     p.AgentName,
		"parent_task_id": p.ParentTaskID,
		"status":         string(p.Status),
	}
	switch {
	case p.Error != nil:
		s["message"] = fmt.Sprintf("Agent %s failed: %s", p.AgentName, p.Error.Message)
		s["error_kind"] = p.Error.Kind
	case p.Result != nil && p.Result["message"] != nil:
		s["message"] = p.Result["message"]
	default:
		s["message"] = fmt.Sprintf("Agent %s finished with status %s", p.AgentName, p.Status)
	}
	return s
}

func (d *Dispatcher) runContext(ctx context.Context, job queue.Job, p ContextPayload) error {
	log := d.log.With("task", job.ID).With("project", p.ProjectID)
	if rec, done := d.Records.terminal(ctx, job.ID); done {
		log.Info().Str("status", string(rec.Status)).Msg("context already ingested, acknowledging redelivery")
		return nil
	}

	rec := domain.TaskRecord{
		TaskID:    job.ID,
		ProjectID: p.ProjectID,
		QueueName: domain.QueueContextIngestion,
		TaskType:  domain.TaskContextIngestion,
		AgentName: p.AgentName,
		Status:    domain.StatusProcessing,
	}
	d.Records.Save(ctx, rec)

	if d.Contexts == nil {
		err := &domain.ConfigurationError{Message: "context store not configured"}
		rec.Status, rec.Error = domain.StatusFailed, err.Error()
		d.Records.Save(ctx, rec)
		return backoff.Permanent(err)
	}

	raw, err := json.Marshal(p.Data)
	if err != nil {
		return backoff.Permanent(&domain.ValidationError{Field: "data", Message: err.Error()})
	}
	id, err := d.Contexts.Insert(ctx, domain.ContextEntry{
		ProjectID: p.ProjectID,
		AgentName: p.AgentName,
		DataType:  p.DataType,
		RawData:   string(raw),
		Metadata:  p.Metadata,
	})
	if err != nil {
		err = domain.Unavailable("context store", err)
		if !finalAttempt(job) {
			log.Warn().Err(err).Int("attempt", job.Attempts).Msg("context insert failed, will retry")
			return err
		}
		rec.Status, rec.Error = domain.StatusFailed, err.Error()
		d.Records.Save(ctx, rec)
		return backoff.Permanent(err)
	}

	rec.Status = domain.StatusCompleted
	rec.Result = map[string]any{
		"status":     string(domain.StatusCompleted),
		"project_id": p.ProjectID,
		"agent_name": p.AgentName,
		"data_type":  p.DataType,
		"context_id": id,
		"message":    "Context data ingested successfully for project " + p.ProjectID,
	}
	d.Records.Save(ctx, rec)
	log.Info().Int64("context", id).Msg("context ingested")
	return nil
}
