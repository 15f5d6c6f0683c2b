// Package routing decides where an agent task runs and tracks each routing
// decision as a permanent session.
package routing

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/logging"
)

// RouteRemote is the destination reported for remote-instance routes.
const RouteRemote = "remote_instance"

// AgentLookup resolves agent definitions by name.
type AgentLookup interface {
	Get(name string) (domain.AgentDefinition, bool)
}

// RoutingResult describes where a task was sent.
type RoutingResult struct {
	ExecutionBackend domain.ExecutionBackend `json:"executionBackend"`
	RouteTo          string                  `json:"routeTo"`
	SessionKey       string                  `json:"sessionKey"`
	WorkerID         string                  `json:"workerId"`
	MachineID        string                  `json:"machineId,omitempty"`
	Message          string                  `json:"message"`
	Session          domain.WriteResult      `json:"-"`
}

// Router picks an execution backend for each task and registers the
// decision with the tracker before returning it.
type Router struct {
	agents      AgentLookup
	tracker     *Tracker
	provisioner Provisioner
	log         *logging.Logger
}

// NewRouter creates a router. A nil provisioner falls back to
// PlaceholderProvisioner.
func NewRouter(agents AgentLookup, tracker *Tracker, provisioner Provisioner, log *logging.Logger) *Router {
	if provisioner == nil {
		provisioner = PlaceholderProvisioner{}
	}
	return &Router{
		agents:      agents,
		tracker:     tracker,
		provisioner: provisioner,
		log:         log.Sub("router"),
	}
}

// Provisioner returns the router's remote provisioner.
func (r *Router) Provisioner() Provisioner { return r.provisioner }

// Route resolves agentName, selects its backend and registers a routed
// session keyed projectID:agentName:taskID. Unknown agents and unknown
// backends are returned as errors and leave no session behind.
func (r *Router) Route(ctx context.Context, projectID, agentName, taskID, taskContext string) (RoutingResult, error) {
	for field, v := range map[string]string{"projectId": projectID, "agentName": agentName, "taskId": taskID} {
		if strings.TrimSpace(v) == "" {
			return RoutingResult{}, &domain.ValidationError{Field: field, Message: "required"}
		}
	}

	def, ok := r.agents.Get(agentName)
	if !ok {
		return RoutingResult{}, &domain.NotFoundError{Kind: "agent", Name: agentName}
	}

	key := domain.SessionKey{ProjectID: projectID, AgentName: agentName, TaskID: taskID}
	res := RoutingResult{
		ExecutionBackend: def.ExecutionBackend,
		SessionKey:       key.String(),
	}
	info := map[string]any{"routed_at": domain.WebhookTimestamp(time.Now())}

	switch def.ExecutionBackend {
	case domain.BackendLocal:
		res.RouteTo = domain.QueueInitialization
		res.WorkerID = domain.QueueInitialization
		res.Message = "Task routed to local worker queue " + domain.QueueInitialization
	case domain.BackendRemote:
		machineID := def.MachineID
		if machineID == "" {
			id, err := r.provisioner.Ensure(ctx, def, projectID)
			if err != nil {
				return RoutingResult{}, fmt.Errorf("provision %s: %w", agentName, err)
			}
			machineID = id
			info["provisioned"] = true
		}
		res.RouteTo = RouteRemote
		res.WorkerID = machineID
		res.MachineID = machineID
		res.Message = "Task routed to remote instance " + machineID
		if def.RemoteCodePath != "" {
			info["remote_code_path"] = def.RemoteCodePath
		}
	default:
		return RoutingResult{}, &domain.ConfigurationError{
			Message: fmt.Sprintf("agent %s has unknown execution backend %q", agentName, def.ExecutionBackend),
		}
	}
	info["route_to"] = res.RouteTo

	res.Session = r.tracker.Register(ctx, domain.Session{
		Key:              res.SessionKey,
		ProjectID:        projectID,
		AgentName:        agentName,
		TaskID:           taskID,
		ExecutionBackend: def.ExecutionBackend,
		WorkerID:         res.WorkerID,
		MachineID:        res.MachineID,
		Status:           domain.StatusRouted,
		Context:          taskContext,
		RoutingInfo:      info,
	})

	r.log.Info().
		Str("session", res.SessionKey).
		Str("backend", string(res.ExecutionBackend)).
		Str("worker", res.WorkerID).
		Bool("persisted", res.Session.Persisted).
		Msg("task routed")
	return res, nil
}

func sortNewestFirst(sessions []domain.Session) {
	slices.SortFunc(sessions, func(a, b domain.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
