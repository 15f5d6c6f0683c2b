package gateway

import (
	"context"
	"encoding/json"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/tasks"
)

// RequestHandler processes an RPC request frame from a client.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Ctx    context.Context
	Client *Client
	Frame  Frame
	Server *Server
}

// Bind decodes the request params into v. Empty params leave v untouched.
func (rc *RequestContext) Bind(v any) error {
	if len(rc.Frame.Params) == 0 || string(rc.Frame.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(rc.Frame.Params, v); err != nil {
		return &domain.ValidationError{Field: "params", Message: err.Error()}
	}
	return nil
}

// Reply sends payload, or err as an error response when err is non-nil.
func (rc *RequestContext) Reply(payload any, err error) {
	if err != nil {
		rc.Client.RespondError(rc.Frame.ID, rpcError(err))
		return
	}
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("rpc response failed")
	}
}

type nameParams struct {
	Name string `json:"name"`
}

type sessionParams struct {
	SessionKey string `json:"sessionKey"`
	ProjectID  string `json:"projectId"`
	AgentName  string `json:"agentName"`
}

type taskParams struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	Limit     int    `json:"limit"`
}

type subscribeParams struct {
	Projects []string `json:"projects"`
}

func (p taskParams) limit() int {
	if p.Limit <= 0 {
		return defaultListLimit
	}
	return min(p.Limit, maxListLimit)
}

// registerRPCHandlers registers the WebSocket RPC methods.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", func(rc *RequestContext) {
		rc.Reply(s.health(), nil)
	})
	s.Handle("status", func(rc *RequestContext) {
		rc.Reply(s.status(rc.Ctx), nil)
	})

	s.Handle("agents.list", func(rc *RequestContext) {
		agents, err := s.listAgents()
		rc.Reply(map[string]any{"agents": agents, "count": len(agents)}, err)
	})
	s.Handle("agents.get", func(rc *RequestContext) {
		var p nameParams
		if err := rc.Bind(&p); err != nil {
			rc.Reply(nil, err)
			return
		}
		rc.Reply(s.getAgent(p.Name))
	})
	s.Handle("agents.sync", func(rc *RequestContext) {
		rc.Reply(s.syncAgents(rc.Ctx))
	})

	s.Handle("agent.submit", func(rc *RequestContext) {
		var req tasks.SubmitRequest
		if err := rc.Bind(&req); err != nil {
			rc.Reply(nil, err)
			return
		}
		rc.Reply(s.submit(rc.Ctx, req))
	})
	s.Handle("context.submit", func(rc *RequestContext) {
		var req tasks.ContextRequest
		if err := rc.Bind(&req); err != nil {
			rc.Reply(nil, err)
			return
		}
		rc.Reply(s.submitContext(rc.Ctx, req))
	})

	s.Handle("session.get", func(rc *RequestContext) {
		var p sessionParams
		if err := rc.Bind(&p); err != nil {
			rc.Reply(nil, err)
			return
		}
		rc.Reply(s.getSession(rc.Ctx, p.SessionKey))
	})
	s.Handle("session.list", func(rc *RequestContext) {
		var p sessionParams
		if err := rc.Bind(&p); err != nil {
			rc.Reply(nil, err)
			return
		}
		sessions, err := s.listSessions(rc.Ctx, p.ProjectID, p.AgentName)
		rc.Reply(map[string]any{"sessions": sessions, "count": len(sessions)}, err)
	})

	s.Handle("task.get", func(rc *RequestContext) {
		var p taskParams
		if err := rc.Bind(&p); err != nil {
			rc.Reply(nil, err)
			return
		}
		rc.Reply(s.getTask(rc.Ctx, p.TaskID))
	})
	s.Handle("task.list", func(rc *RequestContext) {
		var p taskParams
		if err := rc.Bind(&p); err != nil {
			rc.Reply(nil, err)
			return
		}
		recs, err := s.listTasks(rc.Ctx, p.ProjectID, p.limit())
		rc.Reply(map[string]any{"tasks": recs, "count": len(recs)}, err)
	})
	s.Handle("context.list", func(rc *RequestContext) {
		var p taskParams
		if err := rc.Bind(&p); err != nil {
			rc.Reply(nil, err)
			return
		}
		entries, err := s.listContext(rc.Ctx, p.ProjectID, p.limit())
		rc.Reply(map[string]any{"entries": entries, "count": len(entries)}, err)
	})

	s.Handle("queue.stats", func(rc *RequestContext) {
		rc.Reply(s.queueStats(rc.Ctx))
	})

	s.Handle("events.subscribe", func(rc *RequestContext) {
		var p subscribeParams
		if err := rc.Bind(&p); err != nil {
			rc.Reply(nil, err)
			return
		}
		rc.Client.Subscribe(p.Projects)
		rc.Reply(map[string]any{"projects": p.Projects}, nil)
	})
}
