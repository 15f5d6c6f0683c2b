package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/queue"
	"github.com/soyeahso/gia/internal/registry"
	"github.com/soyeahso/gia/internal/tasks"
	"github.com/soyeahso/gia/internal/version"
	"github.com/soyeahso/gia/internal/webhook"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxRequestBytes  = 1 << 20
)

// registerHTTPRoutes sets up the HTTP endpoints on the mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("POST /webhook", s.handleInboundWebhook)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("POST /agent", s.requireAuth(s.handleSubmit))
	mux.HandleFunc("POST /context", s.requireAuth(s.handleSubmitContext))
	mux.HandleFunc("GET /agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("POST /agents/sync", s.requireAuth(s.handleSyncAgents))
	mux.HandleFunc("GET /agents/{name}", s.requireAuth(s.handleGetAgent))
	mux.HandleFunc("GET /agents/{name}/sessions", s.requireAuth(s.handleAgentSessions))
	mux.HandleFunc("GET /sessions/{key}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("GET /projects/{projectId}/sessions", s.requireAuth(s.handleProjectSessions))
	mux.HandleFunc("GET /projects/{projectId}/tasks", s.requireAuth(s.handleProjectTasks))
	mux.HandleFunc("GET /projects/{projectId}/context", s.requireAuth(s.handleProjectContext))
	mux.HandleFunc("GET /tasks/{id}", s.requireAuth(s.handleGetTask))
	mux.HandleFunc("GET /queue/stats", s.requireAuth(s.handleQueueStats))
	mux.HandleFunc("GET /status", s.requireAuth(s.handleStatus))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no route for " + r.Method + " " + r.URL.Path, Code: "not_found"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// listLimit parses the ?limit query parameter.
func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &domain.ValidationError{Field: "limit", Message: "must be a positive integer"}
	}
	return min(n, maxListLimit), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

func (s *Server) health() map[string]any {
	return map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"clients": s.clients.Count(),
	}
}

// metricsHandler refreshes the queue gauges before each scrape.
func (s *Server) metricsHandler() http.Handler {
	g := s.svc.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	inner := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.refreshGauges(r.Context())
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) refreshGauges(ctx context.Context) {
	if s.svc.Metrics == nil {
		return
	}
	if s.svc.Agents != nil {
		s.svc.Metrics.SetAgents(len(s.svc.Agents.All()))
	}
	if s.svc.Queue == nil {
		return
	}
	stats, err := s.svc.Queue.Stats(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("queue stats unavailable for metrics")
		return
	}
	for name, byState := range stats {
		counts := make(map[string]int, len(byState))
		for st, n := range byState {
			counts[string(st)] = n
		}
		s.svc.Metrics.SetQueueJobs(name, counts)
	}
}

// inboundWebhook accepts both the gia envelope and the event/data form.
type inboundWebhook struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	var (
		body []byte
		err  error
	)
	if secret := s.cfg.Webhook.Secret; secret != "" {
		skew := time.Duration(s.cfg.Webhook.MaxSkewSeconds) * time.Second
		body, err = webhook.VerifyRequest(r, secret, skew, time.Now())
		if err != nil {
			s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("inbound webhook rejected")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: "unauthorized", Kind: domain.ErrorKind(err)})
			return
		}
	} else {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			writeError(w, &domain.ValidationError{Field: "body", Message: err.Error()})
			return
		}
	}

	var in inboundWebhook
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	event, data := in.Event, in.Data
	if event == "" {
		event, data = in.EventType, in.Payload
	}
	if event == "" {
		writeError(w, &domain.ValidationError{Field: "event", Message: "required"})
		return
	}

	s.log.Info().Str("event", event).Msg("inbound webhook received")
	writeJSON(w, http.StatusOK, map[string]any{
		"event":   event,
		"data":    data,
		"status":  "processed",
		"message": "Webhook received and processed",
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req tasks.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleSubmitContext(w http.ResponseWriter, r *http.Request) {
	var req tasks.ContextRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.submitContext(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents, err := s.listAgents()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleSyncAgents(w http.ResponseWriter, r *http.Request) {
	report, err := s.syncAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	def, err := s.getAgent(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleAgentSessions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.getAgent(name); err != nil {
		writeError(w, err)
		return
	}
	s.writeSessions(w, r.Context(), "", name)
}

func (s *Server) handleProjectSessions(w http.ResponseWriter, r *http.Request) {
	s.writeSessions(w, r.Context(), r.PathValue("projectId"), "")
}

func (s *Server) writeSessions(w http.ResponseWriter, ctx context.Context, projectID, agentName string) {
	sessions, err := s.listSessions(ctx, projectID, agentName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.getSession(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleProjectTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.listTasks(r.Context(), r.PathValue("projectId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": recs, "count": len(recs)})
}

func (s *Server) handleProjectContext(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.listContext(r.Context(), r.PathValue("projectId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.getTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queueStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

// Operations shared by the HTTP API and the RPC handlers.

func notConfigured(what string) error {
	return &domain.ConfigurationError{Message: what + " not configured"}
}

func (s *Server) submit(ctx context.Context, req tasks.SubmitRequest) (tasks.SubmitResponse, error) {
	if s.svc.Dispatcher == nil {
		return tasks.SubmitResponse{}, notConfigured("dispatcher")
	}
	return s.svc.Dispatcher.Submit(ctx, req)
}

func (s *Server) submitContext(ctx context.Context, req tasks.ContextRequest) (tasks.SubmitResponse, error) {
	if s.svc.Dispatcher == nil {
		return tasks.SubmitResponse{}, notConfigured("dispatcher")
	}
	return s.svc.Dispatcher.SubmitContext(ctx, req)
}

func (s *Server) listAgents() ([]domain.AgentDefinition, error) {
	if s.svc.Agents == nil {
		return nil, notConfigured("agent registry")
	}
	return s.svc.Agents.All(), nil
}

func (s *Server) getAgent(name string) (domain.AgentDefinition, error) {
	if s.svc.Agents == nil {
		return domain.AgentDefinition{}, notConfigured("agent registry")
	}
	def, ok := s.svc.Agents.Get(name)
	if !ok {
		return domain.AgentDefinition{}, &domain.NotFoundError{Kind: "agent", Name: name}
	}
	return def, nil
}

func (s *Server) syncAgents(ctx context.Context) (registry.SyncReport, error) {
	if s.svc.Agents == nil {
		return registry.SyncReport{}, notConfigured("agent registry")
	}
	return s.svc.Agents.SyncAll(ctx), nil
}

func (s *Server) listSessions(ctx context.Context, projectID, agentName string) ([]domain.Session, error) {
	if s.svc.Sessions == nil {
		return nil, notConfigured("session tracker")
	}
	var out []domain.Session
	switch {
	case projectID != "":
		out = s.svc.Sessions.ListForProject(ctx, projectID)
	case agentName != "":
		out = s.svc.Sessions.ListForAgent(ctx, agentName)
	default:
		return nil, &domain.ValidationError{Field: "projectId", Message: "projectId or agentName required"}
	}
	if out == nil {
		out = []domain.Session{}
	}
	return out, nil
}

func (s *Server) getSession(ctx context.Context, key string) (domain.Session, error) {
	if s.svc.Sessions == nil {
		return domain.Session{}, notConfigured("session tracker")
	}
	if _, err := domain.ParseSessionKey(key); err != nil {
		return domain.Session{}, err
	}
	sess, ok := s.svc.Sessions.Get(ctx, key)
	if !ok {
		return domain.Session{}, &domain.NotFoundError{Kind: "session", Name: key}
	}
	return sess, nil
}

// taskView is a task record with the records it spawned.
type taskView struct {
	domain.TaskRecord
	Children []domain.TaskRecord `json:"children"`
}

func (s *Server) getTask(ctx context.Context, id string) (taskView, error) {
	if s.svc.Tasks == nil {
		return taskView{}, notConfigured("task store")
	}
	rec, ok, err := s.svc.Tasks.Get(ctx, id)
	if err != nil {
		return taskView{}, domain.Unavailable("task store", err)
	}
	if !ok {
		return taskView{}, &domain.NotFoundError{Kind: "task", Name: id}
	}
	children, err := s.svc.Tasks.ListChildren(ctx, id)
	if err != nil {
		return taskView{}, domain.Unavailable("task store", err)
	}
	if children == nil {
		children = []domain.TaskRecord{}
	}
	return taskView{TaskRecord: rec, Children: children}, nil
}

func (s *Server) listTasks(ctx context.Context, projectID string, limit int) ([]domain.TaskRecord, error) {
	if s.svc.Tasks == nil {
		return nil, notConfigured("task store")
	}
	recs, err := s.svc.Tasks.ListByProject(ctx, projectID, limit)
	if err != nil {
		return nil, domain.Unavailable("task store", err)
	}
	if recs == nil {
		recs = []domain.TaskRecord{}
	}
	return recs, nil
}

func (s *Server) listContext(ctx context.Context, projectID string, limit int) ([]domain.ContextEntry, error) {
	if s.svc.Contexts == nil {
		return nil, notConfigured("context store")
	}
	entries, err := s.svc.Contexts.ListByProject(ctx, projectID, limit)
	if err != nil {
		return nil, domain.Unavailable("context store", err)
	}
	if entries == nil {
		entries = []domain.ContextEntry{}
	}
	return entries, nil
}

func (s *Server) queueStats(ctx context.Context) (map[string]map[queue.State]int, error) {
	if s.svc.Queue == nil {
		return nil, notConfigured("queue")
	}
	stats, err := s.svc.Queue.Stats(ctx)
	if err != nil {
		return nil, domain.Unavailable("queue", err)
	}
	return stats, nil
}

// statusReport summarizes the running gateway.
type statusReport struct {
	Version string                         `json:"version"`
	Uptime  string                         `json:"uptime"`
	Agents  int                            `json:"agents"`
	Clients int                            `json:"clients"`
	Webhook bool                           `json:"webhook"`
	Tasks   map[domain.Status]int          `json:"tasks,omitempty"`
	Queues  map[string]map[queue.State]int `json:"queues,omitempty"`
	Errors  []string                       `json:"errors,omitempty"`
}

func (s *Server) status(ctx context.Context) statusReport {
	rep := statusReport{
		Version: version.Version,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Clients: s.clients.Count(),
		Webhook: s.cfg.Webhook.Enabled(),
	}
	if s.svc.Agents != nil {
		rep.Agents = len(s.svc.Agents.All())
	}
	if s.svc.Tasks != nil {
		counts, err := s.svc.Tasks.CountByStatus(ctx)
		if err != nil {
			rep.Errors = append(rep.Errors, "tasks: "+err.Error())
		}
		rep.Tasks = counts
	}
	if s.svc.Queue != nil {
		stats, err := s.svc.Queue.Stats(ctx)
		if err != nil {
			rep.Errors = append(rep.Errors, "queue: "+err.Error())
		}
		rep.Queues = stats
	}
	return rep
}
