package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/gia/internal/config"
	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/hooks"
	"github.com/soyeahso/gia/internal/metrics"
	"github.com/soyeahso/gia/internal/queue"
	"github.com/soyeahso/gia/internal/registry"
	"github.com/soyeahso/gia/internal/routing"
	"github.com/soyeahso/gia/internal/store"
	"github.com/soyeahso/gia/internal/tasks"
	"github.com/soyeahso/gia/internal/webhook"
)

const testToken = "test-token-123"

type testEnv struct {
	srv        *Server
	ts         *httptest.Server
	dispatcher *tasks.Dispatcher
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := testLog()

	cfg := config.Defaults()
	cfg.Gateway.Auth = config.GatewayAuth{Mode: "token", Token: testToken}
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(store.NewAgentStore(db), log)
	require.NoError(t, reg.Register(ctx, domain.AgentDefinition{Name: "qa", Role: "QA", ExecutionBackend: domain.BackendLocal}))
	require.NoError(t, reg.Register(ctx, domain.AgentDefinition{Name: "design", Role: "Design", ExecutionBackend: domain.BackendLocal}))
	handlers := registry.Handlers{
		"qa": func(context.Context, registry.Invocation) (map[string]any, error) {
			return map[string]any{"status": "completed", "message": "QA plan ready"}, nil
		},
	}

	promReg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(promReg)
	hm := hooks.NewManager(log)
	broker := queue.New(db, queue.Options{}, log)
	taskStore := store.NewTaskStore(db)
	contexts := store.NewContextStore(db)
	tracker := routing.NewTracker(store.NewSessionStore(db), log, routing.WithHooks(hm))

	d := tasks.New(tasks.Deps{
		Queue:    broker,
		Router:   routing.NewRouter(reg, tracker, nil, log),
		Tracker:  tracker,
		Agents:   reg,
		Handlers: handlers,
		Records:  tasks.NewRecords(taskStore, hm, m, log),
		Contexts: contexts,
		Metrics:  m,
	}, log)

	srv := New(cfg, Services{
		Dispatcher: d,
		Agents:     reg,
		Sessions:   tracker,
		Tasks:      taskStore,
		Queue:      broker,
		Contexts:   contexts,
		Hooks:      hm,
		Metrics:    m,
		Gatherer:   promReg,
	}, log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, dispatcher: d}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	_, err := e.dispatcher.Drain(context.Background())
	require.NoError(t, err)
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}

func TestAPIRequiresBearer(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	req, _ := http.NewRequest("GET", env.ts.URL+"/agents", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPINoneModeSkipsAuth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Gateway.Auth = config.GatewayAuth{Mode: "none"} })

	resp, err := http.Get(env.ts.URL + "/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, "GET", "/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])
}

func TestSubmitAgent_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/agent", map[string]string{
		"projectId": "p1", "agentName": "qa", "context": "launch checklist",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	taskID, _ := body["taskId"].(string)
	require.NotEmpty(t, taskID)
	assert.Equal(t, domain.QueueInitialization, body["queueName"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "local", body["executionBackend"])
	sessionKey := "p1:qa:" + taskID
	assert.Equal(t, sessionKey, body["sessionKey"])

	env.drain(t)

	resp, body = env.do(t, "GET", "/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	children, _ := body["children"].([]any)
	assert.Len(t, children, 1)

	resp, body = env.do(t, "GET", "/sessions/"+sessionKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.NotEmpty(t, body["completedAt"])

	_, body = env.do(t, "GET", "/projects/p1/sessions", nil)
	assert.Equal(t, float64(1), body["count"])

	_, body = env.do(t, "GET", "/projects/p1/tasks?limit=10", nil)
	assert.Equal(t, float64(2), body["count"])

	_, body = env.do(t, "GET", "/agents/qa/sessions", nil)
	assert.Equal(t, float64(1), body["count"])
}

func TestSubmitAgent_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/agent", map[string]string{"projectId": "p1", "agentName": "ghost_agent"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFoundError", body["kind"])

	resp, body = env.do(t, "POST", "/agent", map[string]string{"agentName": "qa"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])

	resp, _ = env.do(t, "GET", "/projects/p1/tasks?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, "GET", "/sessions/not-a-key", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, "GET", "/sessions/p1:qa:missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, "GET", "/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitAgent_MalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := http.NewRequest("POST", env.ts.URL+"/agent", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "GET", "/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, body = env.do(t, "GET", "/agents/qa", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "QA", body["role"])

	resp, _ = env.do(t, "GET", "/agents/ghost_agent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, "POST", "/agents/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["synced"])
	assert.Equal(t, float64(0), body["written"], "Register already persisted both agents")
}

func TestContextIngestion(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/context", map[string]any{
		"projectId": "p1",
		"agentName": "qa",
		"dataType":  "notes",
		"data":      map[string]any{"summary": "ship it"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, domain.QueueContextIngestion, body["queueName"])

	env.drain(t)

	_, body = env.do(t, "GET", "/projects/p1/context", nil)
	assert.Equal(t, float64(1), body["count"])
}

func TestQueueStatsAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/agent", map[string]string{"projectId": "p1", "agentName": "qa"})

	resp, body := env.do(t, "GET", "/queue/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	initQ, _ := body[domain.QueueInitialization].(map[string]any)
	assert.Equal(t, float64(1), initQ["ready"])

	resp, body = env.do(t, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["agents"])
	assert.Equal(t, false, body["webhook"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/agent", map[string]string{"projectId": "p1", "agentName": "qa"})

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, `gia_router_routed_total{agent="qa",backend="local"} 1`)
	assert.Contains(t, text, "gia_registry_agents 2")
	assert.Contains(t, text, `gia_queue_jobs{queue="agent_initialization_queue",state="ready"} 1`)
}

func TestInboundWebhook_Unsigned(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.ts.URL+"/webhook", "application/json",
		strings.NewReader(`{"event_type":"task.updated","payload":{"task_id":"t1"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "task.updated", body["event"])
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, "Webhook received and processed", body["message"])
}

func TestInboundWebhook_Signed(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Webhook.Secret = "s3cret"
		c.Webhook.MaxSkewSeconds = 300
	})
	body := []byte(`{"event":"deploy.finished","data":{"ok":true}}`)

	post := func(sig, ts string) int {
		req, _ := http.NewRequest("POST", env.ts.URL+"/webhook", bytes.NewReader(body))
		req.Header.Set(webhook.HeaderSignature, sig)
		req.Header.Set(webhook.HeaderTimestamp, ts)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	ts := domain.WebhookTimestamp(time.Now())
	assert.Equal(t, http.StatusOK, post(webhook.Sign("s3cret", ts, body), ts))
	assert.Equal(t, http.StatusUnauthorized, post(webhook.Sign("other", ts, body), ts))
	assert.Equal(t, http.StatusUnauthorized, post("", ""))

	stale := domain.WebhookTimestamp(time.Now().Add(-time.Hour))
	assert.Equal(t, http.StatusUnauthorized, post(webhook.Sign("s3cret", stale, body), stale))
}

// --- WebSocket ---

func dialWS(t *testing.T, env *testEnv, auth *ConnectAuth, projects []string) (*websocket.Conn, Frame) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, EventChallenge, challenge.Event)

	req, err := NewRequest("req-connect", "connect", ConnectParams{
		Protocol: ProtocolVersion,
		Client:   ClientInfo{ID: "test-client", Version: "1.0.0"},
		Auth:     auth,
		Projects: projects,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	return conn, hello
}

// call sends an RPC and returns its response plus any events seen first.
func call(t *testing.T, conn *websocket.Conn, id, method string, params any) (Frame, []Frame) {
	t.Helper()
	req, err := NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var events []Frame
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == FrameTypeResponse && f.ID == id {
			return f, events
		}
		events = append(events, f)
	}
}

func TestWebSocket_Handshake(t *testing.T) {
	env := newTestEnv(t, nil)
	_, hello := dialWS(t, env, &ConnectAuth{Token: testToken}, nil)

	require.NotNil(t, hello.OK)
	require.True(t, *hello.OK)
	var payload HelloOK
	require.NoError(t, json.Unmarshal(hello.Payload, &payload))
	assert.Equal(t, ProtocolVersion, payload.Protocol)
	assert.NotEmpty(t, payload.Server.ConnID)
	assert.Contains(t, payload.Features.Methods, "agent.submit")
	assert.Contains(t, payload.Features.Events, hooks.EventTaskUpdated)
}

func TestWebSocket_WrongToken(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, resp := dialWS(t, env, &ConnectAuth{Token: "nope"}, nil)

	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unauthorized", resp.Error.Code)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocket_RPC(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _ := dialWS(t, env, &ConnectAuth{Token: testToken}, nil)

	res, _ := call(t, conn, "r1", "agents.list", nil)
	require.True(t, *res.OK)
	var agents struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &agents))
	assert.Equal(t, 2, agents.Count)

	res, _ = call(t, conn, "r2", "agents.get", nameParams{Name: "ghost_agent"})
	require.False(t, *res.OK)
	assert.Equal(t, "not_found", res.Error.Code)

	res, _ = call(t, conn, "r3", "no.such.method", nil)
	require.False(t, *res.OK)
	assert.Equal(t, "method_not_found", res.Error.Code)

	res, _ = call(t, conn, "r4", "session.list", sessionParams{})
	require.False(t, *res.OK)
	assert.Equal(t, "invalid_request", res.Error.Code)
}

func TestWebSocket_SubmitStreamsLifecycleEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _ := dialWS(t, env, &ConnectAuth{Token: testToken}, []string{"p1"})

	res, events := call(t, conn, "s1", "agent.submit", tasks.SubmitRequest{ProjectID: "p1", AgentName: "qa"})
	require.True(t, *res.OK)
	var submitted tasks.SubmitResponse
	require.NoError(t, json.Unmarshal(res.Payload, &submitted))

	var created bool
	for _, ev := range events {
		if ev.Event == hooks.EventTaskCreated {
			created = true
			var data map[string]any
			require.NoError(t, json.Unmarshal(ev.Payload, &data))
			assert.Equal(t, submitted.TaskID, data["taskId"])
		}
	}
	assert.True(t, created, "task.created is pushed before the response")

	res, _ = call(t, conn, "s2", "task.get", taskParams{TaskID: submitted.TaskID})
	require.True(t, *res.OK)
}

func TestWebSocket_ProjectFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _ := dialWS(t, env, &ConnectAuth{Token: testToken}, []string{"other"})

	res, events := call(t, conn, "s1", "agent.submit", tasks.SubmitRequest{ProjectID: "p1", AgentName: "qa"})
	require.True(t, *res.OK)
	for _, ev := range events {
		assert.NotEqual(t, hooks.EventTaskCreated, ev.Event)
	}

	res, _ = call(t, conn, "s2", "events.subscribe", subscribeParams{Projects: []string{"p1"}})
	require.True(t, *res.OK)
	_, events = call(t, conn, "s3", "agent.submit", tasks.SubmitRequest{ProjectID: "p1", AgentName: "qa"})
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Contains(t, names, hooks.EventTaskCreated)
}

func TestServerStart(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Port = 0
	cfg.Gateway.Bind = "loopback"
	srv := New(cfg, Services{}, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
