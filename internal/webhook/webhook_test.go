package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/soyeahso/gia/internal/config"
	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/hooks"
	"github.com/soyeahso/gia/internal/logging"
	"github.com/soyeahso/gia/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 4, 15, 30, 0, 123456789, time.UTC)

func testLogger() *logging.Logger { return logging.New(nil, "silent") }

type received struct {
	header http.Header
	body   []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func TestEncode_SortedCompactUnescaped(t *testing.T) {
	body, err := Encode(domain.WebhookEvent{
		EventType: "task.created",
		ProjectID: "p1",
		Timestamp: "2026-03-04T15:30:00.123Z",
		Payload: map[string]any{
			"task_id": "t1",
			"context": "<b>&</b>",
			"result":  struct{ Zeta, Alpha int }{1, 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"event_type":"task.created","payload":{"context":"<b>&</b>","result":{"Alpha":2,"Zeta":1},"task_id":"t1"},"project_id":"p1","timestamp":"2026-03-04T15:30:00.123Z"}`,
		string(body))
}

func TestEncode_NilPayload(t *testing.T) {
	body, err := Encode(domain.WebhookEvent{EventType: "task.updated", ProjectID: "p", Timestamp: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"payload":{}`)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("s3cret", "2026-03-04T15:30:00.123Z", body)
	assert.Len(t, sig, 64)
	assert.True(t, Verify("s3cret", "2026-03-04T15:30:00.123Z", body, sig))
}

func TestVerify_Tampered(t *testing.T) {
	body := []byte(`{"a":1}`)
	ts := "2026-03-04T15:30:00.123Z"
	sig := Sign("s3cret", ts, body)

	assert.False(t, Verify("s3cret", ts, []byte(`{"a":2}`), sig), "body")
	assert.False(t, Verify("s3cret", "2026-03-04T15:30:00.124Z", body, sig), "timestamp")
	assert.False(t, Verify("other", ts, body, sig), "secret")
	assert.False(t, Verify("s3cret", ts, body, "not-hex"), "signature")
}

func TestNotify_Unconfigured(t *testing.T) {
	for _, cfg := range []config.WebhookConfig{
		{},
		{URL: "http://127.0.0.1:1/hook"},
		{Secret: "s"},
	} {
		n := New(cfg, testLogger())
		assert.False(t, n.Enabled())
		assert.False(t, n.Notify(context.Background(), domain.EventTaskCreated, "p1", map[string]any{"task_id": "t1"}))
	}
}

func TestNotify_SignedDelivery(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	reg := prometheus.NewRegistry()
	n := New(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"}, testLogger(),
		WithClock(func() time.Time { return fixedNow }),
		WithMetrics(metrics.MustNewMetrics(reg)))

	ok := n.Notify(context.Background(), domain.EventTaskUpdated, "p1", map[string]any{
		"task_id": "t1",
		"status":  "completed",
	})
	require.True(t, ok)

	reqs := got()
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, "application/json", r.header.Get("Content-Type"))
	assert.Equal(t, "2026-03-04T15:30:00.123Z", r.header.Get(HeaderTimestamp))
	assert.True(t, Verify("s3cret", r.header.Get(HeaderTimestamp), r.body, r.header.Get(HeaderSignature)))

	var ev domain.WebhookEvent
	require.NoError(t, json.Unmarshal(r.body, &ev))
	assert.Equal(t, "task.updated", ev.EventType)
	assert.Equal(t, "p1", ev.ProjectID)
	assert.Equal(t, "completed", ev.Payload["status"])
}

func TestNotify_NonOKIsFailure(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusUnauthorized, http.StatusInternalServerError} {
		srv, got := captureServer(t, status)
		n := New(config.WebhookConfig{URL: srv.URL, Secret: "s"}, testLogger())
		assert.False(t, n.Notify(context.Background(), domain.EventTaskCreated, "p1", nil), "status %d", status)
		assert.Len(t, got(), 1, "exactly one attempt")
	}
}

func TestNotify_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	n := New(config.WebhookConfig{URL: url, Secret: "s"}, testLogger())
	assert.False(t, n.Notify(context.Background(), domain.EventTaskCreated, "p1", nil))
}

func TestNotify_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	n := New(config.WebhookConfig{URL: srv.URL, Secret: "s"}, testLogger(),
		WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	assert.False(t, n.Notify(context.Background(), domain.EventTaskCreated, "p1", nil))
}

func TestSubscribe_ForwardsTaskHooks(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	n := New(config.WebhookConfig{URL: srv.URL, Secret: "s"}, testLogger())
	m := hooks.NewManager(testLogger())
	n.Subscribe(m)

	m.Emit(context.Background(), hooks.EventTaskCreated, map[string]any{
		"projectId": "p9",
		"payload":   map[string]any{"task_id": "t1"},
	})
	m.Emit(context.Background(), hooks.EventSessionRouted, map[string]any{"sessionKey": "x"})
	n.Flush()

	reqs := got()
	require.Len(t, reqs, 1)
	assert.Contains(t, string(reqs[0].body), `"project_id":"p9"`)
	assert.Contains(t, string(reqs[0].body), `"event_type":"task.created"`)
}

func TestSubscribe_SlowEndpointDoesNotBlockEmit(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
	}))
	defer srv.Close()

	n := New(config.WebhookConfig{URL: srv.URL, Secret: "s"}, testLogger())
	m := hooks.NewManager(testLogger())
	n.Subscribe(m)

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	for _, id := range []string{"t1", "t2", "t3"} {
		m.Emit(ctx, hooks.EventTaskUpdated, map[string]any{
			"projectId": "p1",
			"payload":   map[string]any{"task_id": id},
		})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// Deliveries outlive the emitting request.
	cancel()
	close(release)
	n.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 3)
	for i, id := range []string{"t1", "t2", "t3"} {
		assert.Contains(t, bodies[i], `"task_id":"`+id+`"`)
	}
}

func TestEnqueue_FullQueueDrops(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	n := New(config.WebhookConfig{URL: srv.URL, Secret: "s"}, testLogger(), WithQueueSize(1))
	ctx := context.Background()

	accepted := 0
	for i := 0; i < 5; i++ {
		if n.Enqueue(ctx, domain.EventTaskUpdated, "p1", nil) {
			accepted++
		}
	}
	// One in flight, one buffered; the rest are dropped without blocking.
	assert.GreaterOrEqual(t, accepted, 1)
	assert.LessOrEqual(t, accepted, 2)
}

func TestEnqueue_DisabledAndClosed(t *testing.T) {
	n := New(config.WebhookConfig{}, testLogger())
	assert.False(t, n.Enqueue(context.Background(), domain.EventTaskCreated, "p1", nil))

	srv, got := captureServer(t, http.StatusOK)
	n = New(config.WebhookConfig{URL: srv.URL, Secret: "s"}, testLogger())
	n.Close()
	assert.False(t, n.Enqueue(context.Background(), domain.EventTaskCreated, "p1", nil))
	assert.Empty(t, got())
}

func TestVerifyRequest(t *testing.T) {
	body := []byte(`{"event":"ping","data":{}}`)
	ts := domain.WebhookTimestamp(fixedNow)
	sig := Sign("s", ts, body)

	newReq := func(sig, ts string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
		if sig != "" {
			r.Header.Set(HeaderSignature, sig)
		}
		if ts != "" {
			r.Header.Set(HeaderTimestamp, ts)
		}
		return r
	}

	got, err := VerifyRequest(newReq(sig, ts), "s", time.Minute, fixedNow.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	_, err = VerifyRequest(newReq("", ts), "s", 0, fixedNow)
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = VerifyRequest(newReq(sig, ts), "wrong", 0, fixedNow)
	assert.ErrorAs(t, err, &ve)

	_, err = VerifyRequest(newReq(sig, ts), "s", time.Minute, fixedNow.Add(2*time.Minute))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "timestamp", ve.Field)

	// Skew is not checked when disabled.
	_, err = VerifyRequest(newReq(sig, ts), "s", 0, fixedNow.Add(time.Hour))
	assert.NoError(t, err)
}
