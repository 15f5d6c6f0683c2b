// Package webhook delivers signed lifecycle events to one external endpoint
// and verifies signatures on inbound deliveries.
package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/soyeahso/gia/internal/config"
	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/hooks"
	"github.com/soyeahso/gia/internal/logging"
	"github.com/soyeahso/gia/internal/metrics"
)

// DefaultQueueSize bounds the events waiting for background delivery.
const DefaultQueueSize = 256

// Notifier posts webhook events. A Notifier without a URL or secret is
// disabled and reports every event as not sent.
//
// Hook subscriptions deliver through a single background goroutine so
// callers never wait on the endpoint; events go out in the order they
// were queued.
type Notifier struct {
	url     string
	secret  string
	client  *http.Client
	metrics *metrics.Metrics
	log     *logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	queue   chan delivery
	size    int
	closed  bool
	pending sync.WaitGroup
	done    chan struct{}
}

type delivery struct {
	ctx       context.Context
	eventType string
	projectID string
	payload   map[string]any
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the default client. Its timeout is left as is.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithMetrics counts deliveries on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithQueueSize sets how many events may wait for background delivery.
func WithQueueSize(size int) Option {
	return func(n *Notifier) { n.size = size }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a notifier from cfg.
func New(cfg config.WebhookConfig, log *logging.Logger, opts ...Option) *Notifier {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = config.DefaultWebhookTimeout * time.Second
	}
	n := &Notifier{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
		log:    log.Sub("webhook"),
		now:    time.Now,
		size:   DefaultQueueSize,
	}
	for _, o := range opts {
		o(n)
	}
	if n.size <= 0 {
		n.size = DefaultQueueSize
	}
	return n
}

// Enabled reports whether both URL and secret are configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != "" && n.secret != ""
}

// Notify sends one event and reports whether the endpoint answered 200.
// It never returns an error; every failure is logged.
func (n *Notifier) Notify(ctx context.Context, eventType, projectID string, payload map[string]any) bool {
	if !n.Enabled() {
		var missing []string
		if n == nil || n.url == "" {
			missing = append(missing, "WEBHOOK_URL")
		}
		if n == nil || n.secret == "" {
			missing = append(missing, "WEBHOOK_SECRET")
		}
		if n != nil {
			n.log.Info().Strs("missing", missing).Str("event", eventType).Msg("webhook not configured, skipping")
		}
		return false
	}

	ts := domain.WebhookTimestamp(n.now())
	body, err := Encode(domain.WebhookEvent{
		EventType: eventType,
		ProjectID: projectID,
		Timestamp: ts,
		Payload:   payload,
	})
	if err != nil {
		n.log.Error().Err(err).Str("event", eventType).Msg("failed to encode webhook")
		n.metrics.IncWebhook(eventType, false)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Error().Err(err).Str("event", eventType).Msg("failed to build webhook request")
		n.metrics.IncWebhook(eventType, false)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(n.secret, ts, body))
	req.Header.Set(HeaderTimestamp, ts)

	n.log.Debug().Str("event", eventType).Str("project", projectID).Int("bytes", len(body)).Msg("sending webhook")
	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Error().Err(err).Str("event", eventType).Str("project", projectID).Msg("webhook delivery failed")
		n.metrics.IncWebhook(eventType, false)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		n.log.Warn().
			Int("status", resp.StatusCode).
			Str("event", eventType).
			Str("project", projectID).
			Str("response", string(snippet)).
			Msg("webhook rejected")
		n.metrics.IncWebhook(eventType, false)
		return false
	}
	io.Copy(io.Discard, resp.Body)

	n.log.Info().Str("event", eventType).Str("project", projectID).Msg("webhook delivered")
	n.metrics.IncWebhook(eventType, true)
	return true
}

// Enqueue schedules an event for background delivery and returns at once.
// It reports false when the notifier is disabled, closed or its queue is
// full; the event is then dropped.
func (n *Notifier) Enqueue(ctx context.Context, eventType, projectID string, payload map[string]any) bool {
	if !n.Enabled() {
		return n.Notify(ctx, eventType, projectID, payload)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.log.Warn().Str("event", eventType).Msg("webhook notifier closed, dropping event")
		return false
	}
	if n.queue == nil {
		n.queue = make(chan delivery, n.size)
		n.done = make(chan struct{})
		go n.deliver()
	}

	n.pending.Add(1)
	select {
	case n.queue <- delivery{ctx: context.WithoutCancel(ctx), eventType: eventType, projectID: projectID, payload: payload}:
		return true
	default:
		n.pending.Done()
		n.log.Warn().Str("event", eventType).Str("project", projectID).Int("queue", n.size).Msg("webhook queue full, dropping event")
		n.metrics.IncWebhook(eventType, false)
		return false
	}
}

func (n *Notifier) deliver() {
	defer close(n.done)
	for d := range n.queue {
		n.Notify(d.ctx, d.eventType, d.projectID, d.payload)
		n.pending.Done()
	}
}

// Flush blocks until every queued event has been attempted.
func (n *Notifier) Flush() {
	n.pending.Wait()
}

// Close stops accepting events and waits for queued ones to be attempted.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	q, done := n.queue, n.done
	n.mu.Unlock()

	if q != nil {
		close(q)
		<-done
	}
}

// Subscribe forwards task lifecycle hooks to Enqueue. Hook payloads must
// carry "projectId" and "payload" entries.
func (n *Notifier) Subscribe(m *hooks.Manager) {
	for _, ev := range []string{hooks.EventTaskCreated, hooks.EventTaskUpdated} {
		m.On(ev, "webhook", func(ctx context.Context, p hooks.Payload) error {
			projectID, _ := p.Data["projectId"].(string)
			payload, _ := p.Data["payload"].(map[string]any)
			n.Enqueue(ctx, p.Event, projectID, payload)
			return nil
		})
	}
}
