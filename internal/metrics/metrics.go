// Package metrics exposes Prometheus collectors for the routing and
// execution pipeline. All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gia"

// Metrics holds the pipeline's collectors.
type Metrics struct {
	routed          *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	jobRetries      *prometheus.CounterVec
	deadJobs        *prometheus.CounterVec
	queueJobs       *prometheus.GaugeVec
	webhooks        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	agents          prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg, panicking on a
// registration error. A nil reg uses the default registerer.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m, err := NewMetrics(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routed_total",
			Help:      "Tasks routed, by agent and execution backend.",
		}, []string{"agent", "backend"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Persisted task record transitions.",
		}, []string{"task_type", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "stage_duration_seconds",
			Help:      "Time spent executing one job in a worker stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "outcome"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Jobs scheduled for redelivery after a transient failure.",
		}, []string{"queue"}),
		deadJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_total",
			Help:      "Jobs moved to the dead state.",
		}, []string{"queue"}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs per queue and state at the last sample.",
		}, []string{"queue", "state"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests served by the gateway.",
		}, []string{"method", "code"}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "agents",
			Help:      "Agents currently registered.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.routed, m.taskTransitions, m.stageDuration, m.jobRetries, m.deadJobs,
		m.queueJobs, m.webhooks, m.httpRequests, m.agents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) IncRouted(agent, backend string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(agent, backend).Inc()
}

func (m *Metrics) IncTaskTransition(taskType, status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(taskType, status).Inc()
}

// ObserveStage records how long one job took; outcome is "ok", "retry" or
// "dead".
func (m *Metrics) ObserveStage(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(queue, outcome).Observe(d.Seconds())
	switch outcome {
	case "retry":
		m.jobRetries.WithLabelValues(queue).Inc()
	case "dead":
		m.deadJobs.WithLabelValues(queue).Inc()
	}
}

// SetQueueJobs replaces the gauge values for one queue.
func (m *Metrics) SetQueueJobs(queue string, byState map[string]int) {
	if m == nil {
		return
	}
	for state, n := range byState {
		m.queueJobs.WithLabelValues(queue, state).Set(float64(n))
	}
}

func (m *Metrics) IncWebhook(eventType string, delivered bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.webhooks.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncHTTPRequest(method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, statusClass(code)).Inc()
}

func (m *Metrics) SetAgents(n int) {
	if m == nil {
		return
	}
	m.agents.Set(float64(n))
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
