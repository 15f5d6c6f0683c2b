package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultPort             = 18800
	DefaultMaxAttempts      = 3
	DefaultWebhookTimeout   = 10
	DefaultWorkerPoolSize   = 2
	DefaultPollIntervalMs   = 500
	DefaultBackoffInitialMs = 1000
	DefaultBackoffMaxMs     = 30000
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: DefaultPort,
			Bind: "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		Queue: QueueConfig{
			MaxAttempts:      DefaultMaxAttempts,
			PollIntervalMs:   DefaultPollIntervalMs,
			BackoffInitialMs: DefaultBackoffInitialMs,
			BackoffMaxMs:     DefaultBackoffMaxMs,
		},
		Workers: WorkersConfig{
			Concurrency: DefaultWorkerPoolSize,
		},
		Webhook: WebhookConfig{
			TimeoutSeconds: DefaultWebhookTimeout,
		},
		Remote: RemoteConfig{
			Provider: "placeholder",
			Region:   "nyc3",
			Size:     "s-1vcpu-1gb",
			Image:    "ubuntu-24-04-x64",
		},
	}
}

// PollInterval returns the broker poll interval as a duration.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

// BackoffInitial returns the first redelivery delay.
func (q QueueConfig) BackoffInitial() time.Duration {
	return time.Duration(q.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the redelivery delay.
func (q QueueConfig) BackoffMax() time.Duration {
	return time.Duration(q.BackoffMaxMs) * time.Millisecond
}

// Timeout returns the outbound webhook request timeout.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// Enabled reports whether outbound delivery is configured.
func (w WebhookConfig) Enabled() bool {
	return w.URL != "" && w.Secret != ""
}
