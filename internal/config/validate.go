package config

import (
	"fmt"
	"net/url"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	oneOf := func(path, got string, valid []string) {
		if got != "" && !slices.Contains(valid, got) {
			issues = append(issues, ValidationIssue{
				Path:    path,
				Message: fmt.Sprintf("must be one of %v, got %q", valid, got),
			})
		}
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}
	oneOf("gateway.bind", cfg.Gateway.Bind, []string{"auto", "lan", "loopback", "custom"})
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.customBindHost",
			Message: "required when bind: custom",
		})
	}
	oneOf("gateway.auth.mode", cfg.Gateway.Auth.Mode, []string{"token", "password", "none"})

	// Logging validation
	oneOf("logging.level", cfg.Logging.Level, []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"})
	oneOf("logging.consoleStyle", cfg.Logging.ConsoleStyle, []string{"pretty", "compact", "json"})

	// Queue and workers
	if cfg.Queue.MaxAttempts < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "queue.maxAttempts",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Queue.MaxAttempts),
		})
	}
	if cfg.Queue.BackoffMaxMs > 0 && cfg.Queue.BackoffInitialMs > cfg.Queue.BackoffMaxMs {
		issues = append(issues, ValidationIssue{
			Path:    "queue.backoffInitialMs",
			Message: "must not exceed queue.backoffMaxMs",
		})
	}
	if cfg.Workers.Concurrency < 0 || cfg.Workers.Concurrency > 64 {
		issues = append(issues, ValidationIssue{
			Path:    "workers.concurrency",
			Message: fmt.Sprintf("must be 0-64, got %d", cfg.Workers.Concurrency),
		})
	}

	// Webhook validation (only if configured)
	if cfg.Webhook.URL != "" {
		u, err := url.Parse(cfg.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			issues = append(issues, ValidationIssue{
				Path:    "webhook.url",
				Message: fmt.Sprintf("must be an absolute http(s) URL, got %q", cfg.Webhook.URL),
			})
		}
	}
	if cfg.Webhook.TimeoutSeconds < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "webhook.timeoutSeconds",
			Message: "must be >= 0",
		})
	}

	// Remote provisioner
	oneOf("remote.provider", cfg.Remote.Provider, []string{"placeholder", "digitalocean"})
	if cfg.Remote.Provider == "digitalocean" && cfg.Remote.Token == "" {
		issues = append(issues, ValidationIssue{
			Path:    "remote.token",
			Message: "required when remote.provider: digitalocean",
		})
	}

	// Agent overrides
	for name, o := range cfg.Agents.Overrides {
		oneOf("agents.overrides."+name+".executionBackend", o.ExecutionBackend, []string{"local", "remote"})
	}

	return issues
}
