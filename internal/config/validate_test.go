package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuePaths(issues []ValidationIssue) []string {
	var paths []string
	for _, i := range issues {
		paths = append(paths, i.Path)
	}
	return paths
}

func TestValidate_ValidDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_Port(t *testing.T) {
	cfg := Defaults()
	for _, port := range []int{0, 8080, 65535} {
		cfg.Gateway.Port = port
		assert.Empty(t, Validate(&cfg), "port %d should be valid", port)
	}

	cfg.Gateway.Port = 70000
	issues := Validate(&cfg)
	require.Len(t, issues, 1)
	assert.Equal(t, "gateway.port", issues[0].Path)
}

func TestValidate_EnumFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"bind", func(c *Config) { c.Gateway.Bind = "tailnet" }, "gateway.bind"},
		{"auth mode", func(c *Config) { c.Gateway.Auth.Mode = "oauth" }, "gateway.auth.mode"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"console style", func(c *Config) { c.Logging.ConsoleStyle = "fancy" }, "logging.consoleStyle"},
		{"provider", func(c *Config) { c.Remote.Provider = "aws" }, "remote.provider"},
		{"override backend", func(c *Config) {
			c.Agents.Overrides = map[string]AgentOverride{"qa": {ExecutionBackend: "lambda"}}
		}, "agents.overrides.qa.executionBackend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Equal(t, []string{tt.path}, issuePaths(Validate(&cfg)))
		})
	}
}

func TestValidate_CustomBindNeedsHost(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Bind = "custom"
	assert.Contains(t, issuePaths(Validate(&cfg)), "gateway.customBindHost")

	cfg.Gateway.CustomBindHost = "10.0.0.5"
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_Queue(t *testing.T) {
	cfg := Defaults()
	cfg.Queue.MaxAttempts = -1
	cfg.Queue.BackoffInitialMs = 60000
	paths := issuePaths(Validate(&cfg))
	assert.Contains(t, paths, "queue.maxAttempts")
	assert.Contains(t, paths, "queue.backoffInitialMs")
}

func TestValidate_WorkerConcurrency(t *testing.T) {
	cfg := Defaults()
	cfg.Workers.Concurrency = 100
	assert.Equal(t, []string{"workers.concurrency"}, issuePaths(Validate(&cfg)))
}

func TestValidate_WebhookURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com", "not a url", "/relative"} {
		cfg := Defaults()
		cfg.Webhook.URL = u
		assert.Equal(t, []string{"webhook.url"}, issuePaths(Validate(&cfg)), u)
	}

	cfg := Defaults()
	cfg.Webhook.URL = "https://hooks.example.com/gia"
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_DigitalOceanNeedsToken(t *testing.T) {
	cfg := Defaults()
	cfg.Remote.Provider = "digitalocean"
	assert.Equal(t, []string{"remote.token"}, issuePaths(Validate(&cfg)))

	cfg.Remote.Token = "dop_v1_x"
	assert.Empty(t, Validate(&cfg))
}

func TestValidationIssueString(t *testing.T) {
	v := ValidationIssue{Path: "webhook.url", Message: "bad"}
	assert.Equal(t, "webhook.url: bad", v.String())
}
