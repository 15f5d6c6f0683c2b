package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, DefaultPort, cfg.Gateway.Port)
	assert.Equal(t, "loopback", cfg.Gateway.Bind)
	assert.Equal(t, "token", cfg.Gateway.Auth.Mode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.BackoffInitial())
	assert.Equal(t, 30*time.Second, cfg.Queue.BackoffMax())
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout())
	assert.Equal(t, "placeholder", cfg.Remote.Provider)
	assert.False(t, cfg.Webhook.Enabled())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Gateway.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
gateway:
  port: 9999
  bind: lan
  auth:
    mode: password
    password: secret123
logging:
  level: debug
  consoleStyle: json
store:
  path: /tmp/gia-test.db
queue:
  maxAttempts: 5
workers:
  concurrency: 4
webhook:
  url: https://hooks.example.com/gia
  secret: s3cret
remote:
  provider: digitalocean
  token: dop_v1_abc
  region: sfo3
agents:
  overrides:
    developer:
      executionBackend: remote
      remoteCodePath: agents/developer
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Gateway.Port)
	assert.Equal(t, "lan", cfg.Gateway.Bind)
	assert.Equal(t, "secret123", cfg.Gateway.Auth.Password)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.ConsoleStyle)
	assert.Equal(t, "/tmp/gia-test.db", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, DefaultPollIntervalMs, cfg.Queue.PollIntervalMs)
	assert.Equal(t, 4, cfg.Workers.Concurrency)
	assert.True(t, cfg.Webhook.Enabled())
	assert.Equal(t, "digitalocean", cfg.Remote.Provider)
	assert.Equal(t, "sfo3", cfg.Remote.Region)
	assert.Equal(t, "s-1vcpu-1gb", cfg.Remote.Size)

	require.Contains(t, cfg.Agents.Overrides, "developer")
	assert.Equal(t, "remote", cfg.Agents.Overrides["developer"].ExecutionBackend)
	assert.Equal(t, "agents/developer", cfg.Agents.Overrides["developer"].RemoteCodePath)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{invalid yaml"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GIA_GATEWAY_PORT", "12345")
	t.Setenv("GIA_LOG_LEVEL", "TRACE")
	t.Setenv("GIA_DB_PATH", ":memory:")
	t.Setenv("WEBHOOK_URL", "https://example.com/hook")
	t.Setenv("WEBHOOK_SECRET", "from-env")
	t.Setenv("DIGITALOCEAN_TOKEN", "do-token")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 12345, cfg.Gateway.Port)
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, ":memory:", cfg.Store.Path)
	assert.Equal(t, "https://example.com/hook", cfg.Webhook.URL)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
	assert.Equal(t, "do-token", cfg.Remote.Token)
}

func TestLoadExpandsSecretReferences(t *testing.T) {
	t.Setenv("MY_HOOK_SECRET", "expanded")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("webhook:\n  secret: ${MY_HOOK_SECRET}\n  url: ${UNSET_GIA_VAR}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded", cfg.Webhook.Secret)
	assert.Equal(t, "${UNSET_GIA_VAR}", cfg.Webhook.URL)
}

func TestLoadRawAndSaveRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := map[string]any{
		"queue": map[string]any{
			"maxAttempts": 7,
		},
	}

	require.NoError(t, SaveRaw(path, raw))

	loaded, err := LoadRaw(path)
	require.NoError(t, err)

	val, ok := GetValueAtPath(loaded, []string{"queue", "maxAttempts"})
	assert.True(t, ok)
	assert.Equal(t, 7, val)
}

func TestLoadRawMissingFile(t *testing.T) {
	raw, err := LoadRaw(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Empty(t, raw)
}
