package config

// Config is the root configuration for gia.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty"`
	Queue   QueueConfig   `yaml:"queue,omitempty"`
	Workers WorkersConfig `yaml:"workers,omitempty"`
	Webhook WebhookConfig `yaml:"webhook,omitempty"`
	Remote  RemoteConfig  `yaml:"remote,omitempty"`
	Agents  AgentsConfig  `yaml:"agents,omitempty"`
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password" | "none"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}

// StoreConfig locates the SQLite database. Empty Path means
// <base>/data/gia.db.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// QueueConfig controls broker polling and redelivery.
type QueueConfig struct {
	MaxAttempts      int `yaml:"maxAttempts,omitempty"`
	PollIntervalMs   int `yaml:"pollIntervalMs,omitempty"`
	BackoffInitialMs int `yaml:"backoffInitialMs,omitempty"`
	BackoffMaxMs     int `yaml:"backoffMaxMs,omitempty"`
}

// WorkersConfig sets per-stage worker concurrency.
type WorkersConfig struct {
	Concurrency int `yaml:"concurrency,omitempty"`
}

// WebhookConfig configures the outbound webhook endpoint. Missing URL or
// Secret disables delivery.
type WebhookConfig struct {
	URL            string `yaml:"url,omitempty"`
	Secret         string `yaml:"secret,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
	MaxSkewSeconds int    `yaml:"maxSkewSeconds,omitempty"` // inbound verification; 0 disables the check
}

// RemoteConfig selects and configures the remote compute provisioner.
type RemoteConfig struct {
	Provider string   `yaml:"provider,omitempty"` // "placeholder" | "digitalocean"
	Token    string   `yaml:"token,omitempty"`
	BaseURL  string   `yaml:"baseUrl,omitempty"`
	Region   string   `yaml:"region,omitempty"`
	Size     string   `yaml:"size,omitempty"`
	Image    string   `yaml:"image,omitempty"`
	SSHKeys  []string `yaml:"sshKeys,omitempty"`
}

// AgentsConfig adjusts catalog entries at startup.
type AgentsConfig struct {
	Overrides map[string]AgentOverride `yaml:"overrides,omitempty"`
}

// AgentOverride changes where one catalog agent executes.
type AgentOverride struct {
	ExecutionBackend string `yaml:"executionBackend,omitempty"` // "local" | "remote"
	RemoteCodePath   string `yaml:"remoteCodePath,omitempty"`
	MachineID        string `yaml:"machineId,omitempty"`
}
