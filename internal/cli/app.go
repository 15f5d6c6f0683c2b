package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soyeahso/gia/internal/config"
	"github.com/soyeahso/gia/internal/gateway"
	"github.com/soyeahso/gia/internal/hooks"
	"github.com/soyeahso/gia/internal/logging"
	"github.com/soyeahso/gia/internal/metrics"
	"github.com/soyeahso/gia/internal/queue"
	"github.com/soyeahso/gia/internal/registry"
	"github.com/soyeahso/gia/internal/routing"
	"github.com/soyeahso/gia/internal/store"
	"github.com/soyeahso/gia/internal/tasks"
	"github.com/soyeahso/gia/internal/webhook"
)

// loadConfig reads and validates the config file, then rebuilds the
// package logger from its logging section. The returned closer releases
// the log file, if any.
func loadConfig(stderr io.Writer) (config.Config, func(), error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, nil, err
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, nil, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}

	level := logLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	console := logging.ConsoleWriter(cfg.Logging.ConsoleStyle, stderr)
	closer := func() {}
	var file io.Writer
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return cfg, nil, fmt.Errorf("opening log file: %w", err)
		}
		file = f
		closer = func() { f.Close() }
	}
	log = logging.New(logging.Tee(console, file), level)
	return cfg, closer, nil
}

// app holds the wired components shared by serve, worker and the
// inspection commands.
type app struct {
	cfg        config.Config
	db         *store.DB
	hooks      *hooks.Manager
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	broker     *queue.Broker
	agents     *registry.Registry
	tracker    *routing.Tracker
	router     *routing.Router
	taskStore  *store.TaskStore
	contexts   *store.ContextStore
	notifier   *webhook.Notifier
	dispatcher *tasks.Dispatcher
}

// openApp opens the store and wires every component.
func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	if cfg.Store.Path == "" {
		if err := paths.EnsureDirs(); err != nil {
			return nil, fmt.Errorf("creating data directories: %w", err)
		}
	}
	db, err := store.Open(paths.DatabasePath(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{cfg: cfg, db: db, hooks: hooks.NewManager(log)}
	if err := a.wire(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	promReg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(promReg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	a.metrics, a.gatherer = m, promReg

	a.broker = queue.New(a.db, queue.Options{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BackoffInitial: cfg.Queue.BackoffInitial(),
		BackoffMax:     cfg.Queue.BackoffMax(),
		PollInterval:   cfg.Queue.PollInterval(),
	}, log)

	entries, err := registry.LoadCatalog()
	if err != nil {
		return err
	}
	entries, err = registry.ApplyOverrides(entries, cfg.Agents.Overrides)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring agent overrides")
	}
	a.agents = registry.New(store.NewAgentStore(a.db), log)
	if err := registry.RegisterCatalog(ctx, a.agents, entries); err != nil {
		return err
	}
	m.SetAgents(a.agents.Len())

	prov, err := newProvisioner(ctx, cfg.Remote)
	if err != nil {
		return err
	}
	a.tracker = routing.NewTracker(store.NewSessionStore(a.db), log, routing.WithHooks(a.hooks))
	a.router = routing.NewRouter(a.agents, a.tracker, prov, log)

	a.taskStore = store.NewTaskStore(a.db)
	a.contexts = store.NewContextStore(a.db)

	a.notifier = webhook.New(cfg.Webhook, log, webhook.WithMetrics(m))
	a.notifier.Subscribe(a.hooks)

	a.dispatcher = tasks.New(tasks.Deps{
		Queue:       a.broker,
		Router:      a.router,
		Tracker:     a.tracker,
		Agents:      a.agents,
		Handlers:    registry.CannedHandlers(entries),
		Records:     tasks.NewRecords(a.taskStore, a.hooks, m, log),
		Contexts:    a.contexts,
		Notifier:    a.notifier,
		Metrics:     m,
		Concurrency: cfg.Workers.Concurrency,
	}, log)
	return nil
}

// newProvisioner selects remote compute per remote.provider.
func newProvisioner(ctx context.Context, rc config.RemoteConfig) (routing.Provisioner, error) {
	switch rc.Provider {
	case "", "placeholder":
		return routing.PlaceholderProvisioner{}, nil
	case "digitalocean":
		p, err := routing.NewDropletProvisioner(ctx, routing.DropletConfig{
			Token:   rc.Token,
			BaseURL: rc.BaseURL,
			Region:  rc.Region,
			Size:    rc.Size,
			Image:   rc.Image,
			SSHKeys: rc.SSHKeys,
		}, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown remote provider %q", rc.Provider)
	}
}

// newGateway builds the gateway server over the app's components.
func (a *app) newGateway() *gateway.Server {
	return gateway.New(a.cfg, gateway.Services{
		Dispatcher: a.dispatcher,
		Agents:     a.agents,
		Sessions:   a.tracker,
		Tasks:      a.taskStore,
		Queue:      a.broker,
		Contexts:   a.contexts,
		Hooks:      a.hooks,
		Metrics:    a.metrics,
		Gatherer:   a.gatherer,
	}, log)
}

// Close flushes pending webhook deliveries and closes the database.
func (a *app) Close() error {
	a.notifier.Close()
	return a.db.Close()
}

// withApp loads config, opens the app and runs fn.
func withApp(ctx context.Context, stderr io.Writer, fn func(*app) error) error {
	cfg, closeLog, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
