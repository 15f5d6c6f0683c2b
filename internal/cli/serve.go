package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		port      int
		bind      string
		noWorkers bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and the queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, closeLog, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.notifier.Enabled() {
				log.Warn().Msg("webhook delivery disabled, set WEBHOOK_URL and WEBHOOK_SECRET to enable")
			}

			g, ctx := errgroup.WithContext(ctx)
			srv := a.newGateway()
			g.Go(func() error { return srv.Start(ctx) })
			if !noWorkers {
				g.Go(func() error { return a.dispatcher.Run(ctx) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, auto, custom)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the gateway only; run workers separately")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue workers without the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, cmd.ErrOrStderr(), func(a *app) error {
				if once {
					n, err := a.dispatcher.Drain(ctx)
					log.Info().Int("jobs", n).Msg("queues drained")
					return err
				}
				return a.dispatcher.Run(ctx)
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process ready jobs until the queues are empty, then exit")
	return cmd
}
