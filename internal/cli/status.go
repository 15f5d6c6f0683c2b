package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soyeahso/gia/internal/config"
	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/version"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and pipeline summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "gia %s (commit %s)\n\n", version.Version, version.Commit)
			fmt.Fprintf(out, "Config:   %s\n", paths.Config)
			fmt.Fprintf(out, "Data:     %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:     %s\n\n", paths.Logs)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:   error loading: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "Gateway:  port=%d bind=%s auth=%s\n", cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode)
			fmt.Fprintf(out, "Database: %s\n", paths.DatabasePath(cfg))
			fmt.Fprintf(out, "Workers:  %d per queue, %d attempts\n", cfg.Workers.Concurrency, cfg.Queue.MaxAttempts)
			provider := cfg.Remote.Provider
			if provider == "" {
				provider = "placeholder"
			}
			fmt.Fprintf(out, "Remote:   %s\n", provider)
			if cfg.Webhook.Enabled() {
				fmt.Fprintf(out, "Webhook:  %s\n", cfg.Webhook.URL)
			} else {
				fmt.Fprintln(out, "Webhook:  (disabled)")
			}

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
				return nil
			}

			ctx := context.Background()
			return withApp(ctx, cmd.ErrOrStderr(), func(a *app) error {
				counts, err := a.taskStore.CountByStatus(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\nAgents:   %d registered\n", a.agents.Len())
				fmt.Fprintln(out, "Tasks:")
				for _, st := range []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed} {
					fmt.Fprintf(out, "  %-11s %d\n", st, counts[st])
				}
				return nil
			})
		},
	}
}
