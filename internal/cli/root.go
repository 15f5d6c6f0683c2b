// Package cli implements the gia command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/soyeahso/gia/internal/config"
	"github.com/soyeahso/gia/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gia",
		Short: "gia routes agent tasks and tracks their execution",
		Long: "gia accepts agent work requests, routes them to local or remote executors, " +
			"runs them through durable queues, and reports every transition over signed webhooks.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(logging.ConsoleWriter("pretty", cmd.ErrOrStderr()), level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.gia/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newAgentsCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newTasksCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newWebhookCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
