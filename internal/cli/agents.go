package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soyeahso/gia/internal/domain"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and sync the agent registry",
	}

	cmd.AddCommand(newAgentsListCmd())
	cmd.AddCommand(newAgentsInfoCmd())
	cmd.AddCommand(newAgentsSyncCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(context.Background(), cmd.ErrOrStderr(), func(a *app) error {
				agents := a.agents.All()
				if asJSON {
					return printJSON(cmd.OutOrStdout(), agents)
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "NAME\tROLE\tBACKEND\tAPPROVAL")
				for _, def := range agents {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", def.Name, def.Role, def.ExecutionBackend, def.RequiresApproval)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newAgentsInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show one agent definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(context.Background(), cmd.ErrOrStderr(), func(a *app) error {
				def, ok := a.agents.Get(args[0])
				if !ok {
					return &domain.NotFoundError{Kind: "agent", Name: args[0]}
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Name:        %s\n", def.Name)
				fmt.Fprintf(out, "Role:        %s\n", def.Role)
				fmt.Fprintf(out, "Description: %s\n", def.Description)
				fmt.Fprintf(out, "Goal:        %s\n", def.Goal)
				fmt.Fprintf(out, "Backend:     %s\n", def.ExecutionBackend)
				if def.ExecutionBackend == domain.BackendRemote {
					fmt.Fprintf(out, "Code path:   %s\n", def.RemoteCodePath)
					fmt.Fprintf(out, "Machine:     %s\n", def.MachineID)
				}
				fmt.Fprintf(out, "Approval:    %v\n", def.RequiresApproval)
				if len(def.Requirements) > 0 {
					fmt.Fprintf(out, "Requires:    %s\n", strings.Join(def.Requirements, ", "))
				}
				if len(def.Artifacts) > 0 {
					fmt.Fprintf(out, "Artifacts:   %s\n", strings.Join(def.Artifacts, ", "))
				}
				return nil
			})
		},
	}
}

func newAgentsSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the registry with the agents table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			return withApp(ctx, cmd.ErrOrStderr(), func(a *app) error {
				report := a.agents.SyncAll(ctx)
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d of %d agents failed to sync", report.Failed, report.Total)
				}
				return nil
			})
		},
	}
}
