package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soyeahso/gia/internal/tasks"
)

func newSubmitCmd() *cobra.Command {
	var (
		project string
		agent   string
		taskCtx string
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to an agent",
		Example: `  gia submit --project acme --agent qa --context "release 2.3 checklist"
  gia submit --project acme --agent qa --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			return withApp(ctx, cmd.ErrOrStderr(), func(a *app) error {
				resp, err := a.dispatcher.Submit(ctx, tasks.SubmitRequest{
					ProjectID: project,
					AgentName: agent,
					Context:   taskCtx,
				})
				if err != nil {
					return err
				}
				if !wait {
					return printJSON(cmd.OutOrStdout(), resp)
				}

				if _, err := a.dispatcher.Drain(ctx); err != nil {
					return err
				}
				rec, ok, err := a.taskStore.Get(ctx, resp.TaskID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("task %s disappeared", resp.TaskID)
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project id (required)")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent name (required)")
	cmd.Flags().StringVarP(&taskCtx, "context", "c", "", "free-text task context")
	cmd.Flags().BoolVar(&wait, "wait", false, "run the queues in-process and print the finished task")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("agent")
	return cmd
}
