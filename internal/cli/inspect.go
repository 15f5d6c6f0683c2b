package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/queue"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect routing sessions",
	}
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsListCmd())
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <projectId:agentName:taskId>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := domain.ParseSessionKey(args[0]); err != nil {
				return err
			}
			ctx := context.Background()
			return withApp(ctx, cmd.ErrOrStderr(), func(a *app) error {
				sess, ok := a.tracker.Get(ctx, args[0])
				if !ok {
					return &domain.NotFoundError{Kind: "session", Name: args[0]}
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
}

func newSessionsListCmd() *cobra.Command {
	var project, agent string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for a project or an agent, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (project == "") == (agent == "") {
				return fmt.Errorf("exactly one of --project or --agent is required")
			}
			ctx := context.Background()
			return withApp(ctx, cmd.ErrOrStderr(), func(a *app) error {
				var sessions []domain.Session
				if project != "" {
					sessions = a.tracker.ListForProject(ctx, project)
				} else {
					sessions = a.tracker.ListForAgent(ctx, agent)
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "SESSION\tBACKEND\tWORKER\tSTATUS\tCREATED")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Key, s.ExecutionBackend, s.WorkerID, s.Status, ago(s.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project id")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent name")
	return cmd
}

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect task records",
	}
	cmd.AddCommand(newTasksShowCmd())
	cmd.AddCommand(newTasksListCmd())
	return cmd
}

func newTasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <taskId>",
		Short: "Show a task record and the records it spawned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			return withApp(ctx, cmd.ErrOrStderr(), func(a *app) error {
				rec, ok, err := a.taskStore.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return &domain.NotFoundError{Kind: "task", Name: args[0]}
				}
				children, err := a.taskStore.ListChildren(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					domain.TaskRecord
					Children []domain.TaskRecord `json:"children"`
				}{rec, children})
			})
		},
	}
}

func newTasksListCmd() *cobra.Command {
	var (
		project string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's task records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			return withApp(ctx, cmd.ErrOrStderr(), func(a *app) error {
				recs, err := a.taskStore.ListByProject(ctx, project, limit)
				if err != nil {
					return err
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "TASK\tTYPE\tAGENT\tSTATUS\tUPDATED")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.TaskID, r.TaskType, r.AgentName, r.Status, ago(r.UpdatedAt))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project id (required)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to list")
	cmd.MarkFlagRequired("project")
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show job counts per queue and state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			return withApp(ctx, cmd.ErrOrStderr(), func(a *app) error {
				stats, err := a.broker.Stats(ctx)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(stats))
				for name := range stats {
					names = append(names, name)
				}
				sort.Strings(names)

				states := []queue.State{queue.StateHeld, queue.StateReady, queue.StateClaimed, queue.StateDone, queue.StateDead}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "QUEUE\tHELD\tREADY\tCLAIMED\tDONE\tDEAD")
				for _, name := range names {
					fmt.Fprint(tw, name)
					for _, st := range states {
						fmt.Fprintf(tw, "\t%d", stats[name][st])
					}
					fmt.Fprintln(tw)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}
