package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(false, func(ctx context.Context, a *app) error {
				if a.postgres == nil {
					return fmt.Errorf("DATABASE_URL is required for migrate")
				}
				return a.postgres.Migrate(ctx)
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <user-id>",
		Short: "Pull provider state for one user and print the entitlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app) error {
				results, err := a.reconciler.SyncAll(ctx, args[0])
				for _, r := range results {
					line := fmt.Sprintf("%-10s found=%t outcome=%s", r.Source, r.Found, r.Outcome)
					if r.Err != nil {
						line += " error=" + r.Err.Error()
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				summary, sumErr := a.resolver.Summary(ctx, args[0])
				if sumErr != nil {
					return sumErr
				}
				if encErr := printJSON(cmd, summary); encErr != nil {
					return encErr
				}
				return err
			})
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep over stale subscriptions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(true, func(ctx context.Context, a *app) error {
				report, err := a.sweeper.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked=%d synced=%d failed=%d\n",
					report.Checked, report.Synced, report.Failed)
				return nil
			})
		},
	}
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <source> <event-id>",
		Short: "Reprocess a webhook event that ended in failure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := entitlement.Source(args[0])
			if !source.Valid() {
				return fmt.Errorf("unknown source %q", args[0])
			}
			return withApp(true, func(ctx context.Context, a *app) error {
				res, err := a.ingestor.Replay(ctx, source, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", res.EventID, res.Outcome, res.Reason)
				return nil
			})
		},
	}
}

func newTasksCmd() *cobra.Command {
	tasks := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the task queue",
	}
	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List tasks that exhausted their attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(false, func(ctx context.Context, a *app) error {
				list, err := a.queue.ListFailed(ctx, limit)
				if err != nil {
					return err
				}
				for _, t := range list {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s attempts=%d %s\n", t.Kind, t.Key, t.Attempts, t.LastError)
				}
				return nil
			})
		},
	}
	failed.Flags().IntVar(&limit, "limit", 50, "maximum number of tasks")
	tasks.AddCommand(failed)
	return tasks
}

func newEventsCmd() *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Inspect stored webhook events",
	}
	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List webhook events awaiting replay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(false, func(ctx context.Context, a *app) error {
				list, err := a.store.ListWebhookEvents(ctx, entitlement.OutcomeFailed, limit)
				if err != nil {
					return err
				}
				for _, e := range list {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s attempts=%d %s\n",
						e.Source, e.ExternalEventID, e.EventType, e.Attempts, e.LastError)
				}
				return nil
			})
		},
	}
	failed.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	events.AddCommand(failed)
	return events
}

func newDiscountsCmd() *cobra.Command {
	discounts := &cobra.Command{
		Use:   "discounts",
		Short: "Manage discount codes",
	}
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Pull redemption counts for every synced discount code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(true, func(ctx context.Context, a *app) error {
				if a.discounts == nil {
					return fmt.Errorf("STRIPE_API_KEY is required for discount codes")
				}
				n, err := a.discounts.RefreshAllUsage(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "refreshed=%d\n", n)
				return err
			})
		},
	}
	discounts.AddCommand(refresh)
	return discounts
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

