package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/onnwee/lessonsync/internal/server"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

var historyLimitFlag int

// NewSyncCmd creates the sync subcommand
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and repair the sync queue",
		RunE:  runSyncLanes,
	}

	lanesCmd := &cobra.Command{
		Use:   "lanes",
		Short: "List queued items by lane",
		Args:  cobra.NoArgs,
		RunE:  runSyncLanes,
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runSyncHistory,
	}
	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "n", 10, "Number of runs to show")

	itemCmd := &cobra.Command{
		Use:   "item <id>",
		Short: "Show one queued item",
		Args:  cobra.ExactArgs(1),
		RunE:  runSyncItem,
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <id> <server_wins|client_wins>",
		Short: "Resolve a conflicted item",
		Args:  cobra.ExactArgs(2),
		RunE:  runSyncResolve,
	}

	retryCmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Move an item from the error lane back to its origin lane",
		Args:  cobra.ExactArgs(1),
		RunE:  runSyncRetry,
	}

	nowCmd := &cobra.Command{
		Use:   "now",
		Short: "Run one sync against the remote store and wait for it",
		Args:  cobra.NoArgs,
		RunE:  runSyncNow,
	}

	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Stop timer and connectivity triggered runs until resumed",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return runSetPaused(cmd, true) },
	}

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume automatic sync runs",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return runSetPaused(cmd, false) },
	}

	cmd.AddCommand(lanesCmd, historyCmd, itemCmd, resolveCmd, retryCmd, nowCmd, pauseCmd, resumeCmd)

	return cmd
}

func runSyncLanes(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		lanes, watermark := e.Facade.Lanes()
		if jsonFlag {
			return printJSON(cmd, map[string]any{"lanes": lanes, "watermark": watermark})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Watermark: %d\n", watermark)
		for _, name := range syncqueue.Lanes {
			lane := lanes[name]
			fmt.Fprintf(out, "\n%s (%d)\n", name, lane.Count)
			if lane.Count == 0 {
				continue
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  ID\tKIND\tSIZE\tRETRIES\tERROR")
			for _, it := range lane.Items {
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%s\n", it.ID, it.Kind, humanize.IBytes(uint64(it.SizeBytes)), it.RetryCount, it.ErrorMessage)
			}
			tw.Flush()
		}
		return nil
	})
}

func runSyncHistory(cmd *cobra.Command, args []string) error {
	if historyLimitFlag < 1 {
		return fmt.Errorf("--limit must be at least 1, got %d", historyLimitFlag)
	}
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		runs := e.Facade.History(historyLimitFlag)
		if jsonFlag {
			return printJSON(cmd, runs)
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No sync runs recorded")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tTRIGGER\tKIND\tOUTCOME\tUP\tDOWN\tCONFLICTS\tFAILED\tBYTES")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				humanize.Time(r.StartedAt), r.Trigger, r.Kind, r.Outcome,
				r.Uploaded, r.Downloaded, r.Conflicts, r.Failed, humanize.IBytes(uint64(r.BytesTransferred)))
		}
		return tw.Flush()
	})
}

func runSyncItem(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		it, ok := e.Queue.Item(args[0])
		if !ok {
			return fmt.Errorf("no queued item %s", args[0])
		}
		return printJSON(cmd, it)
	})
}

func runSyncResolve(cmd *cobra.Command, args []string) error {
	resolution, err := syncqueue.ParseResolution(args[1])
	if err != nil {
		return err
	}
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		if err := e.Queue.ResolveConflict(ctx, args[0], resolution); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s as %s\n", args[0], resolution)
		return nil
	})
}

func runSyncRetry(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		if err := e.Queue.Retry(ctx, args[0]); err != nil {
			return err
		}
		it, _ := e.Queue.Item(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s in %s\n", args[0], it.Lane)
		return nil
	})
}

func runSyncNow(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		rec, err := e.RunOnce(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd, rec)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s finished: %s (%d uploaded, %d downloaded, %d conflicts, %d failed, %d deferred)\n",
			rec.ID, rec.Outcome, rec.Uploaded, rec.Downloaded, rec.Conflicts, rec.Failed, rec.Deferred)
		if rec.Error != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  error: %s\n", rec.Error)
		}
		return nil
	})
}

func runSetPaused(cmd *cobra.Command, paused bool) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		if err := e.SetSyncPaused(ctx, paused); err != nil {
			return err
		}
		if paused {
			fmt.Fprintln(cmd.OutOrStdout(), "Automatic sync paused")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Automatic sync resumed")
		}
		return nil
	})
}
