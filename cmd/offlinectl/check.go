package main

import (
	"context"
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/lessonsync/internal/config"
	"github.com/onnwee/lessonsync/internal/integrity"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/server"
	"github.com/onnwee/lessonsync/internal/storage"
)

var (
	fixFlag       bool
	batchSizeFlag int
)

// openBackend opens the raw storage backend. The check command cannot go
// through openEngine, since a damaged record stops the engine from opening.
var openBackend = func(ctx context.Context) (storage.Backend, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (falling back to system env)")
	}
	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	return server.OpenBackend(ctx, cfg)
}

var closeBackend = func(b storage.Backend) error { return b.Close() }

// NewCheckCmd creates the check subcommand
func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check stored records for damage, optionally removing what cannot be loaded",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
	cmd.Flags().BoolVar(&fixFlag, "fix", false, "Delete every record a check flags")
	cmd.Flags().IntVar(&batchSizeFlag, "batch-size", 100, "Records deleted per batch with --fix")
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeBackend(backend)

	svc := integrity.NewService(backend)
	if fixFlag {
		rep, err := svc.Repair(ctx, batchSizeFlag)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd, rep)
		}
		for name, n := range rep.Removed {
			if n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d records for %s\n", n, name)
			}
		}
		return nil
	}

	results, err := svc.CheckAllIntegrity(ctx)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(cmd, results)
	}
	out := cmd.OutOrStdout()
	issues := int64(0)
	for _, r := range results {
		status := "ok"
		if r.HasIssues {
			status = fmt.Sprintf("%d issue(s): %v", r.IssueCount, r.Keys)
			issues += r.IssueCount
		}
		fmt.Fprintf(out, "%-28s %s\n", r.CheckName, status)
	}
	if issues > 0 {
		fmt.Fprintln(out, "\nRun with --fix to remove the damaged records")
	}
	return nil
}
