package main

import (
	"context"
	"encoding/json"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/lessonsync/internal/config"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/server"
)

var jsonFlag bool

// openEngine builds an engine without starting its background loops.
// Tests replace it to share one in-memory engine across commands.
var openEngine = func(ctx context.Context) (*server.Engine, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (falling back to system env)")
	}
	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	return server.New(ctx, cfg)
}

// closeEngine releases what openEngine returned.
var closeEngine = func(e *server.Engine) error { return e.Close() }

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "offlinectl",
		Short: "Inspect and repair a device's offline cache and sync queue",
		Long: `offlinectl works directly on the local storage configured by
STORAGE_DRIVER, STORAGE_PATH and DATABASE_URL. Stop syncd first when the
storage is SQLite, or run offlinectl against the daemon's HTTP API instead.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print JSON instead of text")

	rootCmd.AddCommand(NewCacheCmd())
	rootCmd.AddCommand(NewSyncCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewCheckCmd())

	return rootCmd
}

// withEngine runs fn against a freshly opened engine and closes it after.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *server.Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(e)
	return fn(ctx, e)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewStatusCmd creates the status subcommand
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the full engine snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
				return printJSON(cmd, e.Facade.Snapshot())
			})
		},
	}
}
