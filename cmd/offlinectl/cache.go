package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/server"
)

var (
	strategyFlag     string
	maxBytesFlag     int64
	maxAgeDaysFlag   int
	maxItemsFlag     int
	compressionFlag  string
	autoSweepFlag    bool
	priorityTagsFlag []string
)

// NewCacheCmd creates the cache subcommand
func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the offline content cache",
		RunE:  runCacheStats,
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage and hit rates",
		Args:  cobra.NoArgs,
		RunE:  runCacheStats,
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired and corrupted entries and evict down to the policy caps",
		Args:  cobra.NoArgs,
		RunE:  runCacheSweep,
	}

	evictCmd := &cobra.Command{
		Use:   "evict <id>",
		Short: "Remove one cache entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheEvict,
	}

	entryCmd := &cobra.Command{
		Use:   "entry <id>",
		Short: "Show the metadata of one cache entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheEntry,
	}

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Show the active cache policy",
		Args:  cobra.NoArgs,
		RunE:  runPolicyShow,
	}

	policySetCmd := &cobra.Command{
		Use:   "set",
		Short: "Change and persist fields of the cache policy",
		Args:  cobra.NoArgs,
		RunE:  runPolicySet,
	}
	policySetCmd.Flags().StringVar(&strategyFlag, "strategy", "", "Eviction strategy: lru, lfu, fifo, random")
	policySetCmd.Flags().Int64Var(&maxBytesFlag, "max-bytes", 0, "Maximum total cache bytes (0 = unbounded)")
	policySetCmd.Flags().IntVar(&maxAgeDaysFlag, "max-age-days", 0, "Maximum entry age in days (0 = unbounded)")
	policySetCmd.Flags().IntVar(&maxItemsFlag, "max-items", 0, "Maximum entry count (0 = unbounded)")
	policySetCmd.Flags().StringVar(&compressionFlag, "compression", "", "Compression level: off, low, medium, high")
	policySetCmd.Flags().BoolVar(&autoSweepFlag, "auto-sweep", true, "Sweep automatically on the policy interval")
	policySetCmd.Flags().StringSliceVar(&priorityTagsFlag, "priority-tags", nil, "Tags that raise an entry to high priority")
	policyCmd.AddCommand(policySetCmd)

	cmd.AddCommand(statsCmd, sweepCmd, evictCmd, entryCmd, policyCmd)

	return cmd
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		stats := e.Cache.Stats()
		if jsonFlag {
			return printJSON(cmd, stats)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Cache Statistics:")
		fmt.Fprintf(out, "  Items:       %d (%d expired, %d corrupted)\n", stats.TotalItems, stats.Expired, stats.Corrupted)
		if stats.TotalBytes > 0 {
			fmt.Fprintf(out, "  Size:        %s of %s\n", humanize.IBytes(uint64(stats.UsedBytes)), humanize.IBytes(uint64(stats.TotalBytes)))
		} else {
			fmt.Fprintf(out, "  Size:        %s (unbounded)\n", humanize.IBytes(uint64(stats.UsedBytes)))
		}
		fmt.Fprintf(out, "  Hit rate:    %.1f%% (%d hits, %d misses)\n", stats.HitRate*100, stats.Hits, stats.Misses)
		fmt.Fprintf(out, "  Compression: saved %s (ratio %.2f)\n", humanize.IBytes(uint64(stats.CompressionSavedBytes)), stats.CompressionRatio)
		fmt.Fprintf(out, "  Evictions:   %d\n", stats.Evictions)
		if stats.Overage != nil {
			fmt.Fprintf(out, "  Over caps by %s / %d items; pinned: %s\n",
				humanize.IBytes(uint64(stats.Overage.Bytes)), stats.Overage.Items, strings.Join(stats.Overage.PinnedIDs, ", "))
		}
		return nil
	})
}

func runCacheSweep(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		rep := e.Cache.Sweep(ctx)
		if jsonFlag {
			return printJSON(cmd, rep)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries (%d expired, %d corrupted, %d for capacity) in %s\n",
			len(rep.Evicted), rep.Expired, rep.Corrupted, rep.Capacity, rep.Duration)
		return nil
	})
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		if err := e.Cache.Evict(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Evicted %s\n", args[0])
		return nil
	})
}

func runCacheEntry(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		entry, ok := e.Cache.Entry(args[0])
		if !ok {
			return fmt.Errorf("%s: %w", args[0], cache.ErrNotFound)
		}
		return printJSON(cmd, entry)
	})
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		return printJSON(cmd, e.Cache.Policy())
	})
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *server.Engine) error {
		p, err := applyPolicyFlags(cmd, e.Cache.Policy())
		if err != nil {
			return err
		}
		if err := e.Cache.UpdatePolicy(ctx, p); err != nil {
			return err
		}
		return printJSON(cmd, e.Cache.Policy())
	})
}

// applyPolicyFlags overlays only the flags the user set onto p.
func applyPolicyFlags(cmd *cobra.Command, p cache.Policy) (cache.Policy, error) {
	flags := cmd.Flags()
	if flags.Changed("strategy") {
		s, err := cache.ParseStrategy(strategyFlag)
		if err != nil {
			return p, err
		}
		p.EvictionStrategy = s
	}
	if flags.Changed("max-bytes") {
		p.MaxTotalBytes = maxBytesFlag
	}
	if flags.Changed("max-age-days") {
		p.MaxAgeDays = maxAgeDaysFlag
	}
	if flags.Changed("max-items") {
		p.MaxItemCount = maxItemsFlag
	}
	if flags.Changed("compression") {
		if strings.EqualFold(compressionFlag, "off") {
			p.CompressionEnabled = false
		} else {
			level, err := cache.ParseCompressionLevel(compressionFlag)
			if err != nil {
				return p, err
			}
			p.CompressionEnabled = true
			p.CompressionLevel = level
		}
	}
	if flags.Changed("auto-sweep") {
		p.AutoSweepEnabled = autoSweepFlag
	}
	if flags.Changed("priority-tags") {
		p.PriorityTags = priorityTagsFlag
	}
	return p, nil
}
