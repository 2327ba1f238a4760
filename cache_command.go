package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"ffcache/cache"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cache eviction pass on an idle cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(ctx.cfg)
			if err != nil {
				return err
			}
			// jobs of a running server are unknown here; use its /cache/sweep instead
			res, err := store.Sweep(cmd.Context(), nil)
			if errors.Is(err, cache.ErrSweepBusy) {
				fmt.Fprintln(cmd.OutOrStdout(), "Another sweep is running, nothing done")
				return nil
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scanned: %d\n", res.Scanned)
			fmt.Fprintf(out, "Removed: %d expired, %d evicted, %d empty\n", res.Expired, res.Evicted, res.Empty)
			fmt.Fprintf(out, "Freed:   %s, %s remaining\n", humanize.Bytes(uint64(res.FreedBytes)), humanize.Bytes(uint64(res.TotalBytes)))
			if res.Errors > 0 {
				fmt.Fprintf(out, "Errors:  %d\n", res.Errors)
			}
			return nil
		},
	}
}

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the rendition cache",
	}
	cacheCmd.AddCommand(newCacheListCommand(ctx))
	return cacheCmd
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cached renditions, least recently used first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(ctx.cfg)
			if err != nil {
				return err
			}
			stats, err := store.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cache:   %s\n", stats.Root)
			fmt.Fprintf(out, "Entries: %d\n", stats.Entries)
			limit := "unlimited"
			if stats.MaxBytes > 0 {
				limit = humanize.Bytes(uint64(stats.MaxBytes))
			}
			fmt.Fprintf(out, "Size:    %s / %s\n", humanize.Bytes(uint64(stats.TotalBytes)), limit)
			fmt.Fprintf(out, "Disk:    %s free (%.1f%%)\n", humanize.Bytes(stats.FreeBytes), stats.FreeRatio*100)
			printEntries(out, stats.Items)
			return nil
		},
	}
}

func printEntries(out io.Writer, entries []cache.Entry) {
	if len(entries) == 0 {
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		kind := "file"
		if e.Dir {
			kind = "hls"
		}
		rows = append(rows, []string{
			e.Name,
			kind,
			humanize.Bytes(uint64(e.Size)),
			humanize.Time(e.ModTime),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Name", "Type", "Size", "Last used"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	))
	fmt.Fprintln(out, "Total: "+strconv.Itoa(len(entries)))
}
