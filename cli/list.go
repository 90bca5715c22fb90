package cli

// This file contains the list command for displaying dataset snapshots.

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/testprof/snapshot"
)

func (a *App) list(ctx *cli.Context) error {
	limit := ctx.Int("limit")

	cfg, err := a.config(ctx)
	if err != nil {
		return err
	}

	entries, err := snapshot.New(a.logger, cfg.OutputDir).LoadEntries()
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintf(a.stdout, "No snapshots found in %s\n", cfg.OutputDir)
		return nil
	}

	// Apply limit
	displayEntries := entries
	if limit > 0 && limit < len(displayEntries) {
		displayEntries = displayEntries[:limit]
	}

	fmt.Fprintf(a.stdout, "\n=== Snapshots (%d total) ===\n\n", len(entries))

	for i, entry := range displayEntries {
		meta := entry.Metadata
		fmt.Fprintf(a.stdout, "%3d  %-24s  jobs=%d/%d  size=%s\n",
			-i, entry.Name, meta.ProcessedJobCount, meta.JobCount, humanize.Bytes(uint64(entry.Size)))
		if meta.PushID != nil {
			fmt.Fprintf(a.stdout, "     Push: %d\n", *meta.PushID)
		}
		if meta.GeneratedAt != "" {
			fmt.Fprintf(a.stdout, "     Generated: %s\n", meta.GeneratedAt)
		}
	}

	if len(entries) > len(displayEntries) {
		fmt.Fprintf(a.stdout, "\n(%d more, use --limit to show)\n", len(entries)-len(displayEntries))
	}
	return nil
}
