package cli

// This file contains the cache maintenance commands.

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/testprof/cache"
)

func (a *App) cachePrune(ctx *cli.Context) error {
	olderThan := ctx.Duration("older-than")
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive, got %s", olderThan)
	}

	cfg, err := a.config(ctx)
	if err != nil {
		return err
	}

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer c.Close()

	cutoff := time.Now().Add(-olderThan)
	stats, err := c.Prune(cutoff)
	a.logger.Info().
		Str("dir", c.Dir()).
		Time("cutoff", cutoff).
		Int("removed", stats.Removed).
		Str("freed", humanize.Bytes(stats.Bytes)).
		Int("kept", stats.Kept).
		Msg("Pruned artifact cache")
	if err != nil {
		return fmt.Errorf("failed to prune cache: %w", err)
	}

	fmt.Fprintf(a.stdout, "Removed %d entries (%s), kept %d\n", stats.Removed, humanize.Bytes(stats.Bytes), stats.Kept)
	return nil
}
