package cli

// This file contains the ingest command, which runs the pipeline: fetch and
// extract every task's artifact, encode the results and write a snapshot.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/pprof/profile"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/testprof/cache"
	"github.com/perfgo/testprof/encode"
	"github.com/perfgo/testprof/extract"
	"github.com/perfgo/testprof/fetch"
	"github.com/perfgo/testprof/metrics"
	"github.com/perfgo/testprof/model"
	"github.com/perfgo/testprof/pool"
	"github.com/perfgo/testprof/schema"
	"github.com/perfgo/testprof/snapshot"
	"github.com/perfgo/testprof/usageprof"
)

// errNoData ends an ingest run that has nothing to write.
var errNoData = errors.New("no data")

func (a *App) ingest(ctx *cli.Context) error {
	runID := uuid.NewString()
	logger := a.logger.With().Str("run_id", runID).Logger()

	err := a.runIngest(ctx, logger)
	if errors.Is(err, errNoData) {
		logger.Info().Msg("No data")
		return nil
	}
	return err
}

func (a *App) runIngest(ctx *cli.Context, logger zerolog.Logger) error {
	startTime := time.Now()

	cfg, err := a.config(ctx)
	if err != nil {
		return err
	}

	meta, err := snapshotMetadata(ctx)
	if err != nil {
		return err
	}

	descs, err := a.readDescriptors(ctx.String("tasks"))
	if err != nil {
		return err
	}
	meta.JobCount = len(descs)
	if len(descs) == 0 {
		return errNoData
	}

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer c.Close()

	m := metrics.New()
	fetcher := fetch.New(logger, fetch.Config{
		RootURL:      cfg.RootURL,
		ArtifactPath: cfg.ArtifactPath,
		Client:       &http.Client{Timeout: cfg.HTTPTimeout},
		Cache:        c,
		Force:        ctx.Bool("force"),
		Metrics:      m,
	})
	p := pool.New(logger, pool.Config{
		Workers:   cfg.Workers,
		Fetcher:   fetcher,
		Extractor: extract.New(logger),
		Metrics:   m,
	})

	logger.Info().
		Int("jobs", len(descs)).
		Int("workers", cfg.Workers).
		Str("cache", cfg.CacheDir).
		Msg("Processing jobs")

	results, err := p.Run(ctx.Context, descs)
	if err != nil {
		return fmt.Errorf("failed to process jobs: %w", err)
	}

	// Write the counters even when there is nothing else to write
	if path := ctx.String("metrics-file"); path != "" {
		if err := m.WriteTextfile(path); err != nil {
			return err
		}
	}

	sortResults(results, descs)

	enc := encode.NewEncoder()
	for _, r := range results {
		enc.Add(r)
	}
	if enc.Events() == 0 {
		return errNoData
	}
	ds := enc.Dataset(meta)
	res := encode.Resources(results, meta)

	var usage *profile.Profile
	if prof := usageprof.Build(results); len(prof.Sample) > 0 {
		usage = prof
	}

	store := snapshot.New(logger, cfg.OutputDir, snapshot.WithPretty(ctx.Bool("pretty")))
	if ctx.Bool("validate") {
		if err := validate(store, ds, res); err != nil {
			return err
		}
	}

	entry, err := store.Write(ds, res, usage)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if path := ctx.String("usage-profile"); path != "" && usage != nil {
		if err := usageprof.WriteFile(path, usage); err != nil {
			return err
		}
		logger.Info().Str("path", path).Msg("Wrote usage profile")
	}

	logger.Info().
		Str("path", entry.Path).
		Str("size", humanize.Bytes(uint64(entry.Size))).
		Str("events", humanize.Comma(int64(enc.Events()))).
		Int("processed", ds.Metadata.ProcessedJobCount).
		Int("jobs", ds.Metadata.JobCount).
		Dur("duration", time.Since(startTime).Round(time.Millisecond)).
		Msg("Wrote snapshot")
	return nil
}

// snapshotMetadata builds the snapshot identity from the command flags.
func snapshotMetadata(ctx *cli.Context) (model.Metadata, error) {
	meta := model.Metadata{
		Date:        ctx.String("date"),
		Revision:    ctx.String("revision"),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	switch {
	case meta.Date != "" && meta.Revision != "":
		return meta, fmt.Errorf("--date and --revision are mutually exclusive")
	case meta.Date == "" && meta.Revision == "":
		return meta, fmt.Errorf("either --date or --revision is required")
	case meta.Date != "":
		if _, err := time.Parse(time.DateOnly, meta.Date); err != nil {
			return meta, fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", meta.Date)
		}
	}

	if ctx.IsSet("push-id") {
		if meta.Revision == "" {
			return meta, fmt.Errorf("--push-id requires --revision")
		}
		pushID := ctx.Int64("push-id")
		meta.PushID = &pushID
	}
	return meta, nil
}

// readDescriptors reads a JSON array of task descriptors from path, or from
// stdin if path is "-".
func (a *App) readDescriptors(path string) ([]model.TaskDescriptor, error) {
	var r io.Reader
	if path == "-" {
		r = a.stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open task list: %w", err)
		}
		defer f.Close()
		r = f
	}

	var descs []model.TaskDescriptor
	if err := json.NewDecoder(r).Decode(&descs); err != nil {
		return nil, fmt.Errorf("failed to parse task list: %w", err)
	}
	for i, d := range descs {
		if d.TaskID == "" {
			return nil, fmt.Errorf("task list entry %d has no task_id", i)
		}
	}
	return descs, nil
}

// sortResults puts results back into descriptor order, so that the string
// tables of the encoded dataset do not depend on worker scheduling.
func sortResults(results []model.JobResult, descs []model.TaskDescriptor) {
	order := make(map[string]int, len(descs))
	for i, d := range descs {
		if _, ok := order[d.Key()]; !ok {
			order[d.Key()] = i
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return order[results[i].Task.Key()] < order[results[j].Task.Key()]
	})
}

// validate checks the datasets against the JSON schema, encoded exactly the
// way the store writes them.
func validate(store *snapshot.Store, ds *model.Dataset, res *model.ResourceDataset) error {
	data, err := store.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	if err := schema.ValidateDataset(data); err != nil {
		return fmt.Errorf("invalid dataset: %w", err)
	}

	data, err = store.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode resource usage: %w", err)
	}
	if err := schema.ValidateResources(data); err != nil {
		return fmt.Errorf("invalid resource usage: %w", err)
	}
	return nil
}
