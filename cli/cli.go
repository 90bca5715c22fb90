package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/testprof/config"
)

const AppName = "testprof"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
	stdin  io.Reader
	stdout io.Writer
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	return newApp(logger, os.Stdin, os.Stdout)
}

func newApp(logger zerolog.Logger, stdin io.Reader, stdout io.Writer) *App {
	app := &App{
		logger: logger,
		stdin:  stdin,
		stdout: stdout,
		cli: &cli.App{
			Name:   AppName,
			Usage:  "Aggregate test run profiles into columnar datasets",
			Writer: stdout,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
				&cli.StringFlag{
					Name:    "config",
					Aliases: []string{"c"},
					Usage:   "YAML configuration file",
					EnvVars: []string{"TESTPROF_CONFIG"},
				},
				&cli.StringFlag{
					Name:  "output-dir",
					Usage: "Snapshot output directory (default: ./" + config.DefaultOutputDir + ")",
				},
				&cli.StringFlag{
					Name:  "cache-dir",
					Usage: "Artifact cache directory (default: " + config.DefaultCacheDir() + ")",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "ingest",
		Usage:     "Fetch the artifacts of a list of tasks and write a dataset snapshot",
		Action:    app.ingest,
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "tasks",
				Aliases:  []string{"t"},
				Usage:    "JSON file with the task descriptors (- for stdin)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "date",
				Usage: "Day the snapshot covers (YYYY-MM-DD)",
			},
			&cli.StringFlag{
				Name:  "revision",
				Usage: "Revision the snapshot covers (writes try-<revision>.json)",
			},
			&cli.Int64Flag{
				Name:  "push-id",
				Usage: "Push identifier recorded with a revision snapshot",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Re-download artifacts even when they are cached",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Write indented JSON",
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"j"},
				Usage:   "Number of concurrent workers (default: half the CPUs)",
			},
			&cli.StringFlag{
				Name:  "root-url",
				Usage: "Task queue root URL",
			},
			&cli.StringFlag{
				Name:  "artifact-path",
				Usage: "Artifact name within a task run",
			},
			&cli.DurationFlag{
				Name:  "http-timeout",
				Usage: "Timeout of one artifact download",
			},
			&cli.StringFlag{
				Name:  "usage-profile",
				Usage: "Also write the resource usage pprof profile to this file",
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "Write Prometheus counters to this file (node exporter textfile format)",
			},
			&cli.BoolFlag{
				Name:  "validate",
				Usage: "Validate the encoded datasets against the JSON schema before writing",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List dataset snapshots",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:            "view",
		Usage:           "Summarize a dataset snapshot",
		ArgsUsage:       "[INDEX|NAME] [-- PPROF-ARGS]",
		Action:          app.view,
		SkipFlagParsing: true,
		Description: `Summarize a dataset snapshot.

Arguments:
  0           View the newest snapshot (default)
  -1          View the 2nd newest snapshot
  <name>      View the snapshot whose name starts with <name>

Any further arguments are passed to "go tool pprof", which is run on the
snapshot's resource usage profile.

Examples:
  testprof view                  # Summarize the newest snapshot
  testprof view -1               # Summarize the snapshot before
  testprof view 2024-03-01       # Summarize the snapshot of a day
  testprof view try-abc -- -top  # Top jobs by CPU time of a try snapshot`,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:  "cache",
		Usage: "Manage the artifact cache",
		Subcommands: []*cli.Command{
			{
				Name:   "prune",
				Usage:  "Remove cache entries not written recently",
				Action: app.cachePrune,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "older-than",
						Usage: "Remove entries last written longer ago than this",
						Value: 30 * 24 * time.Hour,
					},
				},
			},
		},
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.RunContext(context.Background(), args)
}

// RunContext runs the application; cancelling ctx aborts a running ingest.
func (a *App) RunContext(ctx context.Context, args []string) error {
	return a.cli.RunContext(ctx, args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

// config loads the configuration file, if any, and applies the flags that
// were set explicitly on the command line.
func (a *App) config(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	if ctx.IsSet("output-dir") {
		cfg.OutputDir = ctx.String("output-dir")
	}
	if ctx.IsSet("cache-dir") {
		cfg.CacheDir = ctx.String("cache-dir")
	}
	if ctx.IsSet("root-url") {
		cfg.RootURL = ctx.String("root-url")
	}
	if ctx.IsSet("artifact-path") {
		cfg.ArtifactPath = ctx.String("artifact-path")
	}
	if ctx.IsSet("workers") {
		if ctx.Int("workers") <= 0 {
			return nil, fmt.Errorf("--workers must be positive, got %d", ctx.Int("workers"))
		}
		cfg.Workers = ctx.Int("workers")
	}
	if ctx.IsSet("http-timeout") {
		cfg.HTTPTimeout = ctx.Duration("http-timeout")
	}
	return cfg, nil
}
