// Package pool runs fetch and extraction for a batch of task descriptors on a
// fixed number of workers.
//
// Workers pull jobs: each worker announces it is ready, the coordinator hands
// it the next descriptor, and the worker reports back when it is done. Only the
// coordinator touches the job queue and the result set; workers talk to it
// exclusively through messages.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/perfgo/testprof/artifact"
	"github.com/perfgo/testprof/metrics"
	"github.com/perfgo/testprof/model"
)

// ErrWorkerFault is returned when a worker fails in a way that makes the
// whole batch untrustworthy.
var ErrWorkerFault = errors.New("worker fault")

// DefaultProgressInterval is the minimum time between two progress reports.
const DefaultProgressInterval = time.Second

// Fetcher retrieves the artifact of a task attempt.
type Fetcher interface {
	Fetch(ctx context.Context, taskID string, retryID int) (*artifact.Profile, error)
}

// Extractor turns an artifact into events and a usage summary.
type Extractor interface {
	Extract(p *artifact.Profile, jobName string) ([]model.TestRunEvent, *model.ResourceUsageSummary)
}

// Progress is a snapshot of a running batch.
type Progress struct {
	// Jobs completed so far, processed or skipped
	Completed int
	// Jobs in the batch
	Total int
	// Jobs that produced a result
	Processed int
	// Jobs whose artifact could not be fetched
	Skipped int
	// Time since the batch started
	Elapsed time.Duration
}

// Config configures a Pool.
type Config struct {
	// Number of workers; DefaultWorkers() if not positive
	Workers   int
	Fetcher   Fetcher
	Extractor Extractor
	// Optional counters
	Metrics *metrics.Metrics
	// Called with throttled progress; progress is logged if nil
	OnProgress func(Progress)
	// Minimum time between progress reports; DefaultProgressInterval if zero
	ProgressInterval time.Duration
}

// Pool processes batches of task descriptors.
type Pool struct {
	logger zerolog.Logger
	cfg    Config
}

// DefaultWorkers returns half the available CPUs, at least one.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()/2)
}

// New creates a Pool.
func New(logger zerolog.Logger, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	return &Pool{logger: logger, cfg: cfg}
}

type messageKind int

const (
	msgReady messageKind = iota
	msgJobComplete
	msgError
	msgFinished
)

// message is sent from a worker to the coordinator.
type message struct {
	kind   messageKind
	worker int
	// Set on msgJobComplete; nil if the job was skipped
	result *model.JobResult
	// Set on msgError
	err error
}

// assignment is sent from the coordinator to a worker. A nil job means
// shut down.
type assignment struct {
	job *model.TaskDescriptor
}

// Run processes every descriptor exactly once and returns the results in
// completion order. Jobs whose artifact cannot be fetched are left out. If
// any worker fails, Run stops the batch and returns the failure without
// partial results.
func (p *Pool) Run(ctx context.Context, descs []model.TaskDescriptor) ([]model.JobResult, error) {
	if len(descs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	workers := min(p.cfg.Workers, len(descs))
	out := make(chan message)
	inboxes := make([]chan assignment, workers)
	for i := range inboxes {
		// Each worker has at most one outstanding assignment, so sends
		// from the coordinator never block.
		inboxes[i] = make(chan assignment, 1)
		id := i
		g.Go(func() error {
			return p.worker(gctx, id, inboxes[id], out)
		})
	}
	p.logger.Debug().Int("jobs", len(descs)).Int("workers", workers).Msg("Starting worker pool")

	fail := func(err error) ([]model.JobResult, error) {
		cancel()
		if werr := g.Wait(); err == nil {
			err = werr
		}
		return nil, err
	}

	assign := func(worker int, next *int) {
		if *next < len(descs) {
			inboxes[worker] <- assignment{job: &descs[*next]}
			*next++
			return
		}
		inboxes[worker] <- assignment{}
	}

	var results []model.JobResult
	next, active := 0, workers
	progress := Progress{Total: len(descs)}
	start := time.Now()
	throttle := rate.Sometimes{First: 1, Interval: p.cfg.ProgressInterval}
	for active > 0 {
		var msg message
		select {
		case msg = <-out:
		case <-gctx.Done():
			return fail(nil)
		}

		switch msg.kind {
		case msgReady:
			assign(msg.worker, &next)
		case msgJobComplete:
			progress.Completed++
			if msg.result != nil {
				results = append(results, *msg.result)
				progress.Processed++
				p.cfg.Metrics.Job(metrics.JobProcessed)
			} else {
				progress.Skipped++
				p.cfg.Metrics.Job(metrics.JobSkipped)
			}
			progress.Elapsed = time.Since(start)
			snapshot := progress
			if snapshot.Completed == snapshot.Total {
				p.report(snapshot)
			} else {
				throttle.Do(func() { p.report(snapshot) })
			}
			assign(msg.worker, &next)
		case msgError:
			p.logger.Debug().Err(msg.err).Int("worker", msg.worker).Msg("Worker failed, aborting batch")
			return fail(msg.err)
		case msgFinished:
			active--
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pool) report(progress Progress) {
	if p.cfg.OnProgress != nil {
		p.cfg.OnProgress(progress)
		return
	}
	p.logger.Info().
		Int("completed", progress.Completed).
		Int("total", progress.Total).
		Int("skipped", progress.Skipped).
		Dur("elapsed", progress.Elapsed).
		Msg("Processing jobs")
}

func (p *Pool) worker(ctx context.Context, id int, inbox <-chan assignment, out chan<- message) error {
	send := func(msg message) error {
		msg.worker = id
		select {
		case out <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := send(message{kind: msgReady}); err != nil {
		return err
	}
	for {
		var a assignment
		select {
		case a = <-inbox:
		case <-ctx.Done():
			return ctx.Err()
		}
		if a.job == nil {
			return send(message{kind: msgFinished})
		}

		result, err := p.process(ctx, *a.job)
		if err != nil {
			_ = send(message{kind: msgError, err: err})
			return err
		}
		if err := send(message{kind: msgJobComplete, result: result}); err != nil {
			return err
		}
	}
}

// process fetches and extracts one job. A nil result means the artifact was
// unavailable and the job is skipped.
func (p *Pool) process(ctx context.Context, desc model.TaskDescriptor) (result *model.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: job %s: %v", ErrWorkerFault, desc.Key(), r)
		}
	}()

	profile, err := p.cfg.Fetcher.Fetch(ctx, desc.TaskID, desc.RetryID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Debug().Err(err).Str("task", desc.Key()).Str("job", desc.Name).Msg("Skipping job")
		return nil, nil
	}

	events, usage := p.cfg.Extractor.Extract(profile, desc.Name)
	return &model.JobResult{Task: desc, Events: events, Usage: usage}, nil
}
