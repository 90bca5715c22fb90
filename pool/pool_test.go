package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/testprof/artifact"
	"github.com/perfgo/testprof/model"
)

type fakeFetcher struct {
	FetchFunc func(ctx context.Context, taskID string, retryID int) (*artifact.Profile, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, taskID string, retryID int) (*artifact.Profile, error) {
	return f.FetchFunc(ctx, taskID, retryID)
}

type fakeExtractor struct {
	ExtractFunc func(p *artifact.Profile, jobName string) ([]model.TestRunEvent, *model.ResourceUsageSummary)
}

func (f *fakeExtractor) Extract(p *artifact.Profile, jobName string) ([]model.TestRunEvent, *model.ResourceUsageSummary) {
	return f.ExtractFunc(p, jobName)
}

// oneEventExtractor emits a single PASS event named after the job.
var oneEventExtractor = &fakeExtractor{
	ExtractFunc: func(p *artifact.Profile, jobName string) ([]model.TestRunEvent, *model.ResourceUsageSummary) {
		return []model.TestRunEvent{{Path: jobName + "/test.js", Status: model.StatusPass}}, nil
	},
}

func descriptors(n int) []model.TaskDescriptor {
	descs := make([]model.TaskDescriptor, n)
	for i := range descs {
		descs[i] = model.TaskDescriptor{TaskID: fmt.Sprintf("task%02d", i), Name: fmt.Sprintf("job%02d", i)}
	}
	return descs
}

func okFetcher(calls *atomic.Int32) *fakeFetcher {
	return &fakeFetcher{FetchFunc: func(ctx context.Context, taskID string, retryID int) (*artifact.Profile, error) {
		calls.Add(1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &artifact.Profile{}, nil
	}}
}

func TestRunCompleteness(t *testing.T) {
	const n = 12
	for workers := 1; workers <= n; workers++ {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			var calls atomic.Int32
			var mu sync.Mutex
			var last Progress
			p := New(zerolog.Nop(), Config{
				Workers:   workers,
				Fetcher:   okFetcher(&calls),
				Extractor: oneEventExtractor,
				OnProgress: func(pr Progress) {
					mu.Lock()
					defer mu.Unlock()
					last = pr
				},
			})

			results, err := p.Run(context.Background(), descriptors(n))
			require.NoError(t, err)
			require.Len(t, results, n)
			require.Equal(t, int32(n), calls.Load())

			seen := map[string]bool{}
			for _, r := range results {
				require.False(t, seen[r.Task.TaskID], "task %s completed twice", r.Task.TaskID)
				seen[r.Task.TaskID] = true
				require.Len(t, r.Events, 1)
				require.Equal(t, r.Task.Name+"/test.js", r.Events[0].Path)
			}

			mu.Lock()
			defer mu.Unlock()
			require.Equal(t, n, last.Completed)
			require.Equal(t, n, last.Total)
			require.Equal(t, n, last.Processed)
		})
	}
}

func TestRunMoreWorkersThanJobs(t *testing.T) {
	var calls atomic.Int32
	p := New(zerolog.Nop(), Config{Workers: 16, Fetcher: okFetcher(&calls), Extractor: oneEventExtractor})

	results, err := p.Run(context.Background(), descriptors(3))
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, int32(3), calls.Load())
}

func TestRunNoDescriptors(t *testing.T) {
	var calls atomic.Int32
	p := New(zerolog.Nop(), Config{Workers: 4, Fetcher: okFetcher(&calls), Extractor: oneEventExtractor})

	results, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Zero(t, calls.Load())
}

func TestRunSkipsUnfetchableJobs(t *testing.T) {
	errGone := errors.New("gone")
	fetcher := &fakeFetcher{FetchFunc: func(ctx context.Context, taskID string, retryID int) (*artifact.Profile, error) {
		switch taskID {
		case "task01", "task03":
			return nil, errGone
		}
		return &artifact.Profile{}, nil
	}}

	var final Progress
	p := New(zerolog.Nop(), Config{
		Workers:    2,
		Fetcher:    fetcher,
		Extractor:  oneEventExtractor,
		OnProgress: func(pr Progress) { final = pr },
	})

	results, err := p.Run(context.Background(), descriptors(5))
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NotContains(t, []string{"task01", "task03"}, r.Task.TaskID)
	}
	require.Equal(t, Progress{Completed: 5, Total: 5, Processed: 3, Skipped: 2, Elapsed: final.Elapsed}, final)
}

func TestRunKeepsJobsWithoutEvents(t *testing.T) {
	var calls atomic.Int32
	empty := &fakeExtractor{ExtractFunc: func(p *artifact.Profile, jobName string) ([]model.TestRunEvent, *model.ResourceUsageSummary) {
		return nil, nil
	}}
	p := New(zerolog.Nop(), Config{Workers: 2, Fetcher: okFetcher(&calls), Extractor: empty})

	results, err := p.Run(context.Background(), descriptors(4))
	require.NoError(t, err)
	require.Len(t, results, 4)
}

func TestRunWorkerPanicIsFatal(t *testing.T) {
	tests := []struct {
		name      string
		fetcher   Fetcher
		extractor Extractor
	}{
		{
			name: "fetch panics",
			fetcher: &fakeFetcher{FetchFunc: func(ctx context.Context, taskID string, retryID int) (*artifact.Profile, error) {
				if taskID == "task05" {
					panic("boom")
				}
				return &artifact.Profile{}, nil
			}},
			extractor: oneEventExtractor,
		},
		{
			name: "extract panics",
			fetcher: &fakeFetcher{FetchFunc: func(ctx context.Context, taskID string, retryID int) (*artifact.Profile, error) {
				return &artifact.Profile{}, nil
			}},
			extractor: &fakeExtractor{ExtractFunc: func(p *artifact.Profile, jobName string) ([]model.TestRunEvent, *model.ResourceUsageSummary) {
				if jobName == "job07" {
					var m map[string]int
					m["x"] = 1
				}
				return nil, nil
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(zerolog.Nop(), Config{Workers: 3, Fetcher: tt.fetcher, Extractor: tt.extractor})

			results, err := p.Run(context.Background(), descriptors(10))
			require.ErrorIs(t, err, ErrWorkerFault)
			require.Nil(t, results)
		})
	}
}

func TestRunCanceled(t *testing.T) {
	var calls atomic.Int32
	p := New(zerolog.Nop(), Config{Workers: 2, Fetcher: okFetcher(&calls), Extractor: oneEventExtractor})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := p.Run(ctx, descriptors(5))
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, results)
}

func TestRunProgressThrottled(t *testing.T) {
	var calls atomic.Int32
	var reports []Progress
	p := New(zerolog.Nop(), Config{
		Workers:          4,
		Fetcher:          okFetcher(&calls),
		Extractor:        oneEventExtractor,
		ProgressInterval: time.Hour,
		OnProgress:       func(pr Progress) { reports = append(reports, pr) },
	})

	_, err := p.Run(context.Background(), descriptors(20))
	require.NoError(t, err)

	// First and last completion only.
	require.Len(t, reports, 2)
	require.Equal(t, 1, reports[0].Completed)
	require.Equal(t, 20, reports[1].Completed)
}

func TestRunSingleJobReportsOnce(t *testing.T) {
	var calls atomic.Int32
	var reports []Progress
	p := New(zerolog.Nop(), Config{
		Fetcher:    okFetcher(&calls),
		Extractor:  oneEventExtractor,
		OnProgress: func(pr Progress) { reports = append(reports, pr) },
	})

	_, err := p.Run(context.Background(), descriptors(1))
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

func TestDefaultWorkers(t *testing.T) {
	require.GreaterOrEqual(t, DefaultWorkers(), 1)
	require.Equal(t, DefaultWorkers(), New(zerolog.Nop(), Config{}).cfg.Workers)
}
