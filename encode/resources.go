package encode

// This file contains the encoder for the per-job resource usage dataset.

import (
	"math"

	"github.com/perfgo/testprof/model"
)

// Resources encodes the usage summaries of results into a ResourceDataset,
// one row per job that has a summary. Times are rounded to milliseconds.
func Resources(results []model.JobResult, meta model.Metadata) *model.ResourceDataset {
	jobNames := NewStringTable()
	repositories := NewStringTable()
	taskIDs := NewStringTable()

	jobs := model.ResourceJobs{
		TaskIDIDs:      []int{},
		JobNameIDs:     []int{},
		RepositoryIDs:  []int{},
		LogicalCPUs:    []int{},
		PhysicalCPUs:   []int{},
		MainMemory:     []int64{},
		MaxMemory:      []int64{},
		IdleTime:       []int64{},
		SingleCoreTime: []int64{},
		CPUBuckets:     [][model.CPUBucketCount]int64{},
	}

	var startTime int64
	for _, r := range results {
		if !r.Task.StartTime.IsZero() {
			if ts := r.Task.StartTime.Unix(); startTime == 0 || ts < startTime {
				startTime = ts
			}
		}
		u := r.Usage
		if u == nil {
			continue
		}

		var buckets [model.CPUBucketCount]int64
		for i, ms := range u.CPUBuckets {
			buckets[i] = int64(math.Round(ms))
		}

		jobs.TaskIDIDs = append(jobs.TaskIDIDs, taskIDs.ID(r.Task.Key()))
		jobs.JobNameIDs = append(jobs.JobNameIDs, jobNames.ID(r.Task.Name))
		jobs.RepositoryIDs = append(jobs.RepositoryIDs, repositories.ID(r.Task.Repository))
		jobs.LogicalCPUs = append(jobs.LogicalCPUs, u.Machine.LogicalCPUs)
		jobs.PhysicalCPUs = append(jobs.PhysicalCPUs, u.Machine.PhysicalCPUs)
		jobs.MainMemory = append(jobs.MainMemory, u.Machine.MainMemory)
		jobs.MaxMemory = append(jobs.MaxMemory, u.MaxMemoryBytes)
		jobs.IdleTime = append(jobs.IdleTime, int64(math.Round(u.IdleTimeMs)))
		jobs.SingleCoreTime = append(jobs.SingleCoreTime, int64(math.Round(u.SingleCoreTimeMs)))
		jobs.CPUBuckets = append(jobs.CPUBuckets, buckets)
	}

	meta.StartTime = startTime
	meta.ProcessedJobCount = len(results)
	return &model.ResourceDataset{
		Metadata: meta,
		Tables: model.ResourceTables{
			JobNames:     jobNames.Values(),
			Repositories: repositories.Values(),
			TaskIDs:      taskIDs.Values(),
		},
		Jobs: jobs,
	}
}
