// Package usageprof exports per-job resource usage as a pprof profile, so the
// usual pprof tooling (top, flame graphs, diffing two days) works on it.
//
// Each sample's stack is [job, repository]: job names are functions and
// repositories are both a root function and the mapping of their jobs.
// Samples with the same stack are merged.
package usageprof

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/pprof/profile"

	"github.com/perfgo/testprof/model"
)

// Sample value indexes.
const (
	valueCPU = iota
	valueIdle
	valueSingleCore
)

// Builder folds usage summaries into a profile.
type Builder struct {
	profile   *profile.Profile
	functions map[string]*profile.Function
	locations map[string]*profile.Location
	mappings  map[string]*profile.Mapping
	samples   map[uint64]*profile.Sample
}

// New creates an empty Builder.
func New() *Builder {
	return &Builder{
		profile: &profile.Profile{
			SampleType: []*profile.ValueType{
				valueCPU:        {Type: "cpu", Unit: "milliseconds"},
				valueIdle:       {Type: "idle", Unit: "milliseconds"},
				valueSingleCore: {Type: "single_core", Unit: "milliseconds"},
			},
			DefaultSampleType: "cpu",
			PeriodType:        &profile.ValueType{Type: "cpu", Unit: "milliseconds"},
			Period:            1,
			TimeNanos:         time.Now().UnixNano(),
		},
		functions: make(map[string]*profile.Function),
		locations: make(map[string]*profile.Location),
		mappings:  make(map[string]*profile.Mapping),
		samples:   make(map[uint64]*profile.Sample),
	}
}

// Add records the usage of one job. A nil summary is ignored.
func (b *Builder) Add(task model.TaskDescriptor, u *model.ResourceUsageSummary) {
	if u == nil {
		return
	}

	mapping := b.getOrCreateMapping(task.Repository)
	leaf := b.getOrCreateLocation(mapping, "job", task.Name)
	root := b.getOrCreateLocation(mapping, "repository", task.Repository)

	values := make([]int64, len(b.profile.SampleType))
	values[valueCPU] = CPUTimeMs(u)
	values[valueIdle] = int64(math.Round(u.IdleTimeMs))
	values[valueSingleCore] = int64(math.Round(u.SingleCoreTimeMs))
	b.addSample([]*profile.Location{leaf, root}, values)
}

// Profile returns the built profile.
func (b *Builder) Profile() *profile.Profile {
	return b.profile
}

// CPUTimeMs estimates the CPU time of a job, in core milliseconds, from its
// utilization buckets. Each bucket counts at its midpoint.
func CPUTimeMs(u *model.ResourceUsageSummary) int64 {
	var total float64
	for i, ms := range u.CPUBuckets {
		midpoint := (float64(i)*10 + 5) / 100
		total += ms * midpoint * float64(u.Machine.LogicalCPUs)
	}
	return int64(math.Round(total))
}

func (b *Builder) getOrCreateFunction(name string) *profile.Function {
	if fn, exists := b.functions[name]; exists {
		return fn
	}

	fn := &profile.Function{
		ID:   uint64(len(b.profile.Function) + 1),
		Name: name,
	}
	b.functions[name] = fn
	b.profile.Function = append(b.profile.Function, fn)
	return fn
}

func (b *Builder) getOrCreateMapping(repository string) *profile.Mapping {
	if m, exists := b.mappings[repository]; exists {
		return m
	}

	m := &profile.Mapping{
		ID:    uint64(len(b.profile.Mapping)) + 1,
		File:  repository,
		Start: 0,
		Limit: ^uint64(0),
	}
	b.mappings[repository] = m
	b.profile.Mapping = append(b.profile.Mapping, m)
	return m
}

// getOrCreateLocation returns the location of a function within a mapping.
// kind keeps a job and a repository with the same name apart.
func (b *Builder) getOrCreateLocation(mapping *profile.Mapping, kind, name string) *profile.Location {
	key := fmt.Sprintf("%d:%s:%s", mapping.ID, kind, name)
	if loc, exists := b.locations[key]; exists {
		return loc
	}

	fnName := name
	if kind == "repository" {
		fnName = "[" + name + "]"
	}
	loc := &profile.Location{
		ID:      uint64(len(b.profile.Location) + 1),
		Mapping: mapping,
		Line: []profile.Line{
			{Function: b.getOrCreateFunction(fnName)},
		},
	}
	b.locations[key] = loc
	b.profile.Location = append(b.profile.Location, loc)
	return loc
}

// addSample merges values into the sample with the same stack, or adds a
// new one.
func (b *Builder) addSample(stack []*profile.Location, values []int64) {
	// The leaf location identifies the whole stack: it is unique per
	// (repository, job) and always sits on the same root.
	key := stack[0].ID
	if existing, ok := b.samples[key]; ok {
		for i, v := range values {
			existing.Value[i] += v
		}
		return
	}

	sample := &profile.Sample{
		Location: stack,
		Value:    values,
	}
	b.samples[key] = sample
	b.profile.Sample = append(b.profile.Sample, sample)
}

// Build returns a profile of the usage summaries in results.
func Build(results []model.JobResult) *profile.Profile {
	b := New()
	for _, r := range results {
		b.Add(r.Task, r.Usage)
	}
	return b.Profile()
}

// WriteFile writes p to path as a gzip-compressed pprof protobuf.
func WriteFile(path string, p *profile.Profile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create usage profile: %w", err)
	}
	if err := p.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write usage profile: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close usage profile: %w", err)
	}
	return nil
}
