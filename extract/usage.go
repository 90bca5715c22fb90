package extract

// This file contains the resource usage derivation from CPU and memory
// sample markers.

import (
	"math"

	"github.com/perfgo/testprof/artifact"
	"github.com/perfgo/testprof/model"
)

// Usage summarizes the CPU and memory markers of an artifact. It returns nil
// when the machine's logical CPU count is unknown or the artifact has no CPU
// or memory samples.
func Usage(meta artifact.Meta, markers []artifact.Marker) *model.ResourceUsageSummary {
	if meta.LogicalCPUs <= 0 {
		return nil
	}

	onCorePct := 100 / float64(meta.LogicalCPUs)
	summary := &model.ResourceUsageSummary{
		Machine: model.MachineInfo{
			LogicalCPUs:  meta.LogicalCPUs,
			PhysicalCPUs: meta.PhysicalCPUs,
			MainMemory:   meta.MainMemory,
		},
	}

	samples := 0
	for _, m := range markers {
		switch m.Data.Kind {
		case artifact.KindCPU:
			pct := m.Data.CPU.CPUPercent
			if !pct.Valid {
				continue
			}
			samples++
			duration := m.End - m.Start
			summary.CPUBuckets[cpuBucket(pct.Value)] += duration
			if pct.Value < onCorePct/2 {
				summary.IdleTimeMs += duration
			}
			if pct.Value >= 0.75*onCorePct && pct.Value <= 1.25*onCorePct {
				summary.SingleCoreTimeMs += duration
			}
		case artifact.KindMem:
			samples++
			if m.Data.Mem.Used > summary.MaxMemoryBytes {
				summary.MaxMemoryBytes = m.Data.Mem.Used
			}
		}
	}
	if samples == 0 {
		return nil
	}
	return summary
}

// cpuBucket maps a utilization percentage to one of the 10%-wide buckets.
func cpuBucket(pct float64) int {
	b := int(math.Floor(pct / 10))
	if b < 0 {
		return 0
	}
	if b >= model.CPUBucketCount {
		return model.CPUBucketCount - 1
	}
	return b
}
