package usageprof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/testprof/model"
)

func summary(idle, singleCore float64) *model.ResourceUsageSummary {
	u := &model.ResourceUsageSummary{
		Machine:          model.MachineInfo{LogicalCPUs: 4},
		IdleTimeMs:       idle,
		SingleCoreTimeMs: singleCore,
	}
	// 1000ms at 0-10% and 1000ms at 90-100% on four cores.
	u.CPUBuckets[0] = 1000
	u.CPUBuckets[9] = 1000
	return u
}

func TestCPUTimeMs(t *testing.T) {
	// 1000 * 0.05 * 4 + 1000 * 0.95 * 4
	require.Equal(t, int64(4000), CPUTimeMs(summary(0, 0)))
	require.Zero(t, CPUTimeMs(&model.ResourceUsageSummary{}))
}

func TestBuild(t *testing.T) {
	results := []model.JobResult{
		{Task: model.TaskDescriptor{TaskID: "a", Name: "test-linux/opt-xpcshell", Repository: "mozilla-central"}, Usage: summary(100, 10)},
		{Task: model.TaskDescriptor{TaskID: "b", Name: "test-linux/opt-xpcshell", Repository: "mozilla-central"}, Usage: summary(50, 5.4)},
		{Task: model.TaskDescriptor{TaskID: "c", Name: "test-linux/opt-xpcshell", Repository: "autoland"}, Usage: summary(1, 1)},
		{Task: model.TaskDescriptor{TaskID: "d", Name: "test-linux/opt-mochitest", Repository: "autoland"}},
	}

	p := Build(results)
	require.NoError(t, p.CheckValid())

	require.Len(t, p.SampleType, 3)
	require.Equal(t, "cpu", p.SampleType[0].Type)
	require.Equal(t, "idle", p.SampleType[1].Type)
	require.Equal(t, "single_core", p.SampleType[2].Type)

	// Identical (repository, job) stacks are merged; the job without a
	// summary contributes nothing.
	require.Len(t, p.Sample, 2)
	require.Len(t, p.Mapping, 2)
	require.Equal(t, "mozilla-central", p.Mapping[0].File)
	require.Equal(t, "autoland", p.Mapping[1].File)

	merged := p.Sample[0]
	require.Equal(t, []int64{8000, 150, 15}, merged.Value)
	require.Len(t, merged.Location, 2)
	require.Equal(t, "test-linux/opt-xpcshell", merged.Location[0].Line[0].Function.Name)
	require.Equal(t, "[mozilla-central]", merged.Location[1].Line[0].Function.Name)

	other := p.Sample[1]
	require.Equal(t, []int64{4000, 1, 1}, other.Value)
	require.Equal(t, "[autoland]", other.Location[1].Line[0].Function.Name)

	// The job function is shared between repositories, the locations are not.
	require.Same(t, merged.Location[0].Line[0].Function, other.Location[0].Line[0].Function)
	require.NotEqual(t, merged.Location[0].ID, other.Location[0].ID)
}

func TestWriteFile(t *testing.T) {
	p := Build([]model.JobResult{
		{Task: model.TaskDescriptor{Name: "job", Repository: "repo"}, Usage: summary(3, 4)},
	})

	path := filepath.Join(t.TempDir(), "usage.pb.gz")
	require.NoError(t, WriteFile(path, p))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	parsed, err := profile.Parse(f)
	require.NoError(t, err)
	require.Len(t, parsed.Sample, 1)
	require.Equal(t, []int64{4000, 3, 4}, parsed.Sample[0].Value)
}

func TestWriteFileBadPath(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "missing", "usage.pb.gz"), New().Profile())
	require.Error(t, err)
}
