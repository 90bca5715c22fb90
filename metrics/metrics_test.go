package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Fetch(SourceCache, ResultHit)
	m.Fetch(SourceCache, ResultHit)
	m.Fetch(SourceNetwork, ResultNotFound)
	m.Job(JobProcessed)
	m.CacheWrite(ResultError)

	require.Equal(t, 2.0, testutil.ToFloat64(m.fetches.WithLabelValues(SourceCache, ResultHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues(SourceNetwork, ResultNotFound)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues(JobProcessed)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheWrite.WithLabelValues(ResultError)))
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Job(JobSkipped)
	require.Equal(t, 1.0, testutil.ToFloat64(a.jobs.WithLabelValues(JobSkipped)))
	require.Equal(t, 0.0, testutil.ToFloat64(b.jobs.WithLabelValues(JobSkipped)))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Fetch(SourceCache, ResultMiss)
		m.Job(JobProcessed)
		m.CacheWrite(ResultOK)
	})
	require.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "never.prom")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Fetch(SourceNetwork, ResultOK)

	path := filepath.Join(t.TempDir(), "testprof.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), `testprof_artifact_fetch_total{result="ok",source="network"} 1`))
}
