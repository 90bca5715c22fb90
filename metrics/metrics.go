// Package metrics holds the Prometheus counters of one pipeline run.
//
// Every pipeline owns its own registry so that independent runs (and tests)
// never share counters. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch sources.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
)

// Fetch results.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultCorrupt  = "corrupt"
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// Job outcomes.
const (
	JobProcessed = "processed"
	JobSkipped   = "skipped"
)

// Metrics are the counters exported by a pipeline run.
type Metrics struct {
	Registry *prometheus.Registry

	fetches    *prometheus.CounterVec
	jobs       *prometheus.CounterVec
	cacheWrite *prometheus.CounterVec
}

// New creates the counters and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testprof",
			Name:      "artifact_fetch_total",
			Help:      "Artifact lookups by source and result.",
		}, []string{"source", "result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testprof",
			Name:      "jobs_total",
			Help:      "Jobs completed by the worker pool, by outcome.",
		}, []string{"outcome"}),
		cacheWrite: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testprof",
			Name:      "cache_write_total",
			Help:      "Artifact cache writes by result.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(m.fetches, m.jobs, m.cacheWrite)
	return m
}

// Fetch counts one artifact lookup.
func (m *Metrics) Fetch(source, result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(source, result).Inc()
}

// Job counts one completed job.
func (m *Metrics) Job(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

// CacheWrite counts one cache write.
func (m *Metrics) CacheWrite(result string) {
	if m == nil {
		return
	}
	m.cacheWrite.WithLabelValues(result).Inc()
}

// WriteTextfile writes all counters in the text exposition format, for the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
