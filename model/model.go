package model

// This file contains the pipeline's input and intermediate types: task
// descriptors, extracted test run events and resource usage summaries.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well known test statuses. Statuses not listed here are passed through as-is.
const (
	StatusPass         = "PASS"
	StatusFail         = "FAIL"
	StatusTimeout      = "TIMEOUT"
	StatusSkip         = "SKIP"
	StatusCrash        = "CRASH"
	StatusExpectedFail = "EXPECTED-FAIL"

	SuffixParallel   = "-PARALLEL"
	SuffixSequential = "-SEQUENTIAL"
)

// TaskDescriptor identifies one attempted test-execution job.
// Identity is (TaskID, RetryID).
type TaskDescriptor struct {
	// Task identifier in the task queue
	TaskID string `json:"task_id"`
	// Retry (run) number of the task, 0 for the first attempt
	RetryID int `json:"retry_id"`
	// Job name, e.g. "test-linux1804-64/opt-xpcshell-1"
	Name string `json:"name"`
	// When the job started
	StartTime Timestamp `json:"start_time"`
	// Repository the job ran against, e.g. "mozilla-central"
	Repository string `json:"repository"`
}

// Key returns the "taskId.retryId" token identifying the task attempt.
func (d TaskDescriptor) Key() string {
	return fmt.Sprintf("%s.%d", d.TaskID, d.RetryID)
}

// Timestamp is a point in time that decodes from either epoch seconds or a
// date string.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON accepts a JSON number (epoch seconds), a numeric string or a
// date string in one of the supported layouts.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}

	if data[0] != '"' {
		secs, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid epoch timestamp %s: %w", data, err)
		}
		t.Time = fromEpochSeconds(secs)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		t.Time = fromEpochSeconds(secs)
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

// MarshalJSON writes the timestamp as epoch seconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

func fromEpochSeconds(secs float64) time.Time {
	whole := int64(secs)
	frac := int64((secs - float64(whole)) * float64(time.Second))
	return time.Unix(whole, frac).UTC()
}

// TestRunEvent is one observed execution of one test within one job.
type TestRunEvent struct {
	// Test path including the file name, e.g. "dom/x/test_a.js"
	Path string
	// Normalized status, possibly suffixed with -PARALLEL/-SEQUENTIAL
	Status string
	// Duration in milliseconds
	DurationMs float64
	// Absolute start time in epoch milliseconds
	Timestamp int64
	// Skip message (SKIP only)
	Message *string
	// Crash signature (CRASH only)
	CrashSignature *string
	// Minidump identifier (CRASH only)
	Minidump *string
}

// MachineInfo describes the machine a job ran on.
type MachineInfo struct {
	LogicalCPUs  int   `json:"logicalCPUs"`
	PhysicalCPUs int   `json:"physicalCPUs"`
	MainMemory   int64 `json:"mainMemory"`
}

// CPUBucketCount is the number of 10%-wide CPU utilization buckets.
const CPUBucketCount = 10

// ResourceUsageSummary aggregates the resource usage of one job.
type ResourceUsageSummary struct {
	Machine MachineInfo
	// Peak sampled memory in bytes
	MaxMemoryBytes int64
	// Time spent below half of one core's utilization, in milliseconds
	IdleTimeMs float64
	// Time spent at roughly one core's utilization, in milliseconds
	SingleCoreTimeMs float64
	// Cumulative duration per 10% CPU utilization bucket, in milliseconds
	CPUBuckets [CPUBucketCount]float64
}

// JobResult is everything extracted from one successfully fetched artifact.
type JobResult struct {
	Task   TaskDescriptor
	Events []TestRunEvent
	Usage  *ResourceUsageSummary
}
