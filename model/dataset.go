package model

// This file contains the encoded, columnar output datasets. Field names and
// JSON tags are a wire contract with the dashboard that reads the files.

// Metadata describes one dataset snapshot.
type Metadata struct {
	// Day the snapshot covers (YYYY-MM-DD), set for daily snapshots
	Date string `json:"date,omitempty"`
	// Revision the snapshot covers, set for single-revision (try) snapshots
	Revision string `json:"revision,omitempty"`
	// Push identifier for single-revision snapshots
	PushID *int64 `json:"pushId,omitempty"`
	// Earliest job start time, in epoch seconds
	StartTime int64 `json:"startTime"`
	// When the snapshot was generated (RFC 3339)
	GeneratedAt string `json:"generatedAt"`
	// Number of jobs submitted to the pipeline
	JobCount int `json:"jobCount"`
	// Number of jobs whose artifact was fetched and folded in
	ProcessedJobCount int `json:"processedJobCount"`
}

// Tables holds the string tables. Every id in the dataset is an index into
// one of these.
type Tables struct {
	JobNames        []string `json:"jobNames"`
	TestPaths       []string `json:"testPaths"`
	TestNames       []string `json:"testNames"`
	Repositories    []string `json:"repositories"`
	Statuses        []string `json:"statuses"`
	TaskIDs         []string `json:"taskIds"`
	Messages        []string `json:"messages"`
	CrashSignatures []string `json:"crashSignatures"`
}

// TaskInfo is indexed by task id id.
type TaskInfo struct {
	RepositoryIDs []int `json:"repositoryIds"`
	JobNameIDs    []int `json:"jobNameIds"`
}

// TestInfo is indexed by test id.
type TestInfo struct {
	TestPathIDs []int `json:"testPathIds"`
	TestNameIDs []int `json:"testNameIds"`
}

// StatusGroup holds every run of one test under one status as parallel
// arrays. Timestamps are delta-encoded: each entry is the difference from the
// previous one, the first is absolute.
type StatusGroup struct {
	TaskIDIDs  []int   `json:"taskIdIds"`
	Durations  []int64 `json:"durations"`
	Timestamps []int64 `json:"timestamps"`

	// SKIP groups only
	MessageIDs []*int `json:"messageIds,omitempty"`

	// CRASH groups only
	CrashSignatureIDs []*int    `json:"crashSignatureIds,omitempty"`
	Minidumps         []*string `json:"minidumps,omitempty"`
}

// Len returns the number of runs in the group.
func (g *StatusGroup) Len() int {
	return len(g.TaskIDIDs)
}

// AbsoluteTimestamps decodes the delta-encoded timestamps by cumulative
// summation.
func (g *StatusGroup) AbsoluteTimestamps() []int64 {
	out := make([]int64, len(g.Timestamps))
	var acc int64
	for i, delta := range g.Timestamps {
		acc += delta
		out[i] = acc
	}
	return out
}

// Dataset is the encoded test run dataset.
type Dataset struct {
	Metadata Metadata `json:"metadata"`
	Tables   Tables   `json:"tables"`
	TaskInfo TaskInfo `json:"taskInfo"`
	TestInfo TestInfo `json:"testInfo"`
	// TestRuns[testId][statusId]; a nil entry means no run was observed.
	TestRuns [][]*StatusGroup `json:"testRuns"`
}

// Group returns the status group for (testID, statusID), or nil when the
// combination was never observed.
func (d *Dataset) Group(testID, statusID int) *StatusGroup {
	if testID < 0 || testID >= len(d.TestRuns) {
		return nil
	}
	row := d.TestRuns[testID]
	if statusID < 0 || statusID >= len(row) {
		return nil
	}
	return row[statusID]
}

// ResourceTables holds the string tables of a resource usage dataset.
type ResourceTables struct {
	JobNames     []string `json:"jobNames"`
	Repositories []string `json:"repositories"`
	TaskIDs      []string `json:"taskIds"`
}

// ResourceJobs holds one column per usage field, one row per job.
type ResourceJobs struct {
	TaskIDIDs      []int                   `json:"taskIdIds"`
	JobNameIDs     []int                   `json:"jobNameIds"`
	RepositoryIDs  []int                   `json:"repositoryIds"`
	LogicalCPUs    []int                   `json:"logicalCPUs"`
	PhysicalCPUs   []int                   `json:"physicalCPUs"`
	MainMemory     []int64                 `json:"mainMemory"`
	MaxMemory      []int64                 `json:"maxMemory"`
	IdleTime       []int64                 `json:"idleTime"`
	SingleCoreTime []int64                 `json:"singleCoreTime"`
	CPUBuckets     [][CPUBucketCount]int64 `json:"cpuBuckets"`
}

// ResourceDataset is the encoded per-job resource usage dataset.
type ResourceDataset struct {
	Metadata Metadata       `json:"metadata"`
	Tables   ResourceTables `json:"tables"`
	Jobs     ResourceJobs   `json:"jobs"`
}
