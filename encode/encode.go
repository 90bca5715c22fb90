// Package encode folds extracted job results into the columnar datasets
// written to disk.
//
// String table ids are assigned in first-seen order over the results in the
// order they are added; no frequency re-sort is applied. Callers that need
// byte-identical output across runs must add results in a stable order.
package encode

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/perfgo/testprof/model"
)

type groupKey struct {
	testID, statusID int
}

// run is one folded event, before sorting and delta encoding.
type run struct {
	taskID      int
	duration    int64
	timestamp   int64
	messageID   *int
	signatureID *int
	minidump    *string
}

type groupShape int

const (
	shapePlain groupShape = iota
	shapeSkip
	shapeCrash
)

type group struct {
	shape groupShape
	runs  []run
}

// Encoder builds one Dataset. It is not safe for concurrent use.
type Encoder struct {
	jobNames        *StringTable
	testPaths       *StringTable
	testNames       *StringTable
	repositories    *StringTable
	statuses        *StringTable
	taskIDs         *StringTable
	messages        *StringTable
	crashSignatures *StringTable

	tests *TestIndex

	// Indexed by task id id
	taskRepositoryIDs []int
	taskJobNameIDs    []int

	groups map[groupKey]*group
	// Largest status id seen per test id
	rowLen []int

	startTime int64
	processed int
	events    int
}

// NewEncoder creates an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{
		jobNames:          NewStringTable(),
		testPaths:         NewStringTable(),
		testNames:         NewStringTable(),
		repositories:      NewStringTable(),
		statuses:          NewStringTable(),
		taskIDs:           NewStringTable(),
		messages:          NewStringTable(),
		crashSignatures:   NewStringTable(),
		tests:             NewTestIndex(),
		taskRepositoryIDs: []int{},
		taskJobNameIDs:    []int{},
		groups:            make(map[groupKey]*group),
	}
}

// Events returns the number of events folded in so far.
func (e *Encoder) Events() int {
	return e.events
}

// Add folds one job result into the dataset.
func (e *Encoder) Add(r model.JobResult) {
	e.processed++
	if !r.Task.StartTime.IsZero() {
		if ts := r.Task.StartTime.Unix(); e.startTime == 0 || ts < e.startTime {
			e.startTime = ts
		}
	}

	jobNameID := e.jobNames.ID(r.Task.Name)
	repositoryID := e.repositories.ID(r.Task.Repository)
	taskID := e.taskIDs.ID(r.Task.Key())
	if taskID == len(e.taskRepositoryIDs) {
		e.taskRepositoryIDs = append(e.taskRepositoryIDs, repositoryID)
		e.taskJobNameIDs = append(e.taskJobNameIDs, jobNameID)
	}

	for _, ev := range r.Events {
		e.addEvent(taskID, ev)
	}
}

func (e *Encoder) addEvent(taskID int, ev model.TestRunEvent) {
	e.events++

	dir, name := SplitPath(ev.Path)
	testID := e.tests.ID(e.testPaths.ID(dir), e.testNames.ID(name))
	statusID := e.statuses.ID(ev.Status)

	key := groupKey{testID: testID, statusID: statusID}
	g, ok := e.groups[key]
	if !ok {
		g = &group{shape: shapeFor(ev.Status)}
		e.groups[key] = g
		for len(e.rowLen) <= testID {
			e.rowLen = append(e.rowLen, 0)
		}
		e.rowLen[testID] = max(e.rowLen[testID], statusID+1)
	}

	r := run{
		taskID:    taskID,
		duration:  int64(math.Round(ev.DurationMs)),
		timestamp: ev.Timestamp,
	}
	switch g.shape {
	case shapeSkip:
		if ev.Message != nil {
			id := e.messages.ID(*ev.Message)
			r.messageID = &id
		}
	case shapeCrash:
		if ev.CrashSignature != nil {
			id := e.crashSignatures.ID(*ev.CrashSignature)
			r.signatureID = &id
		}
		r.minidump = ev.Minidump
	}
	g.runs = append(g.runs, r)
}

func shapeFor(status string) groupShape {
	switch status {
	case model.StatusSkip:
		return shapeSkip
	case model.StatusCrash:
		return shapeCrash
	default:
		return shapePlain
	}
}

// SplitPath splits a test path at its last "/" into a directory and a file
// name. A path without a separator has an empty directory.
func SplitPath(p string) (dir, name string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// Dataset returns the encoded dataset. meta supplies the snapshot identity
// and job count; the start time and processed job count are filled in from
// the folded results.
func (e *Encoder) Dataset(meta model.Metadata) *model.Dataset {
	meta.StartTime = e.startTime
	meta.ProcessedJobCount = e.processed

	testRuns := make([][]*model.StatusGroup, e.tests.Len())
	for testID := range testRuns {
		testRuns[testID] = make([]*model.StatusGroup, e.rowLen[testID])
	}
	for key, g := range e.groups {
		testRuns[key.testID][key.statusID] = g.encode()
	}

	return &model.Dataset{
		Metadata: meta,
		Tables: model.Tables{
			JobNames:        e.jobNames.Values(),
			TestPaths:       e.testPaths.Values(),
			TestNames:       e.testNames.Values(),
			Repositories:    e.repositories.Values(),
			Statuses:        e.statuses.Values(),
			TaskIDs:         e.taskIDs.Values(),
			Messages:        e.messages.Values(),
			CrashSignatures: e.crashSignatures.Values(),
		},
		TaskInfo: model.TaskInfo{
			RepositoryIDs: e.taskRepositoryIDs,
			JobNameIDs:    e.taskJobNameIDs,
		},
		TestInfo: model.TestInfo{
			TestPathIDs: e.tests.pathIDs,
			TestNameIDs: e.tests.nameIDs,
		},
		TestRuns: testRuns,
	}
}

// encode sorts the runs by timestamp and lays them out as parallel arrays
// with delta-encoded timestamps.
func (g *group) encode() *model.StatusGroup {
	runs := slices.Clone(g.runs)
	slices.SortStableFunc(runs, func(a, b run) int {
		return cmp.Compare(a.timestamp, b.timestamp)
	})

	n := len(runs)
	out := &model.StatusGroup{
		TaskIDIDs:  make([]int, n),
		Durations:  make([]int64, n),
		Timestamps: make([]int64, n),
	}
	switch g.shape {
	case shapeSkip:
		out.MessageIDs = make([]*int, n)
	case shapeCrash:
		out.CrashSignatureIDs = make([]*int, n)
		out.Minidumps = make([]*string, n)
	}

	var prev int64
	for i, r := range runs {
		out.TaskIDIDs[i] = r.taskID
		out.Durations[i] = r.duration
		out.Timestamps[i] = r.timestamp - prev
		prev = r.timestamp

		switch g.shape {
		case shapeSkip:
			out.MessageIDs[i] = r.messageID
		case shapeCrash:
			out.CrashSignatureIDs[i] = r.signatureID
			out.Minidumps[i] = r.minidump
		}
	}
	return out
}

// Encode folds results, in order, into a Dataset.
func Encode(results []model.JobResult, meta model.Metadata) *model.Dataset {
	e := NewEncoder()
	for _, r := range results {
		e.Add(r)
	}
	return e.Dataset(meta)
}
