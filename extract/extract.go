// Package extract turns a decoded profile artifact into test run events and a
// resource usage summary.
package extract

import (
	"math"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/perfgo/testprof/artifact"
	"github.com/perfgo/testprof/model"
)

// Marker names the extractor looks for.
const (
	TestMarker     = "test"
	ParallelMarker = "parallel"
)

// ColorExpected is the color the harness uses for anticipated failures.
const ColorExpected = "green"

var testFileExtensions = map[string]struct{}{
	".js":    {},
	".mjs":   {},
	".jsm":   {},
	".sjs":   {},
	".html":  {},
	".htm":   {},
	".xhtml": {},
	".xht":   {},
	".xul":   {},
	".svg":   {},
	".py":    {},
}

// Extractor extracts events from artifacts. It holds no per-artifact state
// and is safe for concurrent use.
type Extractor struct {
	logger zerolog.Logger
}

// New creates an Extractor.
func New(logger zerolog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract returns the test run events of an artifact in marker order, and its
// resource usage summary if the artifact carries one. A malformed artifact
// yields no events and a nil summary.
func (e *Extractor) Extract(p *artifact.Profile, jobName string) ([]model.TestRunEvent, *model.ResourceUsageSummary) {
	if p == nil {
		return nil, nil
	}
	if p.Malformed {
		e.logger.Debug().Str("job", jobName).Msg("Malformed artifact, no events")
		return nil, nil
	}
	markers := p.Markers()
	events := e.events(p.Meta, markers)
	usage := Usage(p.Meta, markers)

	e.logger.Debug().
		Str("job", jobName).
		Int("markers", len(markers)).
		Int("events", len(events)).
		Bool("usage", usage != nil).
		Msg("Extracted artifact")
	return events, usage
}

type timeRange struct {
	start, end float64
}

func (r timeRange) overlaps(start, end float64) bool {
	return start < r.end && end > r.start
}

func (e *Extractor) events(meta artifact.Meta, markers []artifact.Marker) []model.TestRunEvent {
	var parallel []timeRange
	var crashes []artifact.Marker
	for _, m := range markers {
		if m.Name == ParallelMarker {
			parallel = append(parallel, timeRange{start: m.Start, end: m.End})
		}
		if m.Data.Kind == artifact.KindCrash {
			crashes = append(crashes, m)
		}
	}

	var events []model.TestRunEvent
	skipped := 0
	for _, m := range markers {
		if m.Name != TestMarker {
			continue
		}

		var rawID, status string
		var test *artifact.TestPayload
		switch m.Data.Kind {
		case artifact.KindText:
			rawID, status = m.Data.Text.Name, model.StatusPass
		case artifact.KindTest:
			test = m.Data.Test
			rawID = test.Test
		default:
			skipped++
			continue
		}

		testPath := TestPath(rawID)
		if !IsTestFile(testPath) {
			skipped++
			continue
		}

		event := model.TestRunEvent{
			Path:       testPath,
			Status:     status,
			DurationMs: m.End - m.Start,
			Timestamp:  int64(math.Round(meta.StartTime + m.Start)),
		}
		if test != nil {
			event.Status = normalizeStatus(test, m, parallel)
			switch event.Status {
			case model.StatusSkip:
				if test.Message != "" {
					msg := normalizeLineBreaks(test.Message)
					event.Message = &msg
				}
			case model.StatusCrash:
				if crash := findCrash(crashes, rawID, m); crash != nil {
					event.CrashSignature = crash.Signature
					event.Minidump = crash.Minidump
				}
			}
		}
		events = append(events, event)
	}

	if skipped > 0 {
		e.logger.Trace().Int("skipped", skipped).Msg("Ignored test markers")
	}
	return events
}

// normalizeStatus applies the expected-failure reclassification and the
// parallel/sequential suffix to a structured test marker's status.
func normalizeStatus(test *artifact.TestPayload, m artifact.Marker, parallel []timeRange) string {
	status := test.Status
	if status == "" {
		status = model.StatusPass
	}
	if status == model.StatusFail && test.Color == ColorExpected {
		return model.StatusExpectedFail
	}
	if len(parallel) == 0 {
		return status
	}
	switch status {
	case model.StatusPass, model.StatusFail, model.StatusTimeout:
	default:
		return status
	}
	for _, r := range parallel {
		if r.overlaps(m.Start, m.End) {
			return status + model.SuffixParallel
		}
	}
	return status + model.SuffixSequential
}

func findCrash(crashes []artifact.Marker, rawID string, test artifact.Marker) *artifact.CrashPayload {
	for _, c := range crashes {
		if c.Data.Crash.Test != rawID {
			continue
		}
		if c.Start >= test.Start && c.Start <= test.End {
			return c.Data.Crash
		}
	}
	return nil
}

func normalizeLineBreaks(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// TestPath strips the harness manifest prefix from a raw test identifier: it
// returns what follows the last colon that is not nested in (), [] or {}.
func TestPath(raw string) string {
	depth := 0
	last := -1
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case ':':
			if depth == 0 {
				last = i
			}
		}
	}
	return strings.TrimSpace(raw[last+1:])
}

// IsTestFile reports whether p names a file with a test file extension.
func IsTestFile(p string) bool {
	_, ok := testFileExtensions[strings.ToLower(path.Ext(p))]
	return ok
}
