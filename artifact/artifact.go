// Package artifact decodes the performance-profile documents produced by the
// test harness: machine metadata plus a timeline of markers.
package artifact

import (
	"encoding/json"
	"fmt"
)

// Profile is a decoded profile document.
type Profile struct {
	Meta    Meta     `json:"meta"`
	Threads []Thread `json:"threads"`
	// Newer documents keep the string array here instead of on each thread
	Shared *Shared `json:"shared,omitempty"`
	// Set when the document is JSON but not laid out as expected
	Malformed bool `json:"-"`
}

// Meta holds the document metadata the pipeline uses.
type Meta struct {
	// Profile start, in epoch milliseconds
	StartTime    float64 `json:"startTime"`
	LogicalCPUs  int     `json:"logicalCPUs"`
	PhysicalCPUs int     `json:"physicalCPUs"`
	// Main memory in bytes
	MainMemory int64 `json:"mainMemory"`
}

// Shared holds tables shared between threads.
type Shared struct {
	StringArray []string `json:"stringArray"`
}

// Thread is one profiled thread. Only the marker table is decoded.
type Thread struct {
	Markers     *MarkerTable `json:"markers"`
	StringArray []string     `json:"stringArray"`
}

// MarkerTable stores markers as parallel arrays. Name holds indexes into the
// string array.
type MarkerTable struct {
	Name      []int        `json:"name"`
	Data      []MarkerData `json:"data"`
	StartTime []*float64   `json:"startTime"`
	EndTime   []*float64   `json:"endTime"`
	Length    int          `json:"length"`
}

// Marker is one resolved row of a marker table. Times are milliseconds
// relative to Meta.StartTime.
type Marker struct {
	Name  string
	Data  MarkerData
	Start float64
	End   float64
}

// Parse decodes a profile document. Only data that is not JSON at all is an
// error; a JSON document with unexpected shapes decodes to an empty, Malformed
// profile, which has no markers.
func Parse(data []byte) (*Profile, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("failed to decode profile: invalid JSON")
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return &Profile{Malformed: true}, nil
	}
	return &p, nil
}

// Markers resolves the marker table of the first thread. A document without
// the expected layout yields no markers.
func (p *Profile) Markers() []Marker {
	if p == nil || len(p.Threads) == 0 || p.Threads[0].Markers == nil {
		return nil
	}
	thread := p.Threads[0]
	strs := thread.StringArray
	if len(strs) == 0 && p.Shared != nil {
		strs = p.Shared.StringArray
	}
	table := thread.Markers

	// Trust the shortest array; Length is advisory and sometimes missing.
	n := len(table.Name)
	n = min(n, len(table.Data), len(table.StartTime), len(table.EndTime))
	if table.Length > 0 {
		n = min(n, table.Length)
	}

	markers := make([]Marker, 0, n)
	for i := 0; i < n; i++ {
		m := Marker{Data: table.Data[i]}
		if idx := table.Name[i]; idx >= 0 && idx < len(strs) {
			m.Name = strs[idx]
		}
		switch start, end := table.StartTime[i], table.EndTime[i]; {
		case start != nil && end != nil:
			m.Start, m.End = *start, *end
		case start != nil:
			m.Start, m.End = *start, *start
		case end != nil:
			m.Start, m.End = *end, *end
		default:
			continue
		}
		markers = append(markers, m)
	}
	return markers
}
