package artifact

// This file contains the marker payload variants. Payloads are dispatched on
// their "type" field; unknown or malformed payloads decode to a kind the
// extractor ignores instead of failing the whole document.

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// MarkerKind is the discriminant of a marker payload.
type MarkerKind string

const (
	KindNone    MarkerKind = ""
	KindText    MarkerKind = "Text"
	KindTest    MarkerKind = "Test"
	KindMem     MarkerKind = "Mem"
	KindCPU     MarkerKind = "CPU"
	KindCrash   MarkerKind = "Crash"
	KindInvalid MarkerKind = "<invalid>"
)

// MarkerData is a tagged union of the payloads the pipeline understands.
// Exactly the field matching Kind is set.
type MarkerData struct {
	Kind  MarkerKind
	Text  *TextPayload
	Test  *TestPayload
	Mem   *MemPayload
	CPU   *CPUPayload
	Crash *CrashPayload
}

// TextPayload is the legacy test marker: Name is the test file path.
type TextPayload struct {
	Name string `json:"name"`
}

// TestPayload is the structured test marker.
type TestPayload struct {
	Test    string `json:"test"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Color   string `json:"color,omitempty"`
}

// MemPayload is a memory sample.
type MemPayload struct {
	Used int64 `json:"used"`
}

// CPUPayload is a CPU utilization sample.
type CPUPayload struct {
	CPUPercent Percent `json:"cpuPercent"`
}

// CrashPayload describes a crash observed while a test ran. Test is the raw,
// unresolved test identifier.
type CrashPayload struct {
	Test      string  `json:"test"`
	Signature *string `json:"signature,omitempty"`
	Minidump  *string `json:"minidump,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *MarkerData) UnmarshalJSON(data []byte) error {
	*d = MarkerData{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		d.Kind = KindInvalid
		return nil
	}

	var err error
	d.Kind = MarkerKind(head.Type)
	switch d.Kind {
	case KindText:
		d.Text = &TextPayload{}
		err = json.Unmarshal(data, d.Text)
	case KindTest:
		d.Test = &TestPayload{}
		err = json.Unmarshal(data, d.Test)
	case KindMem:
		d.Mem = &MemPayload{}
		err = json.Unmarshal(data, d.Mem)
	case KindCPU:
		d.CPU = &CPUPayload{}
		err = json.Unmarshal(data, d.CPU)
	case KindCrash:
		d.Crash = &CrashPayload{}
		err = json.Unmarshal(data, d.Crash)
	}
	if err != nil {
		*d = MarkerData{Kind: KindInvalid}
	}
	return nil
}

// Percent is a percentage that decodes from a number or a "12.5%" string.
type Percent struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Percent) UnmarshalJSON(data []byte) error {
	*p = Percent{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSuffix(strings.TrimSpace(s), "%")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return err
	}
	p.Value, p.Valid = v, true
	return nil
}
