// Package snapshot stores encoded datasets in an output directory and keeps
// the index of available snapshots up to date.
//
// A snapshot named N consists of N.json (test runs), N-resources.json
// (resource usage) and, when usage was collected, N-usage.pb.gz (pprof).
// Daily snapshots are named after their date, single-revision snapshots
// "try-<revision>".
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"

	"github.com/perfgo/testprof/model"
	"github.com/perfgo/testprof/usageprof"
)

const (
	IndexFile       = "index.json"
	resourcesSuffix = "-resources.json"
	usageSuffix     = "-usage.pb.gz"
	tryPrefix       = "try-"
)

// ErrNotFound is returned when no snapshot matches a lookup.
var ErrNotFound = errors.New("snapshot not found")

// Entry describes one stored snapshot.
type Entry struct {
	// Snapshot name, e.g. "2024-03-01" or "try-abcdef"
	Name string
	// Metadata of the test run dataset
	Metadata model.Metadata
	// Path of the test run dataset
	Path string
	// Size of the test run dataset in bytes
	Size int64
}

// Time returns the point in time the snapshot covers: its date for daily
// snapshots, its generation time otherwise.
func (e Entry) Time() time.Time {
	if e.Metadata.Date != "" {
		if t, err := time.Parse(time.DateOnly, e.Metadata.Date); err == nil {
			return t
		}
	}
	t, _ := time.Parse(time.RFC3339, e.Metadata.GeneratedAt)
	return t
}

// Index lists the available snapshots, newest first.
type Index struct {
	Dates     []string `json:"dates"`
	Revisions []string `json:"revisions"`
}

// Store is a directory of snapshots.
type Store struct {
	logger zerolog.Logger
	dir    string
	pretty bool
}

// Option configures a Store.
type Option func(*Store)

// WithPretty makes the store write indented JSON.
func WithPretty(pretty bool) Option {
	return func(s *Store) {
		s.pretty = pretty
	}
}

// New creates a Store rooted at dir. The directory is created on first write.
func New(logger zerolog.Logger, dir string, opts ...Option) *Store {
	s := &Store{logger: logger, dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the output directory.
func (s *Store) Dir() string {
	return s.dir
}

// Name returns the snapshot name for a dataset's metadata.
func Name(meta model.Metadata) (string, error) {
	switch {
	case meta.Date != "":
		return meta.Date, nil
	case meta.Revision != "":
		return tryPrefix + meta.Revision, nil
	default:
		return "", fmt.Errorf("snapshot needs a date or a revision")
	}
}

// DatasetPath returns the test run dataset file of snapshot name.
func (s *Store) DatasetPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// ResourcesPath returns the resource usage dataset file of snapshot name.
func (s *Store) ResourcesPath(name string) string {
	return filepath.Join(s.dir, name+resourcesSuffix)
}

// UsagePath returns the pprof usage profile file of snapshot name.
func (s *Store) UsagePath(name string) string {
	return filepath.Join(s.dir, name+usageSuffix)
}

// Write stores a snapshot, replacing any previous snapshot of the same name,
// and rebuilds the index. usage may be nil.
func (s *Store) Write(ds *model.Dataset, res *model.ResourceDataset, usage *profile.Profile) (Entry, error) {
	name, err := Name(ds.Metadata)
	if err != nil {
		return Entry{}, err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return Entry{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	path := s.DatasetPath(name)
	size, err := s.writeJSON(path, ds)
	if err != nil {
		return Entry{}, err
	}
	if res != nil {
		if _, err := s.writeJSON(s.ResourcesPath(name), res); err != nil {
			return Entry{}, err
		}
	}
	if usage != nil {
		if err := usageprof.WriteFile(s.UsagePath(name), usage); err != nil {
			return Entry{}, err
		}
	} else if err := os.Remove(s.UsagePath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Entry{}, fmt.Errorf("failed to remove stale usage profile: %w", err)
	}

	if _, err := s.UpdateIndex(); err != nil {
		return Entry{}, err
	}

	s.logger.Debug().Str("name", name).Str("path", path).Msg("Wrote snapshot")
	return Entry{Name: name, Metadata: ds.Metadata, Path: path, Size: size}, nil
}

// Marshal encodes v the way the store writes it.
func (s *Store) Marshal(v any) ([]byte, error) {
	if s.pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

// writeJSON writes v to path through a temporary file so readers never see
// a partial file. It returns the number of bytes written.
func (s *Store) writeJSON(path string, v any) (int64, error) {
	data, err := s.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return 0, fmt.Errorf("failed to set permissions on %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("failed to move %s into place: %w", filepath.Base(path), err)
	}
	return int64(len(data)), nil
}

// isDatasetFile reports whether a file name is a test run dataset.
func isDatasetFile(name string) bool {
	return strings.HasSuffix(name, ".json") &&
		name != IndexFile &&
		!strings.HasSuffix(name, resourcesSuffix)
}

// LoadEntries loads the metadata of every snapshot, newest first. Files that
// cannot be parsed are skipped with a warning. A missing directory has no
// snapshots.
func (s *Store) LoadEntries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var entries []Entry
	for _, d := range dirEntries {
		if d.IsDir() || !isDatasetFile(d.Name()) {
			continue
		}
		path := filepath.Join(s.dir, d.Name())
		meta, size, err := readMetadata(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to parse snapshot")
			continue
		}
		entries = append(entries, Entry{
			Name:     strings.TrimSuffix(d.Name(), ".json"),
			Metadata: meta,
			Path:     path,
			Size:     size,
		})
	}

	// Sort by covered time (newest first)
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].Time(), entries[j].Time()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return entries[i].Name > entries[j].Name
	})
	return entries, nil
}

func readMetadata(path string) (model.Metadata, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Metadata{}, 0, err
	}
	var doc struct {
		Metadata *model.Metadata `json:"metadata"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.Metadata{}, 0, err
	}
	if doc.Metadata == nil {
		return model.Metadata{}, 0, fmt.Errorf("missing metadata")
	}
	return *doc.Metadata, int64(len(data)), nil
}

// Load reads a full test run dataset.
func (s *Store) Load(entry Entry) (*model.Dataset, error) {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var ds model.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &ds, nil
}

// LoadResources reads the resource usage dataset of a snapshot.
func (s *Store) LoadResources(entry Entry) (*model.ResourceDataset, error) {
	data, err := os.ReadFile(s.ResourcesPath(entry.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to read resource usage: %w", err)
	}
	var res model.ResourceDataset
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse resource usage: %w", err)
	}
	return &res, nil
}

// UpdateIndex rebuilds index.json from the snapshots on disk.
func (s *Store) UpdateIndex() (Index, error) {
	entries, err := s.LoadEntries()
	if err != nil {
		return Index{}, err
	}

	index := Index{Dates: []string{}, Revisions: []string{}}
	for _, e := range entries {
		switch {
		case e.Metadata.Date != "":
			index.Dates = append(index.Dates, e.Metadata.Date)
		case e.Metadata.Revision != "":
			index.Revisions = append(index.Revisions, e.Metadata.Revision)
		}
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return Index{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	if _, err := s.writeJSON(filepath.Join(s.dir, IndexFile), index); err != nil {
		return Index{}, err
	}
	return index, nil
}

// Find resolves a snapshot reference against entries sorted newest first:
// "0" is the newest, "-1" the one before, anything else is a name prefix.
func Find(entries []Entry, ref string) (*Entry, error) {
	if len(entries) == 0 {
		return nil, ErrNotFound
	}

	// 0 or negative integer: count back from the newest
	if n, err := strconv.Atoi(ref); err == nil && n <= 0 {
		index := -n
		if index >= len(entries) {
			return nil, fmt.Errorf("index %s out of range (only %d snapshots): %w", ref, len(entries), ErrNotFound)
		}
		return &entries[index], nil
	}

	for i := range entries {
		if strings.HasPrefix(entries[i].Name, ref) {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no snapshot matching %q: %w", ref, ErrNotFound)
}
