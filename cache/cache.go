// Package cache stores fetched artifacts on local disk, zstd-compressed, one
// file per task attempt.
//
// Each key is read and written by a single worker, so the cache does no
// locking of its own. Writes go through a temporary file and a rename so a
// crashed run never leaves a truncated entry behind.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"
)

const fileSuffix = ".json.zst"

// ErrMiss is returned by Get when no entry exists for the key.
var ErrMiss = errors.New("cache miss")

// Cache is a directory of compressed artifacts.
type Cache struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New opens (and creates if needed) a cache rooted at dir.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Cache{dir: dir, enc: enc, dec: dec}, nil
}

// Key returns the cache key of a task attempt.
func Key(taskID string, retryID int) string {
	return fmt.Sprintf("%s.%d", taskID, retryID)
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the file backing key.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, key+fileSuffix)
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("invalid cache key %q", key)
	}
	return nil
}

// Get returns the decompressed entry for key, or ErrMiss. Any other error
// means the entry exists but could not be read or decompressed.
func (c *Cache) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(c.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	data, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress cache entry: %w", err)
	}
	return data, nil
}

// Put compresses data and stores it under key, replacing any previous entry.
func (c *Cache) Put(key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(c.enc.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache entry: %w", err)
	}
	if err := os.Rename(tmpPath, c.Path(key)); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// Remove deletes the entry for key. Removing a missing entry is not an error.
func (c *Cache) Remove(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := os.Remove(c.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

// PruneStats reports what Prune removed.
type PruneStats struct {
	Removed int
	Bytes   uint64
	Kept    int
}

// Prune removes entries last modified before cutoff. It keeps going past
// individual failures and reports all of them together.
func (c *Cache) Prune(cutoff time.Time) (PruneStats, error) {
	var stats PruneStats
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return stats, fmt.Errorf("failed to list cache directory: %w", err)
	}

	var result *multierror.Error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			stats.Kept++
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		stats.Removed++
		stats.Bytes += uint64(info.Size())
	}
	return stats, result.ErrorOrNil()
}

// Close releases the compression state.
func (c *Cache) Close() {
	c.enc.Close()
	c.dec.Close()
}
