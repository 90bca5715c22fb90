// Package fetch retrieves profile artifacts, cache first and network second.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/perfgo/testprof/artifact"
	"github.com/perfgo/testprof/cache"
	"github.com/perfgo/testprof/metrics"
)

const (
	DefaultRootURL      = "https://firefox-ci-tc.services.mozilla.com"
	DefaultArtifactPath = "public/test_info/profile_resource-usage.json"
	DefaultTimeout      = 2 * time.Minute
)

// ErrNotFound is returned when the task has no such artifact (expired,
// never uploaded, or unknown task).
var ErrNotFound = errors.New("artifact not found")

// Config configures a Fetcher.
type Config struct {
	// Task queue root URL
	RootURL string
	// Artifact name within a task run
	ArtifactPath string
	// HTTP client used for downloads; a client with DefaultTimeout if nil
	Client *http.Client
	// Local artifact cache; caching is disabled if nil
	Cache *cache.Cache
	// Skip cache reads (entries are still written)
	Force bool
	// Optional counters
	Metrics *metrics.Metrics
}

// Fetcher retrieves artifacts. It is safe for concurrent use as long as no
// two callers fetch the same task attempt at the same time.
type Fetcher struct {
	logger zerolog.Logger
	cfg    Config
}

// New creates a Fetcher.
func New(logger zerolog.Logger, cfg Config) *Fetcher {
	if cfg.RootURL == "" {
		cfg.RootURL = DefaultRootURL
	}
	cfg.RootURL = strings.TrimSuffix(cfg.RootURL, "/")
	if cfg.ArtifactPath == "" {
		cfg.ArtifactPath = DefaultArtifactPath
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Fetcher{logger: logger, cfg: cfg}
}

// URL returns the download URL of a task attempt's artifact.
func (f *Fetcher) URL(taskID string, retryID int) string {
	return fmt.Sprintf("%s/api/queue/v1/task/%s/runs/%d/artifacts/%s",
		f.cfg.RootURL, url.PathEscape(taskID), retryID, f.cfg.ArtifactPath)
}

// Fetch returns the parsed artifact of a task attempt. A missing artifact
// returns ErrNotFound; network and decoding failures return other errors.
// Cache problems are never returned: they are logged and the artifact is
// downloaded again.
func (f *Fetcher) Fetch(ctx context.Context, taskID string, retryID int) (*artifact.Profile, error) {
	key := cache.Key(taskID, retryID)
	logger := f.logger.With().Str("task", key).Logger()

	if f.cfg.Cache != nil && !f.cfg.Force {
		if p, ok := f.fromCache(logger, key); ok {
			return p, nil
		}
	}

	artifactURL := f.URL(taskID, retryID)
	data, err := f.download(ctx, artifactURL)
	if err != nil {
		result := metrics.ResultError
		if errors.Is(err, ErrNotFound) {
			result = metrics.ResultNotFound
		}
		f.cfg.Metrics.Fetch(metrics.SourceNetwork, result)
		logger.Debug().
			Err(err).
			Str("reproduce", shellescape.QuoteCommand([]string{"curl", "-sSL", "--compressed", artifactURL})).
			Msg("Failed to download artifact")
		return nil, err
	}

	p, err := artifact.Parse(data)
	if err != nil {
		f.cfg.Metrics.Fetch(metrics.SourceNetwork, metrics.ResultError)
		return nil, fmt.Errorf("failed to parse artifact %s: %w", key, err)
	}
	f.cfg.Metrics.Fetch(metrics.SourceNetwork, metrics.ResultOK)
	logger.Debug().Str("size", humanize.Bytes(uint64(len(data)))).Msg("Downloaded artifact")

	if f.cfg.Cache != nil {
		if err := f.cfg.Cache.Put(key, data); err != nil {
			f.cfg.Metrics.CacheWrite(metrics.ResultError)
			logger.Warn().Err(err).Msg("Failed to write cache entry")
		} else {
			f.cfg.Metrics.CacheWrite(metrics.ResultOK)
		}
	}
	return p, nil
}

// fromCache returns the cached artifact, if a usable one exists. Unreadable
// entries are dropped so the next run does not trip over them again.
func (f *Fetcher) fromCache(logger zerolog.Logger, key string) (*artifact.Profile, bool) {
	data, err := f.cfg.Cache.Get(key)
	if errors.Is(err, cache.ErrMiss) {
		f.cfg.Metrics.Fetch(metrics.SourceCache, metrics.ResultMiss)
		return nil, false
	}
	if err == nil {
		p, perr := artifact.Parse(data)
		if perr == nil {
			f.cfg.Metrics.Fetch(metrics.SourceCache, metrics.ResultHit)
			return p, true
		}
		err = perr
	}

	f.cfg.Metrics.Fetch(metrics.SourceCache, metrics.ResultCorrupt)
	logger.Debug().Err(err).Msg("Discarding unusable cache entry")
	if rmErr := f.cfg.Cache.Remove(key); rmErr != nil {
		logger.Debug().Err(rmErr).Msg("Failed to remove cache entry")
	}
	return nil, false
}

func (f *Fetcher) download(ctx context.Context, artifactURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status downloading artifact: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact body: %w", err)
	}
	return maybeGunzip(data)
}

// maybeGunzip decompresses data if it carries the gzip magic number. Some
// artifacts are uploaded pre-compressed without a Content-Encoding header.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip artifact: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress artifact: %w", err)
	}
	return out, nil
}
