package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/testprof/cache"
	"github.com/perfgo/testprof/metrics"
)

const profileDoc = `{"meta": {"startTime": 1700000000000, "logicalCPUs": 4}, "threads": []}`

type artifactServer struct {
	*httptest.Server
	requests atomic.Int32
}

func newArtifactServer(t *testing.T, handler http.HandlerFunc) *artifactServer {
	t.Helper()
	s := &artifactServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func serveDoc(doc string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(doc))
	}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestURL(t *testing.T) {
	f := New(zerolog.Nop(), Config{RootURL: "https://tc.example.com/"})
	require.Equal(t,
		"https://tc.example.com/api/queue/v1/task/abc/runs/1/artifacts/public/test_info/profile_resource-usage.json",
		f.URL("abc", 1))
}

func TestFetchNetworkThenCache(t *testing.T) {
	var gotPath string
	srv := newArtifactServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(profileDoc))
	})
	c := newTestCache(t)
	m := metrics.New()
	f := New(zerolog.Nop(), Config{RootURL: srv.URL, Cache: c, Metrics: m})

	p, err := f.Fetch(context.Background(), "task1", 0)
	require.NoError(t, err)
	require.Equal(t, 4, p.Meta.LogicalCPUs)
	require.Equal(t, "/api/queue/v1/task/task1/runs/0/artifacts/"+DefaultArtifactPath, gotPath)

	// Second fetch is served from the cache.
	p, err = f.Fetch(context.Background(), "task1", 0)
	require.NoError(t, err)
	require.Equal(t, 4, p.Meta.LogicalCPUs)
	require.Equal(t, int32(1), srv.requests.Load())

	_, err = os.Stat(c.Path(cache.Key("task1", 0)))
	require.NoError(t, err)

	expected := `
# HELP testprof_artifact_fetch_total Artifact lookups by source and result.
# TYPE testprof_artifact_fetch_total counter
testprof_artifact_fetch_total{result="hit",source="cache"} 1
testprof_artifact_fetch_total{result="miss",source="cache"} 1
testprof_artifact_fetch_total{result="ok",source="network"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "testprof_artifact_fetch_total"))
}

func TestFetchNotFound(t *testing.T) {
	srv := newArtifactServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	c := newTestCache(t)
	f := New(zerolog.Nop(), Config{RootURL: srv.URL, Cache: c})

	_, err := f.Fetch(context.Background(), "gone", 0)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.Get(cache.Key("gone", 0))
	require.ErrorIs(t, err, cache.ErrMiss)
}

func TestFetchServerError(t *testing.T) {
	srv := newArtifactServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	f := New(zerolog.Nop(), Config{RootURL: srv.URL})

	_, err := f.Fetch(context.Background(), "t", 0)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestFetchInvalidDocument(t *testing.T) {
	srv := newArtifactServer(t, serveDoc("<html>oops</html>"))
	c := newTestCache(t)
	f := New(zerolog.Nop(), Config{RootURL: srv.URL, Cache: c})

	_, err := f.Fetch(context.Background(), "t", 0)
	require.Error(t, err)

	// Nothing unparseable is cached.
	_, err = c.Get(cache.Key("t", 0))
	require.ErrorIs(t, err, cache.ErrMiss)
}

func TestFetchMalformedDocument(t *testing.T) {
	const doc = `{"meta": {"logicalCPUs": "8"}, "threads": [{"markers": [1, 2, 3]}]}`
	srv := newArtifactServer(t, serveDoc(doc))
	c := newTestCache(t)
	f := New(zerolog.Nop(), Config{RootURL: srv.URL, Cache: c})

	// Valid JSON in the wrong shape is an artifact without events, not a
	// failed download.
	p, err := f.Fetch(context.Background(), "t", 0)
	require.NoError(t, err)
	require.True(t, p.Malformed)
	require.Empty(t, p.Markers())

	data, err := c.Get(cache.Key("t", 0))
	require.NoError(t, err)
	require.JSONEq(t, doc, string(data))

	// Served from the cache the second time.
	p, err = f.Fetch(context.Background(), "t", 0)
	require.NoError(t, err)
	require.True(t, p.Malformed)
	require.Equal(t, int32(1), srv.requests.Load())
}

func TestFetchGzipBody(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(profileDoc))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := newArtifactServer(t, serveDoc(buf.String()))
	f := New(zerolog.Nop(), Config{RootURL: srv.URL})

	p, err := f.Fetch(context.Background(), "t", 0)
	require.NoError(t, err)
	require.Equal(t, 4, p.Meta.LogicalCPUs)
}

func TestFetchCorruptedCacheEntry(t *testing.T) {
	srv := newArtifactServer(t, serveDoc(profileDoc))
	c := newTestCache(t)
	key := cache.Key("t", 3)
	require.NoError(t, os.WriteFile(c.Path(key), []byte("garbage"), 0644))

	f := New(zerolog.Nop(), Config{RootURL: srv.URL, Cache: c})
	p, err := f.Fetch(context.Background(), "t", 3)
	require.NoError(t, err)
	require.Equal(t, 4, p.Meta.LogicalCPUs)
	require.Equal(t, int32(1), srv.requests.Load())

	// The entry was replaced by a good one.
	data, err := c.Get(key)
	require.NoError(t, err)
	require.JSONEq(t, profileDoc, string(data))
}

func TestFetchUnparseableCacheEntry(t *testing.T) {
	srv := newArtifactServer(t, serveDoc(profileDoc))
	c := newTestCache(t)
	key := cache.Key("t", 0)
	require.NoError(t, c.Put(key, []byte("{truncated")))

	f := New(zerolog.Nop(), Config{RootURL: srv.URL, Cache: c})
	_, err := f.Fetch(context.Background(), "t", 0)
	require.NoError(t, err)
	require.Equal(t, int32(1), srv.requests.Load())
}

func TestFetchForceSkipsCacheRead(t *testing.T) {
	srv := newArtifactServer(t, serveDoc(profileDoc))
	c := newTestCache(t)
	require.NoError(t, c.Put(cache.Key("t", 0), []byte(`{"meta": {"logicalCPUs": 99}}`)))

	f := New(zerolog.Nop(), Config{RootURL: srv.URL, Cache: c, Force: true})
	p, err := f.Fetch(context.Background(), "t", 0)
	require.NoError(t, err)
	require.Equal(t, 4, p.Meta.LogicalCPUs)

	// The forced download refreshed the entry.
	data, err := c.Get(cache.Key("t", 0))
	require.NoError(t, err)
	require.JSONEq(t, profileDoc, string(data))
}

func TestFetchCacheWriteFailureIsIgnored(t *testing.T) {
	srv := newArtifactServer(t, serveDoc(profileDoc))
	c := newTestCache(t)
	require.NoError(t, os.RemoveAll(c.Dir()))

	m := metrics.New()
	f := New(zerolog.Nop(), Config{RootURL: srv.URL, Cache: c, Metrics: m})
	p, err := f.Fetch(context.Background(), "t", 0)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestFetchContextCanceled(t *testing.T) {
	srv := newArtifactServer(t, serveDoc(profileDoc))
	f := New(zerolog.Nop(), Config{RootURL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, "t", 0)
	require.ErrorIs(t, err, context.Canceled)
}
