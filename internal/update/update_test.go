package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyonhq/tachyon/internal/version"
)

func TestNewer(t *testing.T) {
	tests := []struct {
		current string
		latest  string
		want    bool
	}{
		{"1.0.0", "1.0.1", true},
		{"v1.0.0", "1.0.1", true},
		{"1.0.1", "1.0.0", false},
		{"1.0.0", "1.0.0", false},
		{"0.9.0", "0.10.0", true},
		{"1.0.0-beta", "1.0.0", true},
		{"dev", "1.0.0", false},
		{"1.0.0", "garbage", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, newer(tt.current, tt.latest), "%s -> %s", tt.current, tt.latest)
	}
}

func withVersion(t *testing.T, v string) {
	t.Helper()
	old := version.Version
	version.Version = v
	t.Cleanup(func() { version.Version = old })
}

func TestCheckWithCache(t *testing.T) {
	withVersion(t, "1.2.0")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "tachyon/1.2.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"tag_name":"v1.3.0","html_url":"https://github.com/tachyonhq/tachyon/releases/tag/v1.3.0"}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := &Checker{URL: srv.URL, CacheDir: t.TempDir(), now: func() time.Time { return now }}

	info, err := c.CheckWithCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", info.LatestVersion)
	assert.True(t, info.UpdateAvailable)

	// served from cache, compared against the running version
	withVersion(t, "1.3.0")
	info, err = c.CheckWithCache(context.Background())
	require.NoError(t, err)
	assert.False(t, info.UpdateAvailable)
	assert.Equal(t, int32(1), hits.Load())

	// expired
	now = now.Add(25 * time.Hour)
	_, err = c.CheckWithCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCheck_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := (&Checker{URL: srv.URL}).Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/cache-home")
	dir, err := cacheDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cache-home/tachyon", dir)
}
