// Package update checks GitHub for a newer tachyon release.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/tachyonhq/tachyon/internal/version"
)

const (
	// DefaultURL is the GitHub API endpoint for the latest release.
	DefaultURL = "https://api.github.com/repos/tachyonhq/tachyon/releases/latest"

	cacheTTL  = 24 * time.Hour
	cacheFile = "update-check.json"
)

// Info contains update check results
type Info struct {
	LatestVersion   string    `json:"latest_version"`
	CurrentVersion  string    `json:"current_version"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
	UpdateAvailable bool      `json:"update_available"`
}

// githubRelease represents the GitHub API response
type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Checker queries the release endpoint and caches the answer on disk.
type Checker struct {
	URL      string
	CacheDir string
	Client   *http.Client
	now      func() time.Time
}

// NewChecker returns a checker for the public release endpoint using the
// user cache directory.
func NewChecker() *Checker {
	dir, _ := cacheDir()
	return &Checker{URL: DefaultURL, CacheDir: dir}
}

// CheckWithCache checks for updates using cache when available
func (c *Checker) CheckWithCache(ctx context.Context) (*Info, error) {
	current := version.Short()

	// Cache hit: only the comparison is redone, the running binary may have
	// changed since.
	info, err := c.loadCache()
	if err == nil && c.since(info.CheckedAt) < cacheTTL {
		info.CurrentVersion = current
		info.UpdateAvailable = newer(current, info.LatestVersion)
		return info, nil
	}

	info, err = c.Check(ctx)
	if err != nil {
		return nil, err
	}

	_ = c.saveCache(info)
	return info, nil
}

// Check fetches the latest release, bypassing the cache.
func (c *Checker) Check(ctx context.Context) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "tachyon/"+version.Short())

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, err
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	current := version.Short()

	return &Info{
		LatestVersion:   latest,
		CurrentVersion:  current,
		ReleaseURL:      release.HTMLURL,
		CheckedAt:       c.time(),
		UpdateAvailable: newer(current, latest),
	}, nil
}

// newer reports whether latest is a higher version than current. Unparsable
// versions, such as development builds, never report an update.
func newer(current, latest string) bool {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	lat, err := semver.NewVersion(latest)
	if err != nil {
		return false
	}
	return lat.GreaterThan(cur)
}

func (c *Checker) time() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Checker) since(t time.Time) time.Duration {
	return c.time().Sub(t)
}

// cacheDir returns the cache directory path
func cacheDir() (string, error) {
	// Use XDG_CACHE_HOME if set, otherwise ~/.cache
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		cacheHome = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheHome, "tachyon"), nil
}

func (c *Checker) loadCache() (*Info, error) {
	if c.CacheDir == "" {
		return nil, os.ErrNotExist
	}

	data, err := os.ReadFile(filepath.Join(c.CacheDir, cacheFile))
	if err != nil {
		return nil, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Checker) saveCache(info *Info) error {
	if c.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.CacheDir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.CacheDir, cacheFile), data, 0o644)
}
