package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("ANSIBLE_GALAXY_TOKEN", "galaxy")
	t.Setenv("GITHUB_API_TOKEN", "github")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, "downloads", cfg.DownloadsDir)
	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, DefaultMaxParallel, cfg.MaxParallel)
	require.Equal(t, "https://galaxy.ansible.com/api/v1", cfg.Galaxy.BaseURL)
	require.Equal(t, "/search/roles/?format=json&page_size=1000", cfg.Galaxy.StartPath)
	require.Equal(t, "codeload.github.com", cfg.CodeHost.Host)
	require.Equal(t, "galaxy", cfg.Galaxy.Token)
	require.Equal(t, "github", cfg.CodeHost.Token)
}

func TestLoadMissingTokensAreEmpty(t *testing.T) {
	t.Setenv("ANSIBLE_GALAXY_TOKEN", "")
	t.Setenv("GITHUB_API_TOKEN", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Empty(t, cfg.Galaxy.Token)
	require.Empty(t, cfg.CodeHost.Token)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "galaxy-ingest.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
downloads_dir = "/srv/cache"
data_dir = "/srv/roles"
max_parallel = 12
state_backend = "json"
crawl_timeout = "2h"

[galaxy]
base_url = "https://galaxy.internal/api/v1"
token_env = "MY_GALAXY"
request_timeout = "30s"
max_pages = 3

[codehost]
host = "git.internal"
`), 0644))
	t.Setenv("MY_GALAXY", "custom")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/cache", cfg.DownloadsDir)
	require.Equal(t, "/srv/roles", cfg.DataDir)
	require.Equal(t, 12, cfg.MaxParallel)
	require.Equal(t, "json", cfg.StateBackend)
	require.Equal(t, 2*time.Hour, cfg.CrawlTimeout.Duration)
	require.Equal(t, 30*time.Second, cfg.Galaxy.RequestTimeout.Duration)
	require.Equal(t, 3, cfg.Galaxy.MaxPages)
	require.Equal(t, "custom", cfg.Galaxy.Token)
	require.Equal(t, "git.internal", cfg.CodeHost.Host)
	require.Equal(t, 10*time.Minute, cfg.CodeHost.RequestTimeout.Duration)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_parallel = 0
state_backend = "postgres"

[galaxy]
base_url = "not a url"
`), 0644))

	_, err := Load(path)
	require.Error(t, err)
	require.ErrorContains(t, err, "max_parallel")
	require.ErrorContains(t, err, "state_backend")
	require.ErrorContains(t, err, "galaxy.base_url")
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_parallel = ["), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "galaxy-ingest.toml")
	cfg := DefaultConfig()
	cfg.MaxParallel = 7
	cfg.Galaxy.Token = "never written"

	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "never written")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, loaded.MaxParallel)
	require.Equal(t, time.Minute, loaded.Galaxy.RequestTimeout.Duration)
}
