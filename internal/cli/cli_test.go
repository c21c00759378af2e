package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/teamcutter/galaxy-ingest/internal/config"
	"github.com/teamcutter/galaxy-ingest/internal/domain"
	"github.com/teamcutter/galaxy-ingest/internal/registry"
	"github.com/teamcutter/galaxy-ingest/internal/state"
)

func init() {
	color.NoColor = true
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &domain.Report{
		Descriptors: make([]domain.Descriptor, 6),
		Downloaded:  4,
		CacheHits:   2,
		Extracted:   6,
		Duration:    1500 * time.Millisecond,
	})

	out := buf.String()
	require.Contains(t, out, "Retrieved 6 Ansible roles.")
	require.Contains(t, out, "4 downloaded, 2 cached")
	require.Contains(t, out, "done in 1.5s")
}

func TestPrintReportWithFailures(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &domain.Report{
		Descriptors:    make([]domain.Descriptor, 2),
		FetchFailed:    1,
		ExtractSkipped: 1,
		CrawlErr:       errors.Join(registry.ErrPageFailed, errors.New("status 502")),
	})

	out := buf.String()
	require.Contains(t, out, "Retrieved 2 Ansible roles.")
	require.Contains(t, out, "1 download(s) and 0 extraction(s) failed")
	require.Contains(t, out, "listing incomplete")
	require.NotContains(t, out, "done in")
}

func TestFormatSize(t *testing.T) {
	require.Equal(t, "512 B", formatSize(512))
	require.Equal(t, "1.5 KB", formatSize(1536))
	require.Equal(t, "2.0 MB", formatSize(2<<20))
	require.Equal(t, "1.0 GB", formatSize(1<<30))
}

func TestOpenStateBackends(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StateFile = filepath.Join(dir, "state.db")
	cfg.ManifestFile = filepath.Join(dir, "extracted.json")

	st, err := openState(cfg)
	require.NoError(t, err)
	require.IsType(t, &state.SQLiteState{}, st)
	require.NoError(t, st.Close())

	cfg.StateBackend = "json"
	st, err = openState(cfg)
	require.NoError(t, err)
	require.IsType(t, &state.ManifestState{}, st)
}

func TestInitConfigRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "galaxy-ingest.toml")
	flags := &globalFlags{configPath: path}

	cmd := newInitConfigCmd(flags)
	require.NoError(t, cmd.RunE(cmd, nil))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig().MaxParallel, cfg.MaxParallel)

	require.Error(t, cmd.RunE(cmd, nil))

	require.NoError(t, cmd.Flags().Set("force", "true"))
	require.NoError(t, cmd.RunE(cmd, nil))
}

func TestSpinnerDrawsOnGivenWriter(t *testing.T) {
	var buf bytes.Buffer
	stop := withSpinner(context.Background(), &buf, "Ingesting roles...")
	time.Sleep(250 * time.Millisecond)
	stop()

	require.Contains(t, buf.String(), "Ingesting roles...")
}
