package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/teamcutter/galaxy-ingest/internal/cache"
	"github.com/teamcutter/galaxy-ingest/internal/config"
	"github.com/teamcutter/galaxy-ingest/internal/domain"
	"github.com/teamcutter/galaxy-ingest/internal/extractor"
	"github.com/teamcutter/galaxy-ingest/internal/fetcher"
	"github.com/teamcutter/galaxy-ingest/internal/logging"
	"github.com/teamcutter/galaxy-ingest/internal/manager"
	"github.com/teamcutter/galaxy-ingest/internal/registry"
	"github.com/teamcutter/galaxy-ingest/internal/state"
)

type globalFlags struct {
	configPath string
	verbose    bool
}

func Execute() error {
	flags := &globalFlags{}

	runCmd := newRunCmd(flags)
	rootCmd := &cobra.Command{
		Use:           "galaxy-ingest",
		Short:         "Mirror Ansible Galaxy role sources to local disk",
		Args:          cobra.NoArgs,
		RunE:          runCmd.RunE,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "galaxy-ingest.toml", "Path to the TOML config file")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().AddFlagSet(runCmd.Flags())

	rootCmd.AddCommand(
		runCmd,
		newListCmd(flags),
		newClearCmd(flags),
		newInitConfigCmd(flags),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
		return err
	}
	return nil
}

func (f *globalFlags) logger() *log.Logger {
	return logging.New(os.Stderr, f.verbose)
}

func openState(cfg *config.Config) (domain.State, error) {
	if cfg.StateBackend == "json" {
		return state.New(cfg.ManifestFile), nil
	}
	return state.NewSQLite(cfg.StateFile, cfg.ManifestFile)
}

func newManager(cfg *config.Config, logger *log.Logger, skipFetch bool) (*manager.Manager, domain.State, error) {
	store, err := cache.New(cfg.DownloadsDir)
	if err != nil {
		return nil, nil, err
	}

	reg, err := registry.New(registry.Options{
		BaseURL:  cfg.Galaxy.BaseURL,
		Token:    cfg.Galaxy.Token,
		Timeout:  cfg.Galaxy.RequestTimeout.Duration,
		MaxPages: cfg.Galaxy.MaxPages,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}

	st, err := openState(cfg)
	if err != nil {
		return nil, nil, err
	}

	f := fetcher.New(store, fetcher.Options{
		BaseURL:  "https://" + cfg.CodeHost.Host,
		Token:    cfg.CodeHost.Token,
		Timeout:  cfg.CodeHost.RequestTimeout.Duration,
		Progress: cfg.ShowProgress,
		Logger:   logger,
	})

	return manager.New(
		reg,
		f,
		store,
		extractor.New(store, cfg.DataDir),
		st,
		manager.Options{
			StartPath:    cfg.Galaxy.StartPath,
			MaxParallel:  cfg.MaxParallel,
			CrawlTimeout: cfg.CrawlTimeout.Duration,
			SkipFetch:    skipFetch,
			Logger:       logger,
		}), st, nil
}
