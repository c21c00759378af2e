package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/teamcutter/galaxy-ingest/internal/config"
	"github.com/teamcutter/galaxy-ingest/internal/domain"
	"github.com/teamcutter/galaxy-ingest/internal/manager"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var skipFetch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl the role listing, download archives and extract them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			logger := flags.logger()
			mgr, st, err := newManager(cfg, logger, skipFetch)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			stop := func() {}
			if !cfg.ShowProgress && !flags.verbose {
				stop = withSpinner(ctx, os.Stderr, "Ingesting roles...")
			}
			report, err := mgr.Run(ctx)
			stop()
			if err != nil {
				return err
			}

			printReport(os.Stdout, report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipFetch, "skip-fetch", false, "Only list roles and extract archives that are already cached")
	return cmd
}

func printReport(w io.Writer, r *domain.Report) {
	fmt.Fprintf(w, "Retrieved %d Ansible roles.\n\n", len(r.Descriptors))

	fmt.Fprintf(w, "  %s %d downloaded, %d cached\n", cyan("fetch:"), r.Downloaded, r.CacheHits)
	fmt.Fprintf(w, "  %s %d extracted\n", cyan("extract:"), r.Extracted)
	if r.ExtractSkipped > 0 {
		fmt.Fprintf(w, "  %s %d without archive\n", dim("skipped:"), r.ExtractSkipped)
	}

	if r.FetchFailed > 0 || r.ExtractFailed > 0 {
		fmt.Fprintf(w, "%s %d download(s) and %d extraction(s) failed, see log\n",
			yellow("!"), r.FetchFailed, r.ExtractFailed)
	}
	if manager.IsPartial(r) {
		fmt.Fprintf(w, "%s listing incomplete: %v\n", red("✗"), r.CrawlErr)
	} else if r.FetchFailed == 0 && r.ExtractFailed == 0 {
		fmt.Fprintf(w, "%s done in %s\n", green("✓"), bold(r.Duration.Round(time.Millisecond)))
	}
}
