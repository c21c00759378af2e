package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/teamcutter/galaxy-ingest/internal/cache"
	"github.com/teamcutter/galaxy-ingest/internal/config"
)

func newClearCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the archive download cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			c, err := cache.New(cfg.DownloadsDir)
			if err != nil {
				return err
			}

			size, _ := c.Size()

			if err := c.Clear(); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}

			fmt.Printf("%s Cache cleared (%s freed)\n", green("✓"), formatSize(size))
			return nil
		},
	}
}
