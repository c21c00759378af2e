package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teamcutter/galaxy-ingest/internal/config"
)

func newInitConfigCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(flags.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", flags.configPath)
			}

			if err := config.Save(config.DefaultConfig(), flags.configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("%s Wrote %s\n", green("✓"), flags.configPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}
