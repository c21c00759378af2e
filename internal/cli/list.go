package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/teamcutter/galaxy-ingest/internal/config"
	"github.com/teamcutter/galaxy-ingest/internal/domain"
)

func newListCmd(flags *globalFlags) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List extracted role trees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			st, err := openState(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			trees, err := st.List()
			if err != nil {
				return err
			}

			var selected []*domain.ExtractedTree
			for _, tree := range trees {
				if owner != "" && tree.Owner != owner {
					continue
				}
				selected = append(selected, tree)
			}

			if len(selected) == 0 {
				fmt.Printf("\n%s No extracted roles\n", dim("○"))
				return nil
			}

			sort.Slice(selected, func(i, j int) bool {
				if selected[i].Owner != selected[j].Owner {
					return selected[i].Owner < selected[j].Owner
				}
				return selected[i].Repository < selected[j].Repository
			})

			fmt.Printf("Extracted roles:\n\n")
			for _, tree := range selected {
				fmt.Printf(" %s %s\n   %s %s\n", bold(tree.Owner+"/"+tree.Repository),
					dim("@"+tree.Ref), cyan("path:"), tree.Path)
			}
			fmt.Printf("\n%d role(s)\n", len(selected))

			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only show roles of this owner")
	return cmd
}
