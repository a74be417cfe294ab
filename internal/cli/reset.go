package cli

import (
	"github.com/spf13/cobra"

	"github.com/tj-moody/zerobrew/pkg/install"
)

// resetCommand creates the "reset" command.
func (c *CLI) resetCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove all installed packages and restore a pristine prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planner, err := c.newPlanner(ctx)
			if err != nil {
				return err
			}
			defer planner.Close()

			if err := planner.Reset(ctx, install.ResetOptions{All: all}); err != nil {
				return err
			}
			if all {
				printSuccess("Reset prefix, store, and cache")
			} else {
				printSuccess("Reset prefix; store and cache kept (run 'zb gc' or 'zb reset --all' to reclaim)")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "also wipe the store and the bottle cache")
	return cmd
}
