package cli

import (
	"github.com/spf13/cobra"
)

// gcCommand creates the "gc" command.
func (c *CLI) gcCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove unreferenced store entries and stale cache blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planner, err := c.newPlanner(ctx)
			if err != nil {
				return err
			}
			defer planner.Close()

			res, err := planner.GC(ctx)
			if err != nil {
				return err
			}
			if len(res.Entries) == 0 && len(res.Blobs) == 0 {
				printInfo("Nothing to collect")
				return nil
			}
			for _, d := range res.Entries {
				printDetail("removed store entry %s", d.Short())
			}
			for _, d := range res.Blobs {
				printDetail("pruned cached bottle %s", d.Short())
			}
			printSuccess("Removed %d store entries, pruned %d cached bottles", len(res.Entries), len(res.Blobs))
			return nil
		},
	}
}
