package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// listCommand creates the "list" command.
func (c *CLI) listCommand() *cobra.Command {
	var explicitOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed formulas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planner, err := c.newPlanner(ctx)
			if err != nil {
				return err
			}
			defer planner.Close()

			packages, err := planner.DB().ListPackages(ctx)
			if err != nil {
				return err
			}
			if len(packages) == 0 {
				printInfo("No formulas installed")
				return nil
			}

			for _, pkg := range packages {
				if explicitOnly && !pkg.Explicit {
					continue
				}
				marker := ""
				if !pkg.Explicit {
					marker = StyleDim.Render("  (dependency)")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s%s\n",
					StyleValue.Render(pkg.Name), StyleDim.Render(pkg.Version), marker)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&explicitOnly, "explicit", false, "only show explicitly installed formulas")
	return cmd
}
