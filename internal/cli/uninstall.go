package cli

import (
	"github.com/spf13/cobra"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/install"
)

// uninstallCommand creates the "uninstall" command.
func (c *CLI) uninstallCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "uninstall <formula>...",
		Short: "Uninstall formulas",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planner, err := c.newPlanner(ctx)
			if err != nil {
				return err
			}
			defer planner.Close()

			var failed int
			for _, name := range args {
				if err := planner.Uninstall(ctx, name, install.UninstallOptions{Force: force}); err != nil {
					printError("%s: %s", name, zberr.UserMessage(err))
					failed++
					continue
				}
				printSuccess("Uninstalled %s", name)
			}
			if failed > 0 {
				return zberr.New(zberr.CodeRequired, "%d of %d packages could not be uninstalled", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "uninstall even if other packages depend on it")
	return cmd
}
