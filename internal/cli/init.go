package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tj-moody/zerobrew/pkg/paths"
)

// initCommand creates the "init" command: lay out the root directories and
// print the shell setup hint.
func (c *CLI) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the zerobrew directory layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := paths.Default()
			if err := p.Ensure(); err != nil {
				return err
			}
			printSuccess("Initialized %s", p.Root)
			printDetail("prefix: %s", p.Prefix)
			printInfo("Add the prefix to your PATH:")
			fmt.Fprintf(cmd.OutOrStdout(), "\n    export PATH=%q:$PATH\n\n", p.Bin())
			return nil
		},
	}
}
