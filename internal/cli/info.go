package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

// infoCommand creates the "info" command.
func (c *CLI) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <formula>",
		Short: "Show details of an installed formula",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planner, err := c.newPlanner(ctx)
			if err != nil {
				return err
			}
			defer planner.Close()

			name := args[0]
			pkg, err := planner.DB().GetPackage(ctx, name)
			if err != nil {
				return err
			}
			if pkg == nil {
				return zberr.New(zberr.CodeNotInstalled, "formula %q is not installed", name)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", StyleTitle.Render(pkg.Name), pkg.Version)
			fmt.Fprintf(out, "%s %s\n", StyleDim.Render("store:"), pkg.StoreDigest.Short())
			fmt.Fprintf(out, "%s %s\n", StyleDim.Render("installed:"), pkg.InstalledAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "%s %v\n", StyleDim.Render("explicit:"), pkg.Explicit)
			if len(pkg.DependsOn) > 0 {
				fmt.Fprintf(out, "%s %s\n", StyleDim.Render("depends on:"), strings.Join(pkg.DependsOn, ", "))
			}

			dependents, err := planner.DB().Dependents(ctx, name)
			if err != nil {
				return err
			}
			if len(dependents) > 0 {
				fmt.Fprintf(out, "%s %s\n", StyleDim.Render("required by:"), strings.Join(dependents, ", "))
			}
			return nil
		},
	}
}
