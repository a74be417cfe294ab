package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tj-moody/zerobrew/pkg/dag"
)

// depsCommand creates the "deps" command: print the resolved dependency
// closure, or export it as DOT/SVG.
func (c *CLI) depsCommand() *cobra.Command {
	var (
		dotOut   bool
		svgPath  string
		detailed bool
	)

	cmd := &cobra.Command{
		Use:   "deps <formula>...",
		Short: "Show the dependency graph of formulas",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planner, err := c.newPlanner(ctx)
			if err != nil {
				return err
			}
			defer planner.Close()

			spin := newSpinner(ctx, "Resolving dependencies...")
			spin.Start()
			plan, err := planner.Resolve(ctx, args, false)
			spin.Stop()
			if err != nil {
				return err
			}

			if dotOut {
				fmt.Fprint(cmd.OutOrStdout(), dag.ToDOT(plan.Graph, dag.DotOptions{Detailed: detailed}))
				return nil
			}
			if svgPath != "" {
				svg, err := dag.RenderSVG(ctx, dag.ToDOT(plan.Graph, dag.DotOptions{Detailed: detailed}))
				if err != nil {
					return err
				}
				if err := os.WriteFile(svgPath, svg, 0o644); err != nil {
					return err
				}
				printSuccess("Wrote %s", svgPath)
				return nil
			}

			order, err := plan.Order()
			if err != nil {
				return err
			}
			for _, name := range order {
				bottle := plan.Bottles[name]
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n",
					StyleValue.Render(name), StyleDim.Render(bottle.Version))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dotOut, "dot", false, "print the graph in Graphviz DOT format")
	cmd.Flags().StringVar(&svgPath, "svg", "", "render the graph to an SVG file")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "include versions and digests in graph labels")
	return cmd
}
