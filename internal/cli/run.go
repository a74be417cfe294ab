package cli

import (
	"github.com/spf13/cobra"

	"github.com/tj-moody/zerobrew/pkg/install"
)

// exitCodeError carries a child process exit code to main.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return "" }

// ExitCode extracts an explicit exit code from err, if present.
func ExitCode(err error) (int, bool) {
	if e, ok := err.(*exitCodeError); ok {
		return e.code, true
	}
	return 0, false
}

// runCommand creates the "run" command: execute a formula ephemerally
// without installing it into the prefix.
func (c *CLI) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <formula> [args...]",
		Short: "Run a formula ephemerally without linking it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planner, err := c.newPlanner(ctx)
			if err != nil {
				return err
			}
			defer planner.Close()

			code, err := planner.Run(ctx, args[0], args[1:], install.RunOptions{})
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}
