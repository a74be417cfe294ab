package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tj-moody/zerobrew/internal/cli"
	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

// Exit codes: 0 success, 1 generic failure, 2 usage error, 3 lock
// contention timeout, 130 interrupt.
const (
	exitFailure     = 1
	exitUsage       = 2
	exitLockTimeout = 3
	exitInterrupt   = 130
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		if code, ok := cli.ExitCode(err); ok {
			os.Exit(code)
		}
		if errors.Is(err, context.Canceled) || zberr.Is(err, zberr.CodeCancelled) {
			os.Exit(exitInterrupt)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		if zberr.Is(err, zberr.CodeLockTimeout) {
			os.Exit(exitLockTimeout)
		}
		os.Exit(exitFailure)
	}
}

func run(ctx context.Context) error {
	var verbose bool

	c := cli.New(os.Stderr, cli.LogInfo)
	root := c.RootCommand()

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			c.SetLogLevel(cli.LogDebug)
		}
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintln(os.Stderr, "error:", err)
		_ = cmd.Usage()
		os.Exit(exitUsage)
		return err
	})

	return root.ExecuteContext(ctx)
}
