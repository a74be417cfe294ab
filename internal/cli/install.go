package cli

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
	"github.com/tj-moody/zerobrew/pkg/install"
)

// installCommand creates the "install" command.
func (c *CLI) installCommand() *cobra.Command {
	var (
		noLink  bool
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "install <formula>...",
		Short: "Install formulas and their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planner, err := c.newPlanner(ctx)
			if err != nil {
				return err
			}
			defer planner.Close()

			track := newProgress(c.Logger)

			progressCb, finish := c.installProgress()
			res, err := planner.Install(ctx, args, install.InstallOptions{
				Explicit: true,
				NoLink:   noLink,
				Refresh:  refresh,
				Progress: progressCb,
			})
			finish()
			if res != nil {
				c.reportResult(res)
			}
			if err != nil {
				return err
			}
			track.done(fmt.Sprintf("Installed %d packages", len(res.Installed)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noLink, "no-link", false, "skip linking executables into the prefix")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the catalog cache")
	return cmd
}

// installProgress returns the event callback for an install plus a finish
// func flushing the display. Interactive terminals get the live bubbletea
// view; everything else gets log lines.
func (c *CLI) installProgress() (install.Progress, func()) {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return func(e install.Event) {
			switch e.Kind {
			case install.EventDownloadStarted:
				c.Logger.Debug("downloading", "formula", e.Name, "version", e.Version)
			case install.EventIngested:
				c.Logger.Debug("unpacked", "formula", e.Name)
			case install.EventCommitted:
				c.Logger.Info("installed", "formula", e.Name, "version", e.Version)
			case install.EventSkipped:
				c.Logger.Info("already installed", "formula", e.Name, "version", e.Version)
			case install.EventFailed:
				c.Logger.Error("failed", "formula", e.Name, "err", e.Err)
			}
		}, func() {}
	}

	program := tea.NewProgram(NewInstallModel(), tea.WithOutput(os.Stderr))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = program.Run()
	}()

	cb := func(e install.Event) { program.Send(eventMsg(e)) }
	finish := func() {
		program.Send(installDoneMsg{})
		<-done
	}
	return cb, finish
}

// reportResult renders one line per failing package plus an aggregate.
func (c *CLI) reportResult(res *install.Result) {
	for _, ne := range res.Failed {
		printError("%s: %s", ne.Name, zberr.UserMessage(ne.Err))
	}
	if len(res.Failed) > 0 {
		printWarning("%d of %d packages failed", len(res.Failed), len(res.Failed)+len(res.Installed)+len(res.Satisfied))
	}
}
