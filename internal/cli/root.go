package cli

import (
	"github.com/spf13/cobra"

	"github.com/tj-moody/zerobrew/pkg/buildinfo"
)

// RootCommand builds the zb command tree.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "zb is a fast Homebrew-bottle-compatible package installer",
		Long:         `zb installs precompiled Homebrew bottles through a content-addressable store with copy-on-write materialization, so installs are parallel, verified, and cheap to undo.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(buildinfo.Template())

	root.AddCommand(c.installCommand())
	root.AddCommand(c.uninstallCommand())
	root.AddCommand(c.listCommand())
	root.AddCommand(c.infoCommand())
	root.AddCommand(c.depsCommand())
	root.AddCommand(c.runCommand())
	root.AddCommand(c.gcCommand())
	root.AddCommand(c.resetCommand())
	root.AddCommand(c.initCommand())
	root.AddCommand(c.cacheCommand())

	return root
}
