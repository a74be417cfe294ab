// Package cli implements the zb command-line interface.
//
// This package provides commands for installing, uninstalling, listing,
// running, and garbage-collecting packages, and for inspecting dependency
// graphs. The CLI is built using cobra and supports verbose logging via the
// charmbracelet/log library.
//
// # Commands
//
// The main commands are:
//   - install: Resolve, download, and install formulas with their dependencies
//   - uninstall: Remove installed formulas
//   - list / info: Inspect the installed set
//   - deps: Print or render the dependency graph of a formula
//   - run: Execute a formula ephemerally without linking it
//   - gc: Remove unreferenced store entries and stale cache blobs
//   - reset: Restore the prefix to a pristine state
//   - init: Create the on-disk layout
//
// # Logging
//
// All commands support --verbose (-v) for debug-level logging. Loggers are
// passed through context.Context.
package cli

import (
	"context"
	"io"

	"github.com/charmbracelet/log"

	"github.com/tj-moody/zerobrew/pkg/config"
	"github.com/tj-moody/zerobrew/pkg/install"
	"github.com/tj-moody/zerobrew/pkg/paths"
)

// appName is the application name used for directories and display.
const appName = "zb"

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{
		Logger: log.NewWithOptions(w, log.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05.00",
			Level:           level,
		}),
	}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// newPlanner assembles the install planner for the current environment:
// ZEROBREW_ROOT/ZEROBREW_PREFIX (or the platform defaults) plus
// config.toml under the root.
func (c *CLI) newPlanner(ctx context.Context) (*install.Planner, error) {
	p := paths.Default()
	cfg, err := config.Load(config.DefaultPath(p.Root))
	if err != nil {
		return nil, err
	}
	return install.New(ctx, install.Options{Paths: p, Config: cfg})
}
