// pattern: Imperative Shell
package cli

import (
	"errors"
	"fmt"
	"io"

	"devsync/internal/instance"
)

// Discoverer finds the base URL of a running devsync for a data directory.
type Discoverer func(dataDir string) (string, error)

// BuildApp creates the CLI application. root is the project root whose
// instance the commands talk to.
func BuildApp(version, root string) *App {
	return buildApp(version, instance.DataDir(root), instance.Discover)
}

func buildApp(version, dataDir string, discover Discoverer) *App {
	app := NewApp(version)

	app.AddCommand(&Command{
		Name:    "status",
		Summary: "Show whether a dev server is running for this project",
		Usage:   "Usage: devsync status",
		Run: func(args []string) error {
			return runStatusCommand(app.Out, dataDir, discover)
		},
	})

	app.AddCommand(&Command{
		Name:    "cleanup",
		Summary: "Remove stale lock/port files from a crashed instance",
		Usage:   "Usage: devsync cleanup",
		Run: func(args []string) error {
			return runCleanupCommand(app.Out, dataDir)
		},
	})

	app.AddCommand(&Command{
		Name:    "version",
		Summary: "Print version and exit",
		Usage:   "Usage: devsync version",
		Run: func(args []string) error {
			fmt.Fprintln(app.Out, version)
			return nil
		},
	})

	return app
}

// runStatusCommand asks the running instance for its health.
func runStatusCommand(out io.Writer, dataDir string, discover Discoverer) error {
	baseURL, err := discover(dataDir)
	if err != nil {
		if errors.Is(err, instance.ErrNotRunning) {
			return &ExitError{Code: 1, Message: "devsync is not running for this project"}
		}
		return err
	}

	health, err := instance.NewClient(baseURL).Health()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "devsync is running at %s\n", baseURL)
	fmt.Fprintf(out, "  generation: %d\n", health.Generation)
	fmt.Fprintf(out, "  ready:      %t\n", health.Ready)
	return nil
}

// runCleanupCommand removes stale lock and port files from a crashed instance.
func runCleanupCommand(out io.Writer, dataDir string) error {
	removed, err := instance.RemoveStale(dataDir)
	if errors.Is(err, instance.ErrRunning) {
		return &ExitError{Code: 1, Message: "Error: a devsync instance appears to be running. Stop it first."}
	}
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Fprintln(out, "Nothing to clean up.")
		return nil
	}
	fmt.Fprintln(out, "Cleaned up stale lock and port files.")
	return nil
}
