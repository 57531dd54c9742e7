// pattern: Functional Core
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Command represents a single CLI command with its metadata and handler.
type Command struct {
	Name    string
	Summary string
	Usage   string
	Run     func(args []string) error
}

// ExitError carries a specific exit status out of a command. Message is
// printed to stderr when non-empty.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Message
}

// App dispatches subcommands. Anything that is not a known subcommand
// starts the dev server.
type App struct {
	commands map[string]*Command
	order    []string
	version  string

	Out io.Writer
	Err io.Writer
}

// NewApp creates a new CLI application with the given version.
func NewApp(version string) *App {
	return &App{
		commands: make(map[string]*Command),
		version:  version,
		Out:      os.Stdout,
		Err:      os.Stderr,
	}
}

// AddCommand registers a subcommand. Help lists commands in registration
// order.
func (a *App) AddCommand(cmd *Command) {
	if _, ok := a.commands[cmd.Name]; !ok {
		a.order = append(a.order, cmd.Name)
	}
	a.commands[cmd.Name] = cmd
}

// Execute dispatches the CLI arguments. launch is true when the dev server
// should start; otherwise code is the process exit status.
func (a *App) Execute(args []string) (launch bool, code int) {
	if len(args) == 0 {
		return true, 0
	}

	name := args[0]
	switch name {
	case "start":
		return true, 0
	case "help":
		a.PrintHelp(a.Out)
		return false, 0
	}

	cmd, ok := a.commands[name]
	if !ok {
		if len(name) > 0 && name[0] == '-' {
			// Flags belong to the dev server.
			return true, 0
		}
		fmt.Fprintf(a.Err, "unknown command %q\n\n", name)
		a.PrintHelp(a.Err)
		return false, 1
	}

	for _, arg := range args[1:] {
		if arg == "--help" || arg == "-h" {
			fmt.Fprintf(a.Out, "%s\n", cmd.Usage)
			return false, 0
		}
	}

	if err := cmd.Run(args[1:]); err != nil {
		var exit *ExitError
		if errors.As(err, &exit) {
			if exit.Message != "" {
				fmt.Fprintf(a.Err, "%s\n", exit.Message)
			}
			return false, exit.Code
		}
		fmt.Fprintf(a.Err, "error: %v\n", err)
		return false, 1
	}
	return false, 0
}

// PrintHelp prints the top-level help text.
func (a *App) PrintHelp(w io.Writer) {
	fmt.Fprintf(w, "Usage: devsync [options] [command]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  %-10s %s\n", "start", "Start the development server (default)")
	for _, name := range a.order {
		cmd := a.commands[name]
		fmt.Fprintf(w, "  %-10s %s\n", cmd.Name, cmd.Summary)
	}
	fmt.Fprintf(w, "\nUse \"devsync <command> --help\" for command details.\n")
	fmt.Fprintf(w, "Run \"devsync start --help\" for server options.\n")
}
