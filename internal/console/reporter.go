// pattern: Imperative Shell

// Package console prints build progress for the person running devsync.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"devsync/internal/events"
)

// Reporter renders build events. It clears the screen between builds when
// attached to a terminal.
type Reporter struct {
	out         io.Writer
	interactive bool
	styles      *Styles

	mu  sync.Mutex
	url string
	// owed is set when a build finished before the address was known.
	owed bool
}

// NewReporter creates a reporter writing to out.
func NewReporter(out io.Writer, interactive bool, styles *Styles) *Reporter {
	if styles == nil {
		styles = NewStyles("")
	}
	return &Reporter{out: out, interactive: interactive, styles: styles}
}

// SetURL records the address shown after successful builds. A banner
// held back for lack of an address is printed now.
func (r *Reporter) SetURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.url = url
	if r.owed && url != "" {
		r.owed = false
		r.banner()
	}
}

// Starting announces that the server is coming up.
func (r *Reporter) Starting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	fmt.Fprintln(r.out, r.styles.AccentStyle().Render("Starting the development server..."))
	fmt.Fprintln(r.out)
}

// MissingFiles lists required files that could not be found.
func (r *Reporter) MissingFiles(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, r.styles.ErrorStyle().Render("Could not find a required file."))
	for _, p := range paths {
		fmt.Fprintf(r.out, "  Name: %s\n", r.styles.AccentStyle().Render(p))
	}
}

// PortConflict reports a busy port in non-interactive mode.
func (r *Reporter) PortConflict(port int, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := fmt.Sprintf("Something is already running on port %d.", port)
	if owner != "" {
		msg += " Probably: " + owner
	}
	fmt.Fprintln(r.out, r.styles.ErrorStyle().Render(msg))
}

func (r *Reporter) OnBuildEvent(e events.BuildEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clear()
	r.owed = false
	if e.Kind == events.Invalid {
		fmt.Fprintln(r.out, "Compiling...")
		return
	}

	switch {
	case len(e.Errors) > 0:
		fmt.Fprintln(r.out, r.styles.ErrorStyle().Render("Failed to compile."))
		fmt.Fprintln(r.out)
		r.messages(e.Errors)
		return
	case len(e.Warnings) > 0:
		fmt.Fprintln(r.out, r.styles.WarningStyle().Render("Compiled with warnings."))
		fmt.Fprintln(r.out)
		r.messages(e.Warnings)
	default:
		fmt.Fprintln(r.out, r.styles.SuccessStyle().Render("Compiled successfully!"))
	}

	if r.url == "" {
		r.owed = true
		return
	}
	r.banner()
}

func (r *Reporter) banner() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "The app is running at:")
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "  %s\n", r.styles.AccentStyle().Render(r.url))
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, r.styles.MutedStyle().Render("Note that the development build is not optimized."))
}

func (r *Reporter) messages(lines []string) {
	for _, line := range lines {
		fmt.Fprintln(r.out, strings.TrimRight(line, "\n"))
		fmt.Fprintln(r.out)
	}
}

func (r *Reporter) clear() {
	if r.interactive {
		fmt.Fprint(r.out, ansi.EraseEntireScreen+ansi.CursorHomePosition)
	}
}
