// pattern: Functional Core

package build

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"devsync/internal/config"
	"devsync/internal/events"
)

// outputParser turns build tool output into build events. Error and warning
// lines accumulate until the next Done.
type outputParser struct {
	done    *regexp.Regexp
	invalid *regexp.Regexp
	errs    *regexp.Regexp
	warns   *regexp.Regexp

	generation int
	compiling  bool
	errors     []string
	warnings   []string
}

func newOutputParser(cfg config.BuildConfig, generation int) (*outputParser, error) {
	p := &outputParser{generation: generation}
	patterns := []struct {
		name string
		expr string
		dst  **regexp.Regexp
	}{
		{"done_pattern", cfg.DonePattern, &p.done},
		{"invalid_pattern", cfg.InvalidPattern, &p.invalid},
		{"error_pattern", cfg.ErrorPattern, &p.errs},
		{"warning_pattern", cfg.WarningPattern, &p.warns},
	}
	for _, pat := range patterns {
		if pat.expr == "" {
			continue
		}
		re, err := regexp.Compile(pat.expr)
		if err != nil {
			return nil, fmt.Errorf("build.%s: %w", pat.name, err)
		}
		*pat.dst = re
	}
	if p.done == nil {
		return nil, fmt.Errorf("build.done_pattern is required")
	}
	return p, nil
}

// Feed consumes one output line and returns the events it produced.
func (p *outputParser) Feed(raw string) []events.BuildEvent {
	line := strings.TrimSpace(ansi.Strip(raw))
	if line == "" {
		return nil
	}

	var out []events.BuildEvent
	if p.invalid != nil && p.invalid.MatchString(line) {
		p.errors, p.warnings = nil, nil
		if !p.compiling {
			p.compiling = true
			out = append(out, events.BuildEvent{Kind: events.Invalid, Generation: p.generation})
		}
		return out
	}

	if p.errs != nil && p.errs.MatchString(line) {
		p.errors = append(p.errors, line)
	} else if p.warns != nil && p.warns.MatchString(line) {
		p.warnings = append(p.warnings, line)
	}

	if p.done.MatchString(line) {
		out = append(out, p.finish())
	}
	return out
}

// Exit settles a build tool that stopped. A clean exit only produces Done
// when a compilation was still open; a failed exit always does.
func (p *outputParser) Exit(code int) (events.BuildEvent, bool) {
	if code == 0 {
		if !p.compiling && len(p.errors) == 0 && len(p.warnings) == 0 {
			return events.BuildEvent{}, false
		}
		return p.finish(), true
	}
	p.errors = append(p.errors, fmt.Sprintf("build command exited with status %d", code))
	return p.finish(), true
}

func (p *outputParser) finish() events.BuildEvent {
	e := events.BuildEvent{
		Kind:       events.Done,
		Generation: p.generation,
		Errors:     p.errors,
		Warnings:   p.warnings,
	}
	p.compiling = false
	p.errors, p.warnings = nil, nil
	return e
}
