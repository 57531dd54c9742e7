// pattern: Imperative Shell

package port

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const ownerLookupTimeout = 2 * time.Second

// CommandRunner runs a command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// LsofLookup describes a port owner using lsof and ps. Any failure yields
// ok=false.
type LsofLookup struct {
	Run CommandRunner // nil uses exec.CommandContext
}

// Owner returns something like "node server.js (pid 4242) in /home/me/app".
func (l LsofLookup) Owner(ctx context.Context, port int) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, ownerLookupTimeout)
	defer cancel()

	run := l.Run
	if run == nil {
		run = execRunner
	}

	out, err := run(ctx, "lsof", "-i", "tcp:"+strconv.Itoa(port), "-P", "-t", "-sTCP:LISTEN")
	if err != nil {
		return "", false
	}
	pid := firstLine(out)
	if pid == "" {
		return "", false
	}

	out, err = run(ctx, "ps", "-o", "command=", "-p", pid)
	if err != nil {
		return "", false
	}
	command := firstLine(out)
	if command == "" {
		return "", false
	}

	description := fmt.Sprintf("%s (pid %s)", command, pid)

	// The working directory is a nice-to-have.
	if out, err := run(ctx, "lsof", "-a", "-p", pid, "-d", "cwd", "-Fn"); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			if dir, ok := strings.CutPrefix(line, "n"); ok && dir != "" {
				description += " in " + dir
				break
			}
		}
	}
	return description, true
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line)
}
