// pattern: Functional Core

// Package port picks the listening port for a dev session, resolving a
// busy preferred port interactively or failing fast.
package port

import (
	"context"
	"fmt"

	"devsync/internal/logging"
)

// Prober finds free ports.
type Prober interface {
	// Detect returns port if it is free, otherwise the next free port above
	// it.
	Detect(ctx context.Context, port int) (int, error)
}

// OwnerLookup describes the process holding a port. It is best effort:
// ok is false when the owner cannot be determined.
type OwnerLookup interface {
	Owner(ctx context.Context, port int) (description string, ok bool)
}

// Prompter asks a yes/no question.
type Prompter interface {
	Confirm(ctx context.Context, question string, defaultYes bool) (bool, error)
}

// Result is the outcome of a negotiation that did not fail.
type Result struct {
	Port      int
	Alternate bool   // Port differs from the preferred one
	Declined  bool   // the user chose not to start; Port is zero
	Owner     string // owner of the preferred port when it was busy
}

// ConflictError reports a busy preferred port in a non-interactive session.
type ConflictError struct {
	Port  int
	Owner string
}

func (e *ConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("something is already running on port %d (probably %s)", e.Port, e.Owner)
	}
	return fmt.Sprintf("something is already running on port %d", e.Port)
}

// Negotiator resolves the listening port.
type Negotiator struct {
	prober   Prober
	owners   OwnerLookup
	prompter Prompter
	logger   *logging.ScopedLogger
}

// NewNegotiator creates a Negotiator. owners and prompter may be nil; a nil
// prompter makes every negotiation non-interactive.
func NewNegotiator(prober Prober, owners OwnerLookup, prompter Prompter, logger *logging.ScopedLogger) *Negotiator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Negotiator{prober: prober, owners: owners, prompter: prompter, logger: logger}
}

// Negotiate returns a usable port for preferred.
func (n *Negotiator) Negotiate(ctx context.Context, preferred int, interactive bool) (Result, error) {
	if preferred == 0 {
		// The listener picks an ephemeral port itself.
		return Result{}, nil
	}
	detected, err := n.prober.Detect(ctx, preferred)
	if err != nil {
		return Result{}, fmt.Errorf("probe port %d: %w", preferred, err)
	}
	if detected == preferred {
		return Result{Port: preferred}, nil
	}

	owner := n.owner(ctx, preferred)
	n.logger.Warn("preferred port busy", "port", preferred, "owner", owner, "alternate", detected)

	if !interactive || n.prompter == nil {
		return Result{}, &ConflictError{Port: preferred, Owner: owner}
	}

	question := fmt.Sprintf("Something is already running on port %d.", preferred)
	if owner != "" {
		question += fmt.Sprintf(" Probably:\n  %s", owner)
	}
	question += "\n\nWould you like to run the app on another port instead?"

	yes, err := n.prompter.Confirm(ctx, question, true)
	if err != nil {
		return Result{}, fmt.Errorf("port prompt: %w", err)
	}
	if !yes {
		n.logger.Info("user declined alternate port", "port", detected)
		return Result{Declined: true, Owner: owner}, nil
	}
	return Result{Port: detected, Alternate: true, Owner: owner}, nil
}

func (n *Negotiator) owner(ctx context.Context, port int) string {
	if n.owners == nil {
		return ""
	}
	description, ok := n.owners.Owner(ctx, port)
	if !ok {
		return ""
	}
	return description
}
