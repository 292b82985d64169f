package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoActiveSession is returned by operations that require an active
// session for the entity. Usage error, not retriable.
var ErrNoActiveSession = errors.New("no active session")

// TransitionError reports an illegal phase jump. It names the from/to
// pair; phase history is never mutated when this is returned.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s", e.From, e.To)
}

// ValidationError is a recoverable phase-completion failure. It carries
// every failing check so the caller can fix them all in one pass.
type ValidationError struct {
	Phase            string
	MissingFields    []string
	MissingArtifacts []string
	Warnings         []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingFields) > 0 {
		parts = append(parts, "missing fields: "+strings.Join(e.MissingFields, ", "))
	}
	if len(e.MissingArtifacts) > 0 {
		parts = append(parts, "missing artifacts: "+strings.Join(e.MissingArtifacts, ", "))
	}
	return fmt.Sprintf("phase %s validation failed (%s)", e.Phase, strings.Join(parts, "; "))
}
