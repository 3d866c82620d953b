package pbx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrRejected is wrapped by executors when the PBX answered but refused the
// command (unknown conference, bad channel, auth failure).
var ErrRejected = errors.New("command rejected")

// rejectionMarkers are console replies that mean the command was understood
// but refused. The console exits 0 and AMI answers Success for them.
var rejectionMarkers = []string{
	"No such command",
	"No conference bridge named",
	"No Conference by that name found",
	"No channel by that name found",
	"Usage: ",
}

// rejectedOutput returns ErrRejected when CLI output carries a refusal.
func rejectedOutput(out string) error {
	for _, marker := range rejectionMarkers {
		if strings.Contains(out, marker) {
			return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(out))
		}
	}
	return nil
}

type ErrorKind string

const (
	KindUnreachable ErrorKind = "unreachable"
	KindTimeout     ErrorKind = "timeout"
	KindRejected    ErrorKind = "rejected"
)

// ExternalCommandError is returned by the gateway when a command could not be
// run to completion. A command that ran and printed nothing is not an error.
type ExternalCommandError struct {
	Action   Action
	Room     string
	Kind     ErrorKind
	Attempts int
	Output   string
	Err      error
}

func (e *ExternalCommandError) Error() string {
	target := string(e.Action)
	if e.Room != "" {
		target += " " + e.Room
	}
	return fmt.Sprintf("pbx %s: %s after %d attempt(s): %v", target, e.Kind, e.Attempts, e.Err)
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *ExternalCommandError) Retryable() bool {
	return e.Kind != KindRejected
}

func classify(err error) ErrorKind {
	if errors.Is(err, ErrRejected) {
		return KindRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}
