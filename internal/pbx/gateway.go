// Package pbx sends conference and channel commands to Asterisk.
//
// A Command is validated and mapped to a transport Request, then handed to an
// Executor (AMI socket or local CLI). The Gateway bounds every attempt with a
// timeout and retries transient failures; rejected commands are not retried.
package pbx

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Executor runs one Request against the PBX and returns its text output.
type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// Reply is the raw outcome of a successful command.
type Reply struct {
	Command Command
	Raw     string
	// Empty is true when the command ran but printed nothing.
	Empty bool
}

type Options struct {
	Timeout    time.Duration
	Attempts   int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

type Gateway struct {
	exec       Executor
	timeout    time.Duration
	attempts   int
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewGateway(exec Executor, opts Options) *Gateway {
	g := &Gateway{
		exec:       exec,
		timeout:    opts.Timeout,
		attempts:   opts.Attempts,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
	}
	if g.timeout <= 0 {
		g.timeout = 5 * time.Second
	}
	if g.attempts <= 0 {
		g.attempts = 1
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Run executes cmd. Validation failures are returned as apperr validation
// errors before anything is sent; execution failures as *ExternalCommandError.
func (g *Gateway) Run(ctx context.Context, cmd Command) (Reply, error) {
	req, err := cmd.Request()
	if err != nil {
		return Reply{}, err
	}

	// Originate is not idempotent: a retry after a lost reply plays twice.
	attempts := g.attempts
	if cmd.Action == ActionPlay {
		attempts = 1
	}

	var (
		lastErr error
		output  string
		tried   int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := g.waitForRetry(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}

		tried++
		output, lastErr = g.runOnce(ctx, req)
		if lastErr == nil {
			g.logger.Debug("pbx command ok",
				"action", cmd.Action, "room", cmd.Room, "channel", cmd.Channel, "attempt", attempt)
			return Reply{Command: cmd, Raw: output, Empty: strings.TrimSpace(output) == ""}, nil
		}

		if classify(lastErr) == KindRejected || ctx.Err() != nil {
			break
		}

		if attempt < attempts {
			g.logger.Warn("pbx command failed, retrying",
				"action", cmd.Action, "room", cmd.Room, "attempt", attempt, "max_attempts", attempts, "error", lastErr)
		}
	}

	cerr := &ExternalCommandError{
		Action:   cmd.Action,
		Room:     cmd.Room,
		Kind:     classify(lastErr),
		Attempts: tried,
		Output:   output,
		Err:      lastErr,
	}
	g.logger.Error("pbx command failed",
		"action", cmd.Action, "room", cmd.Room, "kind", cerr.Kind, "attempts", cerr.Attempts, "error", lastErr)
	return Reply{}, cerr
}

func (g *Gateway) runOnce(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.exec.Execute(ctx, req)
}

func (g *Gateway) waitForRetry(ctx context.Context, attempt int) error {
	delay := g.retryDelay * time.Duration(attempt-1)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
