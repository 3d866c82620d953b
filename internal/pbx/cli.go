package pbx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIExecutor runs "asterisk -rx <command>" on the local host. The command is
// passed as a single argv element; no shell is involved.
type CLIExecutor struct {
	Binary string
}

func (c *CLIExecutor) Execute(ctx context.Context, req Request) (string, error) {
	if len(req.CLI) == 0 {
		return "", fmt.Errorf("%w: action %s has no cli form", ErrRejected, req.Action)
	}
	bin := c.Binary
	if bin == "" {
		bin = "asterisk"
	}

	cmd := exec.CommandContext(ctx, bin, "-rx", req.CLILine())
	cmd.WaitDelay = time.Second
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.String()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("asterisk -rx: %w", ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && !strings.Contains(out, "Unable to connect to remote asterisk") {
			return out, fmt.Errorf("%w: exit %d: %s", ErrRejected, exitErr.ExitCode(), strings.TrimSpace(out))
		}
		return out, fmt.Errorf("asterisk -rx: %w", err)
	}

	return out, rejectedOutput(out)
}
