package pbx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fakeAsterisk = `#!/bin/sh
case "$2" in
  "confbridge lock sales") echo "Conference locked" ;;
  "confbridge lock ghost") echo "No conference bridge named 'ghost' found!" ;;
  "confbridge lock down") echo "Unable to connect to remote asterisk (does /var/run/asterisk/asterisk.ctl exist?)"; exit 1 ;;
  "confbridge list slow") exec sleep 5 ;;
  *) echo "argc=$# cmd=$2" ;;
esac
`

func fakeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "asterisk")
	if err := os.WriteFile(path, []byte(fakeAsterisk), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestCLIExecutor(t *testing.T) {
	exec := &CLIExecutor{Binary: fakeBinary(t)}

	tests := []struct {
		name     string
		cmd      Command
		timeout  time.Duration
		wantOut  string
		wantKind ErrorKind
	}{
		{name: "success", cmd: Command{Action: ActionLock, Room: "sales"}, wantOut: "Conference locked"},
		{name: "single argv", cmd: Command{Action: ActionParticipants, Room: "sales"}, wantOut: "argc=2 cmd=confbridge list sales"},
		{name: "rejected by marker", cmd: Command{Action: ActionLock, Room: "ghost"}, wantKind: KindRejected},
		{name: "console down", cmd: Command{Action: ActionLock, Room: "down"}, wantKind: KindUnreachable},
		{name: "timeout", cmd: Command{Action: ActionParticipants, Room: "slow"}, timeout: 100 * time.Millisecond, wantKind: KindTimeout},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			timeout := tc.timeout
			if timeout == 0 {
				timeout = 5 * time.Second
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			req, err := tc.cmd.Request()
			if err != nil {
				t.Fatal(err)
			}
			out, err := exec.Execute(ctx, req)
			if tc.wantKind != "" {
				if err == nil {
					t.Fatalf("expected %s error, got output %q", tc.wantKind, out)
				}
				if got := classify(err); got != tc.wantKind {
					t.Fatalf("expected %s, got %s (%v)", tc.wantKind, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if strings.TrimSpace(out) != tc.wantOut {
				t.Fatalf("output = %q, want %q", out, tc.wantOut)
			}
		})
	}
}

func TestCLIExecutorMissingBinary(t *testing.T) {
	t.Parallel()

	exec := &CLIExecutor{Binary: filepath.Join(t.TempDir(), "no-such-asterisk")}
	req, _ := Command{Action: ActionList}.Request()
	_, err := exec.Execute(context.Background(), req)
	if classify(err) != KindUnreachable {
		t.Fatalf("expected unreachable, got %v", err)
	}
}
