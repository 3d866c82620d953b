package pbx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAMI answers manager actions on one side of a net.Pipe. handle returns
// the raw reply for an action; "%s" in it is replaced by the ActionID.
type fakeAMI struct {
	mu      sync.Mutex
	actions []map[string]string
	handle  func(fields map[string]string) string
}

func (f *fakeAMI) serve(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	if _, err := conn.Write([]byte("Asterisk Call Manager/7.0.3\r\n")); err != nil {
		return
	}
	for {
		fields := make(map[string]string)
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			k, v, _ := strings.Cut(line, ":")
			fields[k] = strings.TrimSpace(v)
		}

		f.mu.Lock()
		f.actions = append(f.actions, fields)
		f.mu.Unlock()

		var reply string
		if fields["Action"] == "Login" {
			reply = "Response: Success\r\nActionID: %s\r\nMessage: Authentication accepted\r\n\r\n"
		} else {
			reply = f.handle(fields)
		}
		if reply == "" {
			continue
		}
		if _, err := conn.Write([]byte(strings.ReplaceAll(reply, "%s", fields["ActionID"]))); err != nil {
			return
		}
	}
}

func (f *fakeAMI) seen() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.actions...)
}

func newTestAMI(t *testing.T, fake *fakeAMI) (*AMIExecutor, *int32) {
	t.Helper()
	var dials int32
	var n int64
	exec := &AMIExecutor{
		Addr:     "pbx:5038",
		Username: "confbridge",
		Secret:   "s3cret",
		Logger:   quietLogger(),
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			client, server := net.Pipe()
			go fake.serve(server)
			return client, nil
		},
		NewActionID: func() string {
			return fmt.Sprintf("act-%d", atomic.AddInt64(&n, 1))
		},
	}
	t.Cleanup(func() { _ = exec.Close() })
	return exec, &dials
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAMIExecuteAction(t *testing.T) {
	t.Parallel()

	fake := &fakeAMI{handle: func(fields map[string]string) string {
		if fields["Action"] == "Logoff" {
			return ""
		}
		return "Event: FullyBooted\r\nPrivilege: system,all\r\n\r\n" +
			"Response: Success\r\nActionID: %s\r\nMessage: Conference locked.\r\n\r\n"
	}}
	exec, _ := newTestAMI(t, fake)

	cmd := Command{Action: ActionLock, Room: "sales"}
	req, err := cmd.Request()
	if err != nil {
		t.Fatal(err)
	}

	out, err := exec.Execute(testCtx(t), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "Conference locked.") {
		t.Fatalf("unexpected output %q", out)
	}

	actions := fake.seen()
	if len(actions) != 2 {
		t.Fatalf("expected login + action, got %d", len(actions))
	}
	if actions[0]["Username"] != "confbridge" || actions[0]["Events"] != "off" {
		t.Errorf("unexpected login %+v", actions[0])
	}
	if actions[1]["Action"] != "ConfbridgeLock" || actions[1]["Conference"] != "sales" {
		t.Errorf("unexpected action %+v", actions[1])
	}
}

func TestAMICommandOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{
			name: "output headers",
			reply: "Response: Success\r\nActionID: %s\r\nMessage: Command output follows\r\n" +
				"Output: Conference Bridge Name           Users  Marked Locked Muted\r\n" +
				"Output: ================================ ====== ====== ====== =====\r\n" +
				"Output: sales                                 2      0 No     No\r\n\r\n",
			want: "Conference Bridge Name           Users  Marked Locked Muted\n" +
				"================================ ====== ====== ====== =====\n" +
				"sales                                 2      0 No     No",
		},
		{
			name: "legacy follows",
			reply: "Response: Follows\r\nPrivilege: Command\r\nActionID: %s\r\n" +
				"Conference Bridge Name           Users  Marked Locked Muted\n" +
				"================================ ====== ====== ====== =====\n" +
				"--END COMMAND--\r\n\r\n",
			want: "Conference Bridge Name           Users  Marked Locked Muted\n" +
				"================================ ====== ====== ====== =====",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeAMI{handle: func(fields map[string]string) string {
				if fields["Action"] == "Command" {
					return tc.reply
				}
				return ""
			}}
			exec, _ := newTestAMI(t, fake)

			req, _ := Command{Action: ActionList}.Request()
			out, err := exec.Execute(testCtx(t), req)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if out != tc.want {
				t.Fatalf("output mismatch\n got: %q\nwant: %q", out, tc.want)
			}
		})
	}
}

func TestAMIErrorKeepsConnection(t *testing.T) {
	t.Parallel()

	fake := &fakeAMI{handle: func(fields map[string]string) string {
		switch fields["Action"] {
		case "ConfbridgeKick":
			return "Response: Error\r\nActionID: %s\r\nMessage: No Conference by that name found.\r\n\r\n"
		case "ConfbridgeUnlock":
			return "Response: Success\r\nActionID: %s\r\nMessage: Conference unlocked.\r\n\r\n"
		}
		return ""
	}}
	exec, dials := newTestAMI(t, fake)

	kick, _ := Command{Action: ActionKick, Room: "ghost", Channel: "all"}.Request()
	_, err := exec.Execute(testCtx(t), kick)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if classify(err) != KindRejected {
		t.Fatalf("expected rejected kind, got %s", classify(err))
	}

	unlock, _ := Command{Action: ActionUnlock, Room: "sales"}.Request()
	if _, err := exec.Execute(testCtx(t), unlock); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got := atomic.LoadInt32(dials); got != 1 {
		t.Fatalf("expected one dial, got %d", got)
	}
}

func TestAMICommandRefusalInOutput(t *testing.T) {
	t.Parallel()

	fake := &fakeAMI{handle: func(fields map[string]string) string {
		if fields["Action"] != "Command" {
			return ""
		}
		if strings.Contains(fields["Command"], "ghost") {
			return "Response: Success\r\nActionID: %s\r\nMessage: Command output follows\r\n" +
				"Output: No conference bridge named 'ghost' found!\r\n\r\n"
		}
		return "Response: Success\r\nActionID: %s\r\nMessage: Command output follows\r\n" +
			"Output: Channel                        User Profile     Bridge Profile   Menu             CallerID         Muted\r\n\r\n"
	}}
	exec, dials := newTestAMI(t, fake)

	ghost, _ := Command{Action: ActionParticipants, Room: "ghost"}.Request()
	out, err := exec.Execute(testCtx(t), ghost)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if !strings.Contains(out, "No conference bridge named 'ghost' found!") {
		t.Fatalf("expected refusal text in output, got %q", out)
	}

	sales, _ := Command{Action: ActionParticipants, Room: "sales"}.Request()
	if _, err := exec.Execute(testCtx(t), sales); err != nil {
		t.Fatalf("participants sales: %v", err)
	}
	if got := atomic.LoadInt32(dials); got != 1 {
		t.Fatalf("expected one dial, got %d", got)
	}
}

func TestAMITimeoutDropsConnection(t *testing.T) {
	t.Parallel()

	var silent atomic.Bool
	silent.Store(true)
	fake := &fakeAMI{handle: func(fields map[string]string) string {
		if fields["Action"] == "ConfbridgeLock" && !silent.Load() {
			return "Response: Success\r\nActionID: %s\r\nMessage: Conference locked.\r\n\r\n"
		}
		return ""
	}}
	exec, dials := newTestAMI(t, fake)

	req, _ := Command{Action: ActionLock, Room: "sales"}.Request()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, req)
	if classify(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}

	silent.Store(false)
	if _, err := exec.Execute(testCtx(t), req); err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
	if got := atomic.LoadInt32(dials); got != 2 {
		t.Fatalf("expected a redial after timeout, got %d dials", got)
	}
}

func TestAMIDialFailure(t *testing.T) {
	t.Parallel()

	exec := &AMIExecutor{
		Addr:   "pbx:5038",
		Logger: quietLogger(),
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}
	req, _ := Command{Action: ActionList}.Request()
	_, err := exec.Execute(testCtx(t), req)
	if err == nil || classify(err) != KindUnreachable {
		t.Fatalf("expected unreachable, got %v", err)
	}
}
