package pbx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AMIExecutor speaks the Asterisk Manager Interface over one lazily dialed
// TCP connection. Actions are serialized; a connection that fails an I/O
// operation is dropped and redialed on the next call.
type AMIExecutor struct {
	Addr     string
	Username string
	Secret   string

	// Dial defaults to a net.Dialer. Tests replace it.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// NewActionID defaults to uuid.NewString.
	NewActionID func() string
	Logger      *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// amiMessage is one blank-line terminated block of "Key: Value" lines.
type amiMessage struct {
	fields map[string]string
	lines  []string
}

func (m amiMessage) get(key string) string {
	return m.fields[strings.ToLower(key)]
}

func (a *AMIExecutor) Execute(ctx context.Context, req Request) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureConn(ctx); err != nil {
		return "", err
	}

	out, err := a.roundTrip(ctx, req)
	if err != nil && !errors.Is(err, ErrRejected) {
		a.resetLocked()
	}
	return out, err
}

// Close drops the manager connection.
func (a *AMIExecutor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	_, _ = fmt.Fprintf(a.conn, "Action: Logoff\r\n\r\n")
	return a.resetLocked()
}

func (a *AMIExecutor) resetLocked() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.rd = nil
	return err
}

func (a *AMIExecutor) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *AMIExecutor) actionID() string {
	if a.NewActionID != nil {
		return a.NewActionID()
	}
	return uuid.NewString()
}

func (a *AMIExecutor) ensureConn(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}

	dial := a.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", a.Addr)
	if err != nil {
		return fmt.Errorf("dial ami %s: %w", a.Addr, err)
	}
	a.conn = conn
	a.rd = bufio.NewReader(conn)

	stop := a.watch(ctx)
	defer stop()

	// greeting: "Asterisk Call Manager/x.y.z"
	greeting, err := a.rd.ReadString('\n')
	if err != nil {
		a.resetLocked()
		return wrapIO(ctx, "read ami greeting", err)
	}

	_, err = a.roundTrip(ctx, Request{
		Action: "Login",
		Headers: []Header{
			{"Username", a.Username},
			{"Secret", a.Secret},
			{"Events", "off"},
		},
	})
	if err != nil {
		a.resetLocked()
		return fmt.Errorf("ami login: %w", err)
	}

	a.logger().Info("ami connected", "addr", a.Addr, "greeting", strings.TrimSpace(greeting))
	return nil
}

var aLongTimeAgo = time.Unix(1, 0)

// watch interrupts blocked reads and writes when ctx ends. The returned func
// clears the deadline again.
func (a *AMIExecutor) watch(ctx context.Context) func() {
	conn := a.conn
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	return func() {
		if stop() {
			_ = conn.SetDeadline(time.Time{})
		}
	}
}

func (a *AMIExecutor) roundTrip(ctx context.Context, req Request) (string, error) {
	stop := a.watch(ctx)
	defer stop()

	id := a.actionID()
	if err := a.writeAction(req, id); err != nil {
		return "", wrapIO(ctx, "write ami action", err)
	}

	for {
		msg, err := a.readMessage()
		if err != nil {
			return "", wrapIO(ctx, "read ami response", err)
		}
		if msg.get("event") != "" || msg.get("actionid") != id {
			continue
		}

		switch strings.ToLower(msg.get("response")) {
		case "success", "follows":
			out := commandOutput(msg)
			if req.Action == "Command" {
				return out, rejectedOutput(out)
			}
			return out, nil
		case "error":
			text := msg.get("message")
			return strings.Join(msg.lines, "\n"), fmt.Errorf("%w: %s", ErrRejected, text)
		default:
			return strings.Join(msg.lines, "\n"), fmt.Errorf("%w: unexpected response %q", ErrRejected, msg.get("response"))
		}
	}
}

func (a *AMIExecutor) writeAction(req Request, id string) error {
	var b strings.Builder
	writeHeader(&b, "Action", req.Action)
	writeHeader(&b, "ActionID", id)
	for _, h := range req.Headers {
		if strings.ContainsAny(h.Value, "\r\n") {
			return fmt.Errorf("%w: header %s contains a line break", ErrRejected, h.Name)
		}
		writeHeader(&b, h.Name, h.Value)
	}
	b.WriteString("\r\n")
	_, err := a.conn.Write([]byte(b.String()))
	return err
}

func writeHeader(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// readMessage reads one block. Legacy "Response: Follows" command output is
// unframed and ends with "--END COMMAND--".
func (a *AMIExecutor) readMessage() (amiMessage, error) {
	msg := amiMessage{fields: make(map[string]string)}
	follows := false
	for {
		line, err := a.rd.ReadString('\n')
		if err != nil {
			return msg, err
		}
		line = strings.TrimRight(line, "\r\n")

		if follows {
			if key, value, ok := strings.Cut(line, ":"); ok && isFrameKey(key) {
				msg.lines = append(msg.lines, line)
				if k := strings.ToLower(key); msg.fields[k] == "" {
					msg.fields[k] = strings.TrimSpace(value)
				}
				continue
			}
			if strings.HasSuffix(line, "--END COMMAND--") {
				if rest := strings.TrimSuffix(line, "--END COMMAND--"); rest != "" {
					msg.lines = append(msg.lines, rest)
				}
				follows = false
				continue
			}
			msg.lines = append(msg.lines, line)
			continue
		}

		if line == "" {
			if len(msg.lines) == 0 {
				continue
			}
			return msg, nil
		}

		msg.lines = append(msg.lines, line)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if _, exists := msg.fields[key]; !exists {
			msg.fields[key] = value
		}
		if key == "response" && strings.EqualFold(value, "follows") {
			follows = true
		}
	}
}

// commandOutput returns the CLI text of a Command reply or the whole block
// for any other action.
func commandOutput(msg amiMessage) string {
	var out []string
	isCommand := false
	for _, line := range msg.lines {
		if v, ok := strings.CutPrefix(line, "Output: "); ok {
			out = append(out, v)
			isCommand = true
			continue
		}
		if line == "Output:" {
			out = append(out, "")
			isCommand = true
		}
	}
	if isCommand {
		return strings.Join(out, "\n")
	}

	if strings.EqualFold(msg.get("response"), "follows") {
		for _, line := range msg.lines {
			key, _, ok := strings.Cut(line, ":")
			if ok && isFrameKey(key) {
				continue
			}
			out = append(out, line)
		}
		return strings.Join(out, "\n")
	}

	return strings.Join(msg.lines, "\n")
}

func isFrameKey(key string) bool {
	switch strings.ToLower(key) {
	case "response", "actionid", "privilege", "message":
		return true
	}
	return false
}

func wrapIO(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w: %v", op, ctxErr, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
