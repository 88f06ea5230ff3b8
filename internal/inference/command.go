package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// outputTail is how much collaborator output is kept for error messages
const outputTail = 2048

// Command is a collaborator command line parsed once at startup
type Command struct {
	name    string
	argv    []string
	timeout time.Duration
}

// ParseCommand splits line with shell quoting rules. timeout bounds each
// invocation; zero means the caller's context is the only limit.
func ParseCommand(name, line string, timeout time.Duration) (*Command, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command empty", name)
	}
	return &Command{name: name, argv: args, timeout: timeout}, nil
}

// Name returns the collaborator name used in logs and errors
func (c *Command) Name() string {
	return c.name
}

// Argv returns the full argument vector for the given flags
func (c *Command) Argv(flags []string) []string {
	argv := make([]string, 0, len(c.argv)+len(flags))
	argv = append(argv, c.argv...)
	return append(argv, flags...)
}

// Executable returns the program the command runs
func (c *Command) Executable() string {
	return c.argv[0]
}

// Available reports whether the executable can be found
func (c *Command) Available() error {
	_, err := exec.LookPath(c.argv[0])
	return err
}

// Run executes the command with flags appended and waits for it to exit.
// Combined output is captured and the tail is attached to any error.
func (c *Command) Run(ctx context.Context, flags []string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	argv := c.Argv(flags)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = 5 * time.Second

	out := &tailBuffer{limit: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", c.name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited with status %d: %s", c.name, exitErr.ExitCode(), out.String())
	}
	return fmt.Errorf("%s: %w", c.name, err)
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		return n, nil
	}
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
