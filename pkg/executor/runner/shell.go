package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultMaxOutput caps the captured stdout and stderr, keeping the tail.
const DefaultMaxOutput = 64 * 1024

// ShellRunner runs commands in their own process group so a cancelled run
// kills the whole tree, not just the direct child.
type ShellRunner struct {
	// MaxOutput is the number of trailing bytes kept per stream.
	MaxOutput int
	// KillGrace is how long the process group has after SIGTERM before SIGKILL.
	KillGrace time.Duration
}

func NewShellRunner() *ShellRunner {
	return &ShellRunner{
		MaxOutput: DefaultMaxOutput,
		KillGrace: 5 * time.Second,
	}
}

// Shell wraps a command line for /bin/sh -c.
func Shell(line string) Command {
	return Command{Name: "/bin/sh", Args: []string{"-c", line}}
}

func (s *ShellRunner) Run(ctx context.Context, c Command) Result {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdout := &tailBuffer{max: s.MaxOutput}
	stderr := &tailBuffer{max: s.MaxOutput}
	cmd.Stdout = teeTo(stdout, c.Stdout)
	cmd.Stderr = teeTo(stderr, c.Stderr)

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = s.KillGrace

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		Error:    err,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	}
	if cmd.Process != nil && ctx.Err() != nil {
		// the leader may be gone while children linger
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return res
}

func teeTo(capture *tailBuffer, w io.Writer) io.Writer {
	if w == nil {
		return capture
	}
	return io.MultiWriter(capture, w)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if t.max <= 0 {
		return t.buf.Write(p)
	}
	if len(p) >= t.max {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.max:])
		t.truncated = true
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "...(truncated)\n" + t.buf.String()
	}
	return t.buf.String()
}
