// Package sysexec runs external commands as structured argv with hard
// timeouts, process-group cancellation and capped output capture.
// Nothing in this package builds a shell string.
package sysexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultMaxOutput caps captured stdout and stderr per stream.
const DefaultMaxOutput = 64 << 10

// waitDelay bounds how long Wait blocks on inherited pipes after the
// process group has been killed.
const waitDelay = 3 * time.Second

// ErrStart is returned when the command could not be started at all.
var ErrStart = errors.New("sysexec: start failed")

// Command is a structured invocation. Args excludes the program name.
type Command struct {
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env  []string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir  string   `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// String renders the command for logs. It is never executed.
func (c Command) String() string {
	var b bytes.Buffer
	b.WriteString(c.Path)
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	return b.String()
}

// Result captures one process execution.
type Result struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    []byte        `json:"-"`
	Stderr    []byte        `json:"-"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration_ns"`
	TimedOut  bool          `json:"timed_out"`
}

// Runner executes commands. The engine and probes depend on this interface
// so tests can script the external system.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// LocalRunner runs commands on the local host.
type LocalRunner struct {
	// MaxOutput caps each captured stream. Zero means DefaultMaxOutput.
	MaxOutput int
}

// Run executes cmd until it exits or ctx is done. On ctx expiry the whole
// process group is killed. A non-zero exit is reported in Result, not as an
// error; only a failure to start returns an error wrapping ErrStart.
func (r LocalRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	max := r.MaxOutput
	if max <= 0 {
		max = DefaultMaxOutput
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = waitDelay

	stdout := &cappedBuffer{max: max}
	stderr := &cappedBuffer{max: max}
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
		TimedOut:  errors.Is(ctx.Err(), context.DeadlineExceeded),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			res.ExitCode = -1
			return res, nil
		}
		return res, fmt.Errorf("%w: %s: %v", ErrStart, cmd.Path, err)
	}
	return res, nil
}

// cappedBuffer keeps the first max bytes written and silently drops the
// rest so a chatty child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
