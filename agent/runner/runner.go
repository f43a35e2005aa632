/*
Package runner executes host tools with a bounded duration and bounded captured output.

Each child runs in its own process group. When the timeout elapses or the caller's context is done, the whole group
is killed and reaped before Run returns, so a timed out tool never outlives the request that started it.
Processes the child left running in its group, such as `cmd &` under a shell, are killed once the child exits;
if they held the output pipes, Run returns the output captured until waitDelay expired.
A non-zero exit status is not an error: it is reported in Result.ExitCode and interpreted by the caller.
*/
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/guseggert/hostagent/agent/hosterr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultMaxOutput bounds how much of each stream is kept in memory while a tool runs.
const DefaultMaxOutput = 1024 * 1024

// waitDelay bounds how long Wait blocks on output pipes after the child was killed.
const waitDelay = 2 * time.Second

type Request struct {
	// Op names the operation for error reporting. Defaults to Name.
	Op   string
	Name string
	Args []string
	// Timeout of zero means the run is bounded only by the caller's context.
	Timeout time.Duration
}

type Result struct {
	PID      int
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Run(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

type Exec struct {
	Log       *zap.SugaredLogger
	MaxOutput int
}

func New(log *zap.SugaredLogger) *Exec {
	return &Exec{Log: log, MaxOutput: DefaultMaxOutput}
}

func (r *Exec) Run(ctx context.Context, req Request) (*Result, error) {
	op := req.Op
	if op == "" {
		op = req.Name
	}

	runCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Name, req.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// negative pid signals the whole group, which catches children forked by a shell
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	stdout := &limitedBuffer{max: r.MaxOutput}
	stderr := &limitedBuffer{max: r.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return nil, hosterr.Wrap(hosterr.Internal, op, fmt.Errorf("starting %s: %w", req.Name, err))
	}
	pid := cmd.Process.Pid
	r.debugf("started %s (pid %d)", req.Name, pid)

	err = cmd.Wait()
	if kerr := unix.Kill(-pid, unix.SIGKILL); kerr == nil {
		r.debugf("killed processes left in group %d by %s", pid, req.Name)
	}
	res := &Result{
		PID:      pid,
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	r.debugf("%s (pid %d) exited with code %d after %s", req.Name, pid, res.ExitCode, res.Duration)

	if err == nil {
		return res, nil
	}
	if runCtx.Err() != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return res, hosterr.New(hosterr.TimedOut, op, "%s timed out after %s", req.Name, req.Timeout)
		}
		return res, hosterr.Wrap(hosterr.Internal, op, fmt.Errorf("%s canceled: %w", req.Name, ctx.Err()))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		return res, nil
	}
	return res, hosterr.Wrap(hosterr.Internal, op, fmt.Errorf("waiting for %s: %w", req.Name, err))
}

func (r *Exec) debugf(format string, args ...any) {
	if r.Log != nil {
		r.Log.Debugf(format, args...)
	}
}

// limitedBuffer keeps the first max bytes written to it and silently discards the rest,
// so a chatty tool can neither exhaust memory nor block on a full pipe.
type limitedBuffer struct {
	buf []byte
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return string(b.buf) }

// Truncate shortens s to at most n characters.
func Truncate(s string, n int) string {
	if n < 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
