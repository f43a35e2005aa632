package process

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/guseggert/hostagent/agent/runner"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultSignalTimeout bounds pkill, killall and the follow-up pgrep.
const DefaultSignalTimeout = 10 * time.Second

const messageWidth = 500

// DefaultSignal is used when a signal name cannot be resolved.
const DefaultSignal = "TERM"

var signals = map[string]unix.Signal{
	"HUP":  unix.SIGHUP,
	"INT":  unix.SIGINT,
	"QUIT": unix.SIGQUIT,
	"KILL": unix.SIGKILL,
	"USR1": unix.SIGUSR1,
	"USR2": unix.SIGUSR2,
	"TERM": unix.SIGTERM,
	"CONT": unix.SIGCONT,
	"STOP": unix.SIGSTOP,
}

// SignalNames lists the signal names accepted by ResolveSignal.
func SignalNames() []string {
	names := make([]string, 0, len(signals))
	for name := range signals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveSignal maps a signal name such as "KILL" or "sigkill" to its number.
// ok is false when the name is unknown, in which case SIGTERM is returned.
func ResolveSignal(name string) (sig unix.Signal, canonical string, ok bool) {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	if sig, ok := signals[n]; ok {
		return sig, n, true
	}
	return unix.SIGTERM, DefaultSignal, false
}

// Dispatcher sends termination signals by pid, by exact name or by pattern.
type Dispatcher struct {
	Log     *zap.SugaredLogger
	Runner  runner.Runner
	Timeout time.Duration

	kill func(pid int, sig unix.Signal) error
}

func NewDispatcher(log *zap.SugaredLogger, r runner.Runner) *Dispatcher {
	return &Dispatcher{
		Log:     log,
		Runner:  r,
		Timeout: DefaultSignalTimeout,
		kill:    unix.Kill,
	}
}

// KillByPattern runs `pkill -f pattern` and then re-queries which pids matched.
func (d *Dispatcher) KillByPattern(ctx context.Context, pattern string) (*KillPatternResult, error) {
	if pattern == "" {
		return nil, hosterr.New(hosterr.InvalidArgument, "pkill", "pattern must not be empty")
	}
	res, err := d.Runner.Run(ctx, runner.Request{Op: "pkill", Name: "pkill", Args: []string{"-f", pattern}, Timeout: d.Timeout})
	if err != nil {
		return nil, err
	}

	pids := []int{}
	query, err := d.Runner.Run(ctx, runner.Request{Op: "pkill", Name: "pgrep", Args: []string{"-f", pattern}, Timeout: d.Timeout})
	switch {
	case hosterr.Is(err, hosterr.TimedOut):
		return nil, err
	case err != nil:
		d.Log.Debugf("re-querying pids for %q: %s", pattern, err)
	default:
		if found := parsePIDs(query.Stdout); found != nil {
			pids = found
		}
	}

	status := StatusNoMatch
	if res.ExitCode == 0 {
		status = StatusSuccess
	}
	d.Log.Infow("pattern kill", "Pattern", pattern, "ExitCode", res.ExitCode, "Remaining", len(pids))
	return &KillPatternResult{
		Status:      status,
		ProcessName: pattern,
		KilledPIDs:  pids,
		Command:     "pkill -f " + pattern,
		ReturnCode:  res.ExitCode,
	}, nil
}

// KillExact runs `killall name`.
func (d *Dispatcher) KillExact(ctx context.Context, name string) (*KillExactResult, error) {
	if name == "" {
		return nil, hosterr.New(hosterr.InvalidArgument, "killall", "process name must not be empty")
	}
	res, err := d.Runner.Run(ctx, runner.Request{Op: "killall", Name: "killall", Args: []string{name}, Timeout: d.Timeout})
	if err != nil {
		return nil, err
	}
	out := &KillExactResult{
		Status:      StatusSuccess,
		ProcessName: name,
		Command:     "killall " + name,
		ReturnCode:  res.ExitCode,
	}
	if res.ExitCode != 0 {
		out.Status = StatusFailed
		out.Message = runner.Truncate(strings.TrimSpace(res.Stderr), messageWidth)
	}
	d.Log.Infow("exact kill", "Name", name, "ExitCode", res.ExitCode)
	return out, nil
}

// KillByPID sends the named signal directly to pid. Unknown signal names fall back to TERM.
// pids outside 1..MaxInt32 are rejected, since kill(2) truncates pid_t to 32 bits and larger
// values would alias -1, 0 or an unrelated pid.
func (d *Dispatcher) KillByPID(ctx context.Context, pid int, signalName string) (*KillPIDResult, error) {
	if pid < 1 || pid > math.MaxInt32 {
		return nil, hosterr.New(hosterr.InvalidArgument, "kill", "invalid pid %d", pid)
	}
	if signalName == "" {
		signalName = DefaultSignal
	}
	sig, canonical, ok := ResolveSignal(signalName)
	if !ok {
		d.Log.Warnw("unknown signal, falling back to TERM", "Signal", signalName, "PID", pid, "Known", SignalNames())
	}

	err := d.kill(pid, sig)
	switch {
	case err == nil:
	case errors.Is(err, unix.ESRCH):
		return nil, hosterr.New(hosterr.NotFound, "kill", "Process %d not found", pid)
	case errors.Is(err, unix.EPERM):
		return nil, hosterr.New(hosterr.PermissionDenied, "kill", "not permitted to signal process %d", pid)
	default:
		return nil, hosterr.Wrap(hosterr.Internal, "kill", fmt.Errorf("signaling process %d: %w", pid, err))
	}

	d.Log.Infow("signaled process", "PID", pid, "Signal", canonical)
	return &KillPIDResult{Status: StatusSuccess, PID: pid, Signal: canonical}, nil
}
