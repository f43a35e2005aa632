package process

import (
	"context"
	"math"
	"os/exec"
	"syscall"
	"testing"

	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/guseggert/hostagent/agent/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func TestResolveSignal(t *testing.T) {
	cases := []struct {
		name         string
		in           string
		expSig       unix.Signal
		expCanonical string
		expOK        bool
	}{
		{name: "plain", in: "KILL", expSig: unix.SIGKILL, expCanonical: "KILL", expOK: true},
		{name: "prefixed lower case", in: "sighup", expSig: unix.SIGHUP, expCanonical: "HUP", expOK: true},
		{name: "default", in: "TERM", expSig: unix.SIGTERM, expCanonical: "TERM", expOK: true},
		{name: "unknown falls back to TERM", in: "BOGUS", expSig: unix.SIGTERM, expCanonical: "TERM", expOK: false},
		{name: "empty falls back to TERM", in: "", expSig: unix.SIGTERM, expCanonical: "TERM", expOK: false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sig, canonical, ok := ResolveSignal(c.in)
			assert.Equal(t, c.expSig, sig)
			assert.Equal(t, c.expCanonical, canonical)
			assert.Equal(t, c.expOK, ok)
		})
	}
	assert.Contains(t, SignalNames(), "TERM")
}

func TestKillByPIDNotFound(t *testing.T) {
	d := NewDispatcher(zap.NewNop().Sugar(), nil)
	_, err := d.KillByPID(context.Background(), 999999999, "TERM")
	require.Error(t, err)
	assert.Equal(t, hosterr.NotFound, hosterr.KindOf(err))
}

func TestKillByPIDErrorKinds(t *testing.T) {
	cases := []struct {
		name    string
		killErr error
		expKind hosterr.Kind
	}{
		{name: "no such process", killErr: unix.ESRCH, expKind: hosterr.NotFound},
		{name: "not permitted", killErr: unix.EPERM, expKind: hosterr.PermissionDenied},
		{name: "anything else", killErr: unix.EINVAL, expKind: hosterr.Internal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := NewDispatcher(zap.NewNop().Sugar(), nil)
			d.kill = func(pid int, sig unix.Signal) error { return c.killErr }
			_, err := d.KillByPID(context.Background(), 1234, "TERM")
			require.Error(t, err)
			assert.Equal(t, c.expKind, hosterr.KindOf(err))
		})
	}
}

func TestKillByPIDUnknownSignalFallsBack(t *testing.T) {
	var gotSig unix.Signal
	d := NewDispatcher(zap.NewNop().Sugar(), nil)
	d.kill = func(pid int, sig unix.Signal) error {
		gotSig = sig
		return nil
	}
	res, err := d.KillByPID(context.Background(), 1234, "NOPE")
	require.NoError(t, err)
	assert.Equal(t, unix.SIGTERM, gotSig)
	assert.Equal(t, "TERM", res.Signal)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestKillByPIDInvalid(t *testing.T) {
	cases := []struct {
		name string
		pid  int
	}{
		{name: "zero", pid: 0},
		{name: "negative", pid: -1},
		{name: "aliases -1 as pid_t", pid: 4294967295},
		{name: "aliases 0 as pid_t", pid: 1 << 32},
		{name: "aliases a real pid", pid: (1 << 32) + 1},
		{name: "just past MaxInt32", pid: math.MaxInt32 + 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			called := false
			d := NewDispatcher(zap.NewNop().Sugar(), nil)
			d.kill = func(pid int, sig unix.Signal) error {
				called = true
				return nil
			}
			_, err := d.KillByPID(context.Background(), c.pid, "TERM")
			require.Error(t, err)
			assert.Equal(t, hosterr.InvalidArgument, hosterr.KindOf(err))
			assert.False(t, called)
		})
	}
}

func TestKillByPIDDoesNotSignalTruncatedPID(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	d := NewDispatcher(zap.NewNop().Sugar(), nil)
	_, err := d.KillByPID(context.Background(), (1<<32)+cmd.Process.Pid, "KILL")
	require.Error(t, err)
	assert.Equal(t, hosterr.InvalidArgument, hosterr.KindOf(err))

	// signal 0 only checks that the child is still alive
	require.NoError(t, cmd.Process.Signal(syscall.Signal(0)))
}

func TestKillByPIDRealProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	d := NewDispatcher(zap.NewNop().Sugar(), nil)
	res, err := d.KillByPID(context.Background(), cmd.Process.Pid, "KILL")
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, res.PID)

	err = cmd.Wait()
	require.Error(t, err)
	status := cmd.ProcessState.Sys().(syscall.WaitStatus)
	assert.Equal(t, syscall.SIGKILL, status.Signal())
}

func TestKillByPattern(t *testing.T) {
	cases := []struct {
		name      string
		pkillCode int
		pgrepOut  string
		expStatus string
		expPIDs   []int
	}{
		{name: "matched", pkillCode: 0, pgrepOut: "", expStatus: StatusSuccess, expPIDs: []int{}},
		{name: "matched, some still exiting", pkillCode: 0, pgrepOut: "41\n42\n", expStatus: StatusSuccess, expPIDs: []int{41, 42}},
		{name: "no match", pkillCode: 1, expStatus: StatusNoMatch, expPIDs: []int{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var names []string
			r := runner.Func(func(ctx context.Context, req runner.Request) (*runner.Result, error) {
				names = append(names, req.Name)
				assert.Equal(t, DefaultSignalTimeout, req.Timeout)
				if req.Name == "pkill" {
					return &runner.Result{ExitCode: c.pkillCode}, nil
				}
				return &runner.Result{Stdout: c.pgrepOut}, nil
			})
			d := NewDispatcher(zap.NewNop().Sugar(), r)
			res, err := d.KillByPattern(context.Background(), "my-worker")
			require.NoError(t, err)
			assert.Equal(t, []string{"pkill", "pgrep"}, names)
			assert.Equal(t, c.expStatus, res.Status)
			assert.Equal(t, c.expPIDs, res.KilledPIDs)
			assert.Equal(t, "pkill -f my-worker", res.Command)
			assert.Equal(t, c.pkillCode, res.ReturnCode)
		})
	}
}

func TestPatternOperationsTimeout(t *testing.T) {
	timedOut := fixedRunner(nil, hosterr.New(hosterr.TimedOut, "pkill", "timed out"))
	d := NewDispatcher(zap.NewNop().Sugar(), timedOut)

	_, err := d.KillByPattern(context.Background(), "x")
	assert.Equal(t, hosterr.TimedOut, hosterr.KindOf(err))

	_, err = d.KillExact(context.Background(), "x")
	assert.Equal(t, hosterr.TimedOut, hosterr.KindOf(err))
}

func TestKillExact(t *testing.T) {
	d := NewDispatcher(zap.NewNop().Sugar(), fixedRunner(&runner.Result{ExitCode: 1, Stderr: "nginx: no process found\n"}, nil))
	res, err := d.KillExact(context.Background(), "nginx")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "nginx: no process found", res.Message)
	assert.Equal(t, "killall nginx", res.Command)
	assert.Equal(t, 1, res.ReturnCode)

	d = NewDispatcher(zap.NewNop().Sugar(), fixedRunner(&runner.Result{}, nil))
	res, err = d.KillExact(context.Background(), "nginx")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.Message)
}
