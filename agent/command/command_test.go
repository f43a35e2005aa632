package command

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/guseggert/hostagent/agent/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRunner struct {
	calls int
	res   *runner.Result
	reqs  []runner.Request
}

func (c *countingRunner) Run(ctx context.Context, req runner.Request) (*runner.Result, error) {
	c.calls++
	c.reqs = append(c.reqs, req)
	return c.res, nil
}

func TestExecuteRejectsWithoutSpawning(t *testing.T) {
	cases := []struct {
		name    string
		cmd     string
		expKind hosterr.Kind
	}{
		{name: "empty", cmd: "", expKind: hosterr.InvalidArgument},
		{name: "whitespace", cmd: "   \t ", expKind: hosterr.InvalidArgument},
		{name: "rm", cmd: "rm -rf /", expKind: hosterr.Forbidden},
		{name: "path to allowed program", cmd: "/bin/ps aux", expKind: hosterr.Forbidden},
		{name: "shell", cmd: "sh -c 'ps'", expKind: hosterr.Forbidden},
		{name: "case matters", cmd: "PS aux", expKind: hosterr.Forbidden},
	}

	for _, mode := range []Mode{ModeShell, ModeArgv} {
		for _, c := range cases {
			t.Run(string(mode)+"/"+c.name, func(t *testing.T) {
				r := &countingRunner{res: &runner.Result{}}
				g := NewGateway(zap.NewNop().Sugar(), r, WithMode(mode))
				_, err := g.Execute(context.Background(), c.cmd)
				require.Error(t, err)
				assert.Equal(t, c.expKind, hosterr.KindOf(err))
				assert.Equal(t, 0, r.calls)
			})
		}
	}
}

func TestExecuteForbiddenMessage(t *testing.T) {
	g := NewGateway(zap.NewNop().Sugar(), &countingRunner{})
	_, err := g.Execute(context.Background(), "rm -rf /")
	assert.Equal(t, "Command 'rm' not allowed", hosterr.Detail(err))
}

func TestExecuteRequestShape(t *testing.T) {
	r := &countingRunner{res: &runner.Result{}}
	g := NewGateway(zap.NewNop().Sugar(), r)
	_, err := g.Execute(context.Background(), "ps aux | grep nginx")
	require.NoError(t, err)
	require.Len(t, r.reqs, 1)
	assert.Equal(t, "sh", r.reqs[0].Name)
	assert.Equal(t, []string{"-c", "ps aux | grep nginx"}, r.reqs[0].Args)
	assert.Equal(t, DefaultTimeout, r.reqs[0].Timeout)

	r = &countingRunner{res: &runner.Result{}}
	g = NewGateway(zap.NewNop().Sugar(), r, WithMode(ModeArgv))
	_, err = g.Execute(context.Background(), `grep -r "hello world" /etc`)
	require.NoError(t, err)
	assert.Equal(t, "grep", r.reqs[0].Name)
	assert.Equal(t, []string{"-r", "hello world", "/etc"}, r.reqs[0].Args)
}

func TestExecuteTruncates(t *testing.T) {
	r := &countingRunner{res: &runner.Result{Stdout: strings.Repeat("a", 5000), Stderr: strings.Repeat("b", 5000), ExitCode: 2}}
	g := NewGateway(zap.NewNop().Sugar(), r)
	res, err := g.Execute(context.Background(), "cat /var/log/syslog")
	require.NoError(t, err)
	assert.Len(t, res.Stdout, StdoutWidth)
	assert.Len(t, res.Stderr, StderrWidth)
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, 2, res.ReturnCode)
}

func TestExecuteOnHost(t *testing.T) {
	log := zap.NewNop().Sugar()
	exec := runner.New(log)

	cases := []struct {
		name      string
		mode      Mode
		cmd       string
		expStatus string
		expStdout string
	}{
		{
			name:      "ps aux",
			mode:      ModeShell,
			cmd:       "ps aux",
			expStatus: "success",
		},
		{
			name:      "pipeline runs through the shell",
			mode:      ModeShell,
			cmd:       "uname | grep -c .",
			expStatus: "success",
			expStdout: "1\n",
		},
		{
			name:      "pipeline is passed literally in argv mode",
			mode:      ModeArgv,
			cmd:       "uname | grep -c .",
			expStatus: "failed",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			g := NewGateway(log, exec, WithMode(c.mode))
			res, err := g.Execute(context.Background(), c.cmd)
			require.NoError(t, err)
			assert.Equal(t, c.expStatus, res.Status)
			if c.expStatus == "success" {
				assert.Equal(t, 0, res.ReturnCode)
				assert.NotEmpty(t, res.Stdout)
			}
			if c.expStdout != "" {
				assert.Equal(t, c.expStdout, res.Stdout)
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	g := NewGateway(zap.NewNop().Sugar(), runner.New(zap.NewNop().Sugar()), WithTimeout(300*time.Millisecond))
	start := time.Now()
	_, err := g.Execute(context.Background(), "tail -f /dev/null")
	require.Error(t, err)
	assert.Equal(t, hosterr.TimedOut, hosterr.KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeShell, m)
	m, err = ParseMode("argv")
	require.NoError(t, err)
	assert.Equal(t, ModeArgv, m)
	_, err = ParseMode("nope")
	assert.Error(t, err)
}

func TestWhitelist(t *testing.T) {
	g := NewGateway(zap.NewNop().Sugar(), nil, WithWhitelist([]string{"uptime", "df"}))
	assert.Equal(t, []string{"df", "uptime"}, g.Whitelist())
	assert.True(t, g.Allowed("df"))
	assert.False(t, g.Allowed("ps"))
}
