package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anmitsu/go-shlex"
	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/guseggert/hostagent/agent/runner"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 30 * time.Second
	StdoutWidth    = 1000
	StderrWidth    = 500
)

type Mode string

const (
	// ModeShell runs the original line through `sh -c`.
	ModeShell Mode = "shell"
	// ModeArgv splits the line into an argument vector and runs it without a shell.
	ModeArgv Mode = "argv"
)

// ParseMode validates a mode name. The empty string selects ModeShell.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeShell:
		return ModeShell, nil
	case ModeArgv:
		return ModeArgv, nil
	}
	return "", fmt.Errorf("unknown command mode %q", s)
}

// DefaultWhitelist covers process inspection, filesystem inspection and the process and service tools.
var DefaultWhitelist = []string{
	"ps", "top", "pgrep", "pkill", "killall", "kill",
	"ls", "df", "du", "free", "uptime", "whoami", "id",
	"cat", "head", "tail", "grep", "find", "stat",
	"lsof", "netstat", "ss",
	"systemctl", "service",
	"uname", "hostname", "nproc", "date",
}

type Result struct {
	Command    string `json:"command"`
	Status     string `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode int    `json:"return_code"`
}

type Gateway struct {
	log     *zap.SugaredLogger
	runner  runner.Runner
	timeout time.Duration
	mode    Mode
	allowed map[string]bool
}

type Option func(g *Gateway)

func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

func WithMode(m Mode) Option {
	return func(g *Gateway) {
		g.mode = m
	}
}

// WithWhitelist replaces the default whitelist.
func WithWhitelist(programs []string) Option {
	return func(g *Gateway) {
		g.allowed = toSet(programs)
	}
}

func NewGateway(log *zap.SugaredLogger, r runner.Runner, opts ...Option) *Gateway {
	g := &Gateway{
		log:     log,
		runner:  r,
		timeout: DefaultTimeout,
		mode:    ModeShell,
		allowed: toSet(DefaultWhitelist),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Allowed reports whether program may start a command line.
func (g *Gateway) Allowed(program string) bool {
	return g.allowed[program]
}

// Whitelist returns the permitted program names, sorted.
func (g *Gateway) Whitelist() []string {
	var programs []string
	for p := range g.allowed {
		programs = append(programs, p)
	}
	sort.Strings(programs)
	return programs
}

// Execute validates commandLine and runs it. Rejected lines never start a process.
func (g *Gateway) Execute(ctx context.Context, commandLine string) (*Result, error) {
	tokens := strings.Fields(commandLine)
	if len(tokens) == 0 {
		return nil, hosterr.New(hosterr.InvalidArgument, "command", "No command provided")
	}
	program := tokens[0]
	if !g.Allowed(program) {
		g.log.Debugw("rejected command", "Program", program)
		return nil, hosterr.New(hosterr.Forbidden, "command", "Command '%s' not allowed", program)
	}

	req := runner.Request{Op: "command", Timeout: g.timeout}
	switch g.mode {
	case ModeArgv:
		argv, err := shlex.Split(commandLine, true)
		if err != nil {
			return nil, hosterr.Wrap(hosterr.InvalidArgument, "command", fmt.Errorf("splitting command line: %w", err))
		}
		if len(argv) == 0 || !g.Allowed(argv[0]) {
			return nil, hosterr.New(hosterr.Forbidden, "command", "Command '%s' not allowed", program)
		}
		req.Name, req.Args = argv[0], argv[1:]
	default:
		req.Name, req.Args = "sh", []string{"-c", commandLine}
	}

	res, err := g.runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	status := "failed"
	if res.ExitCode == 0 {
		status = "success"
	}
	g.log.Debugw("ran command", "Program", program, "ExitCode", res.ExitCode, "Duration", res.Duration)
	return &Result{
		Command:    commandLine,
		Status:     status,
		Stdout:     runner.Truncate(res.Stdout, StdoutWidth),
		Stderr:     runner.Truncate(res.Stderr, StderrWidth),
		ReturnCode: res.ExitCode,
	}, nil
}

func toSet(programs []string) map[string]bool {
	set := make(map[string]bool, len(programs))
	for _, p := range programs {
		set[p] = true
	}
	return set
}
