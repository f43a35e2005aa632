// Package service runs lifecycle actions against systemd service units.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/guseggert/hostagent/agent/runner"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 30 * time.Second
	outputWidth    = 500
)

type Action string

const (
	Start   Action = "start"
	Stop    Action = "stop"
	Restart Action = "restart"
	Status  Action = "status"
	Enable  Action = "enable"
	Disable Action = "disable"
)

var actions = map[Action]bool{
	Start:   true,
	Stop:    true,
	Restart: true,
	Status:  true,
	Enable:  true,
	Disable: true,
}

// ParseAction validates a verb.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	return a, actions[a]
}

type Result struct {
	Service    string `json:"service"`
	Action     Action `json:"action"`
	Status     string `json:"status"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	ReturnCode int    `json:"return_code"`
}

type Controller struct {
	Log     *zap.SugaredLogger
	Runner  runner.Runner
	Timeout time.Duration
}

func NewController(log *zap.SugaredLogger, r runner.Runner) *Controller {
	return &Controller{Log: log, Runner: r, Timeout: DefaultTimeout}
}

// Manage runs `systemctl <action> <name>`. Unknown actions are rejected before anything is started.
func (c *Controller) Manage(ctx context.Context, action, name string) (*Result, error) {
	a, ok := ParseAction(action)
	if !ok {
		return nil, hosterr.New(hosterr.InvalidArgument, "service", "invalid action %q, must be one of start, stop, restart, status, enable, disable", action)
	}
	if strings.TrimSpace(name) == "" {
		return nil, hosterr.New(hosterr.InvalidArgument, "service", "service name must not be empty")
	}

	res, err := c.Runner.Run(ctx, runner.Request{
		Op:      "service",
		Name:    "systemctl",
		Args:    []string{string(a), name},
		Timeout: c.Timeout,
	})
	if err != nil {
		return nil, err
	}

	status := "failed"
	if res.ExitCode == 0 {
		status = "success"
	}
	c.Log.Infow("service action", "Service", name, "Action", a, "ExitCode", res.ExitCode)
	return &Result{
		Service:    name,
		Action:     a,
		Status:     status,
		Output:     runner.Truncate(res.Stdout, outputWidth),
		Error:      runner.Truncate(res.Stderr, outputWidth),
		ReturnCode: res.ExitCode,
	}, nil
}
