package process

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/guseggert/hostagent/agent/runner"
	"go.uber.org/zap"
)

const lsofFields = 9

// PortInspector reports which processes hold a port open.
type PortInspector struct {
	Log     *zap.SugaredLogger
	Runner  runner.Runner
	Timeout time.Duration
}

func NewPortInspector(log *zap.SugaredLogger, r runner.Runner) *PortInspector {
	return &PortInspector{Log: log, Runner: r, Timeout: DefaultSignalTimeout}
}

// Inspect never fails: any problem is reported in PortReport.Error with IsOpen false.
func (p *PortInspector) Inspect(ctx context.Context, port string) *PortReport {
	report := &PortReport{Processes: []PortOwner{}}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		report.Error = "invalid port " + strconv.Quote(port)
		return report
	}
	report.Port = n

	res, err := p.Runner.Run(ctx, runner.Request{
		Op:      "ports",
		Name:    "lsof",
		Args:    []string{"-i", ":" + strconv.Itoa(n), "-P", "-n"},
		Timeout: p.Timeout,
	})
	if err != nil {
		p.Log.Debugf("inspecting port %d: %s", n, err)
		report.Error = hosterr.Detail(err)
		return report
	}

	report.Processes = ParseLsof(res.Stdout)
	report.IsOpen = len(report.Processes) > 0
	// lsof exits 1 both for "nothing found" and for errors, so only complain if it also said something
	if !report.IsOpen && res.ExitCode != 0 {
		report.Error = strings.TrimSpace(res.Stderr)
	}
	return report
}

// ParseLsof parses `lsof -i` output, skipping the header and any row it cannot read.
func ParseLsof(out string) []PortOwner {
	owners := []PortOwner{}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return owners
	}
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < lsofFields {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		owners = append(owners, PortOwner{
			Command: fields[0],
			PID:     pid,
			User:    fields[2],
			Type:    fields[4],
			Name:    strings.Join(fields[8:], " "),
		})
	}
	return owners
}
