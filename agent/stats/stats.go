// Package stats assembles a best-effort snapshot of host resources from nproc, free, df and uptime.
package stats

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/hostagent/agent/runner"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultTimeout = 10 * time.Second

// Snapshot is a point-in-time view of the host. A sub-metric whose tool failed or printed
// something unexpected is left at its zero value, or nil for Memory and Disk.
type Snapshot struct {
	CPUCores int     `json:"cpu_cores"`
	Memory   *Memory `json:"memory"`
	Disk     *Disk   `json:"disk"`
	Uptime   string  `json:"uptime"`
}

type Memory struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// Disk describes the root filesystem. Percent is passed through as df prints it, e.g. "42%".
type Disk struct {
	Total   uint64 `json:"total"`
	Used    uint64 `json:"used"`
	Free    uint64 `json:"free"`
	Percent string `json:"percent"`
}

type Collector struct {
	Log     *zap.SugaredLogger
	Runner  runner.Runner
	Timeout time.Duration
}

func NewCollector(log *zap.SugaredLogger, r runner.Runner) *Collector {
	return &Collector{Log: log, Runner: r, Timeout: DefaultTimeout}
}

// Collect runs the tools concurrently. It always returns a snapshot.
func (c *Collector) Collect(ctx context.Context) *Snapshot {
	snap, err := c.collect(ctx)
	if err != nil {
		c.Log.Debugw("partial stats snapshot", "Error", err)
	}
	return snap
}

// collect returns the snapshot along with the first tool failure, if any.
// One tool failing does not cancel the others.
func (c *Collector) collect(ctx context.Context) (*Snapshot, error) {
	var (
		snap                       Snapshot
		nproc, free, df, uptimeOut string
	)
	var g errgroup.Group
	g.Go(func() (err error) { nproc, err = c.output(ctx, "nproc"); return })
	g.Go(func() (err error) { free, err = c.output(ctx, "free", "-b"); return })
	g.Go(func() (err error) { df, err = c.output(ctx, "df", "-B1", "/"); return })
	g.Go(func() (err error) { uptimeOut, err = c.output(ctx, "uptime", "-p"); return })
	err := g.Wait()

	snap.CPUCores = ParseCores(nproc)
	snap.Memory = ParseMemory(free)
	snap.Disk = ParseDisk(df)
	snap.Uptime = strings.TrimSpace(uptimeOut)
	return &snap, err
}

// output returns the stdout of a successful run, or "" and an error if the tool could not be run or failed.
func (c *Collector) output(ctx context.Context, name string, args ...string) (string, error) {
	res, err := c.Runner.Run(ctx, runner.Request{Op: "stats", Name: name, Args: args, Timeout: c.Timeout})
	if err != nil {
		return "", fmt.Errorf("running %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s exited with code %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func ParseCores(out string) int {
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseMemory reads the "Mem:" row of `free -b`.
func ParseMemory(out string) *Memory {
	fields := secondLine(out, 4)
	if fields == nil {
		return nil
	}
	total, err1 := strconv.ParseUint(fields[1], 10, 64)
	used, err2 := strconv.ParseUint(fields[2], 10, 64)
	free, err3 := strconv.ParseUint(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	m := &Memory{Total: total, Used: used, Free: free}
	if total > 0 {
		m.Percent = math.Round(float64(used)/float64(total)*100*100) / 100
	}
	return m
}

// ParseDisk reads the filesystem row of `df -B1 /`.
func ParseDisk(out string) *Disk {
	fields := secondLine(out, 5)
	if fields == nil {
		return nil
	}
	total, err1 := strconv.ParseUint(fields[1], 10, 64)
	used, err2 := strconv.ParseUint(fields[2], 10, 64)
	free, err3 := strconv.ParseUint(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	return &Disk{Total: total, Used: used, Free: free, Percent: fields[4]}
}

// secondLine returns the fields of the second line of out, or nil if there are fewer than min of them.
func secondLine(out string, min int) []string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil
	}
	fields := strings.Fields(lines[1])
	if len(fields) < min {
		return nil
	}
	return fields
}
