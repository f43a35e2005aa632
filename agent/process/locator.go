package process

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/guseggert/hostagent/agent/runner"
	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const (
	// CommandWidth is the display width commands are truncated to.
	CommandWidth = 50
	// DefaultListLimit is the number of rows returned by a full listing.
	DefaultListLimit = 50
	// DefaultSearchLimit bounds how many matched pids a search resolves.
	DefaultSearchLimit = 50

	psFields = 11
)

// Locator finds processes by pattern and lists the process table.
type Locator struct {
	Log         *zap.SugaredLogger
	Runner      runner.Runner
	SearchLimit int
	// Resolve fills in the details of a single pid. Defaults to a gopsutil lookup.
	Resolve func(ctx context.Context, pid int) (Record, error)
}

func NewLocator(log *zap.SugaredLogger, r runner.Runner) *Locator {
	return &Locator{
		Log:         log,
		Runner:      r,
		SearchLimit: DefaultSearchLimit,
		Resolve:     resolvePID,
	}
}

// FindByPattern returns the processes whose command line matches pattern.
// No match is an empty result, not an error. A pid that cannot be resolved (it may have exited meanwhile) is skipped.
func (l *Locator) FindByPattern(ctx context.Context, pattern string) ([]Record, error) {
	if pattern == "" {
		return nil, hosterr.New(hosterr.InvalidArgument, "search", "pattern must not be empty")
	}
	res, err := l.Runner.Run(ctx, runner.Request{Op: "search", Name: "pgrep", Args: []string{"-f", pattern}})
	if err != nil {
		return nil, err
	}
	records := []Record{}
	switch res.ExitCode {
	case 0:
	case 1:
		return records, nil
	default:
		return nil, hosterr.New(hosterr.Internal, "search", "pgrep exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	pids := parsePIDs(res.Stdout)
	if l.SearchLimit > 0 && len(pids) > l.SearchLimit {
		pids = pids[:l.SearchLimit]
	}
	for _, pid := range pids {
		rec, err := l.Resolve(ctx, pid)
		if err != nil {
			l.Log.Debugf("skipping pid %d: %s", pid, err)
			continue
		}
		rec.Command = runner.Truncate(rec.Command, CommandWidth)
		records = append(records, rec)
	}
	return records, nil
}

// ListAll returns up to limit rows of the process table.
func (l *Locator) ListAll(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	res, err := l.Runner.Run(ctx, runner.Request{Op: "processes", Name: "ps", Args: []string{"aux"}})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 && strings.TrimSpace(res.Stdout) == "" {
		return nil, hosterr.New(hosterr.Internal, "processes", "ps exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseTable(res.Stdout, limit), nil
}

// ParseTable parses `ps aux` output. The header is skipped and at most limit rows are considered.
// Rows with fewer than 11 fields, or without a numeric pid, are dropped.
func ParseTable(out string, limit int) []Record {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	records := []Record{}
	if len(lines) < 2 {
		return records
	}
	rows := lines[1:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	for _, row := range rows {
		fields := fieldsN(row, psFields)
		if len(fields) < psFields {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil || pid < 1 {
			continue
		}
		records = append(records, Record{
			User:    fields[0],
			PID:     pid,
			CPU:     fields[2],
			Mem:     fields[3],
			Command: runner.Truncate(fields[10], CommandWidth),
		})
	}
	return records
}

// fieldsN splits s on runs of whitespace into at most n fields.
// The last field holds the remainder of the line verbatim.
func fieldsN(s string, n int) []string {
	var fields []string
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	for s != "" {
		if len(fields) == n-1 {
			fields = append(fields, strings.TrimRightFunc(s, unicode.IsSpace))
			break
		}
		end := strings.IndexFunc(s, unicode.IsSpace)
		if end < 0 {
			fields = append(fields, s)
			break
		}
		fields = append(fields, s[:end])
		s = strings.TrimLeftFunc(s[end:], unicode.IsSpace)
	}
	return fields
}

func parsePIDs(out string) []int {
	var pids []int
	for _, line := range strings.Split(out, "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid < 1 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

func resolvePID(ctx context.Context, pid int) (Record, error) {
	p, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Record{}, fmt.Errorf("looking up pid %d: %w", pid, err)
	}
	user, err := p.UsernameWithContext(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("resolving user of pid %d: %w", pid, err)
	}
	cmdline, err := p.CmdlineWithContext(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("resolving command of pid %d: %w", pid, err)
	}
	if cmdline == "" {
		// kernel threads have no command line
		cmdline, _ = p.NameWithContext(ctx)
	}
	rec := Record{User: user, PID: pid, Command: cmdline}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		rec.CPU = strconv.FormatFloat(cpu, 'f', 1, 64)
	}
	if mem, err := p.MemoryPercentWithContext(ctx); err == nil {
		rec.Mem = strconv.FormatFloat(float64(mem), 'f', 1, 32)
	}
	return rec, nil
}
