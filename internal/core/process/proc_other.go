//go:build !linux

package process

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// psTicks is the resolution used when converting ps cputime to ticks.
const psTicks = 100

// Compile-time interface check.
var _ ProcessLister = (*psLister)(nil)

type psLister struct{}

// NewLister returns the ps based lister used where /proc is unavailable.
func NewLister() ProcessLister {
	return &psLister{}
}

func (l *psLister) TicksPerSecond() float64 { return psTicks }

// List runs `ps -axww -o pid=,ppid=,rss=,time=,tty=,command=`. The executable is
// taken to be the first word of command.
func (l *psLister) List(ctx context.Context) ([]ProcessInfo, error) {
	out, err := exec.CommandContext(ctx, "ps", "-axww", "-o", "pid=,ppid=,rss=,time=,tty=,command=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps failed: %w", err)
	}

	var procs []ProcessInfo
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, _ := strconv.Atoi(fields[1])
		rss, _ := strconv.ParseInt(fields[2], 10, 64)
		tty := fields[4]
		if tty == "??" || tty == "-" {
			tty = ""
		}
		cmd := strings.Join(fields[5:], " ")
		procs = append(procs, ProcessInfo{
			PID:      pid,
			PPID:     ppid,
			Comm:     baseName(fields[5]),
			Exe:      fields[5],
			Cmdline:  cmd,
			CPUTicks: parseCPUTime(fields[3]),
			RSSKB:    rss,
			TTY:      tty,
		})
	}
	return procs, nil
}

// CWD runs `lsof -a -p PID -d cwd -Fn`.
func (l *psLister) CWD(pid int) string {
	out, err := exec.Command("lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n/") {
			return line[1:]
		}
	}
	return ""
}

// parseCPUTime converts "[[dd-]hh:]mm:ss[.ff]" to ticks.
func parseCPUTime(s string) uint64 {
	var days float64
	if i := strings.IndexByte(s, '-'); i >= 0 {
		days, _ = strconv.ParseFloat(s[:i], 64)
		s = s[i+1:]
	}
	parts := strings.Split(s, ":")
	secs := days * 86400
	mult := 1.0
	for i := len(parts) - 1; i >= 0; i-- {
		v, _ := strconv.ParseFloat(parts[i], 64)
		secs += v * mult
		mult *= 60
	}
	return uint64(secs * psTicks)
}

func baseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
