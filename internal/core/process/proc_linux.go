//go:build linux

package process

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// clockTicks is USER_HZ, which is 100 on every mainstream Linux build.
const clockTicks = 100

// Compile-time interface check.
var _ ProcessLister = (*procLister)(nil)

type procLister struct {
	root string

	bootOnce sync.Once
	bootTime time.Time
}

// NewLister returns the /proc based lister.
func NewLister() ProcessLister {
	return &procLister{root: "/proc"}
}

func (l *procLister) TicksPerSecond() float64 { return clockTicks }

// List scans /proc/[0-9]* for processes. Processes that exit mid-scan are skipped.
func (l *procLister) List(ctx context.Context) ([]ProcessInfo, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", l.root, err)
	}

	boot := l.boot()
	procs := make([]ProcessInfo, 0, len(entries)/2)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}

		dir := filepath.Join(l.root, entry.Name())
		statData, err := os.ReadFile(filepath.Join(dir, "stat"))
		if err != nil {
			continue
		}
		st, err := parseStat(statData)
		if err != nil {
			continue
		}

		info := ProcessInfo{
			PID:      pid,
			PPID:     st.ppid,
			Comm:     st.comm,
			CPUTicks: st.utime + st.stime,
			RSSKB:    st.rssPages * int64(os.Getpagesize()) / 1024,
			TTY:      ttyName(st.ttyNr),
		}
		if !boot.IsZero() {
			info.StartTime = boot.Add(time.Duration(st.startTicks) * time.Second / clockTicks)
		}

		if data, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
			// cmdline is null-delimited
			args := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
			info.Cmdline = strings.Join(args, " ")
			info.Exe = args[0]
		}
		if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
			info.Exe = strings.TrimSuffix(exe, " (deleted)")
		}
		if info.Exe == "" {
			// Kernel threads have no cmdline.
			continue
		}

		procs = append(procs, info)
	}
	return procs, nil
}

// CWD reads the /proc/<pid>/cwd symlink.
func (l *procLister) CWD(pid int) string {
	link, err := os.Readlink(filepath.Join(l.root, strconv.Itoa(pid), "cwd"))
	if err != nil {
		return ""
	}
	return link
}

func (l *procLister) boot() time.Time {
	l.bootOnce.Do(func() {
		f, err := os.Open(filepath.Join(l.root, "stat"))
		if err != nil {
			return
		}
		defer f.Close()
		l.bootTime = parseBootTime(f)
	})
	return l.bootTime
}

func parseBootTime(f *os.File) time.Time {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "btime ") {
			secs, err := strconv.ParseInt(strings.TrimSpace(line[len("btime "):]), 10, 64)
			if err == nil {
				return time.Unix(secs, 0)
			}
		}
	}
	return time.Time{}
}

type procStat struct {
	comm       string
	ppid       int
	ttyNr      int
	utime      uint64
	stime      uint64
	startTicks uint64
	rssPages   int64
}

// parseStat parses /proc/<pid>/stat. The comm field may contain spaces and
// parentheses, so fields are counted from the last ')'.
func parseStat(data []byte) (procStat, error) {
	var st procStat
	s := string(data)
	open := strings.IndexByte(s, '(')
	closing := strings.LastIndexByte(s, ')')
	if open < 0 || closing < open {
		return st, fmt.Errorf("invalid stat format")
	}
	st.comm = s[open+1 : closing]

	// fields[0] is field 3 (state) of proc(5).
	fields := strings.Fields(s[closing+1:])
	if len(fields) < 22 {
		return st, fmt.Errorf("invalid stat format: %d fields", len(fields))
	}
	st.ppid, _ = strconv.Atoi(fields[1])
	st.ttyNr, _ = strconv.Atoi(fields[4])
	st.utime, _ = strconv.ParseUint(fields[11], 10, 64)
	st.stime, _ = strconv.ParseUint(fields[12], 10, 64)
	st.startTicks, _ = strconv.ParseUint(fields[19], 10, 64)
	st.rssPages, _ = strconv.ParseInt(fields[21], 10, 64)
	return st, nil
}

// ttyName decodes tty_nr into a device name such as "pts/3".
func ttyName(ttyNr int) string {
	if ttyNr == 0 {
		return ""
	}
	major := (ttyNr >> 8) & 0xfff
	minor := (ttyNr & 0xff) | ((ttyNr >> 12) & 0xfff00)
	switch {
	case major >= 136 && major <= 143:
		return fmt.Sprintf("pts/%d", (major-136)*256+minor)
	case major == 4 && minor < 64:
		return fmt.Sprintf("tty%d", minor)
	case major == 4:
		return fmt.Sprintf("ttyS%d", minor-64)
	default:
		return fmt.Sprintf("%d:%d", major, minor)
	}
}
