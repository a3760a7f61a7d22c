// Package process implements the ProcessScanner: it periodically enumerates OS
// processes, keeps the ones matching an agent matcher and classifies their activity.
package process

import (
	"context"
	"time"
)

// ProcessInfo is one OS process as seen by a ProcessLister.
type ProcessInfo struct {
	PID       int
	PPID      int
	Comm      string // short command name
	Exe       string // executable path, argv[0] when unavailable
	Cmdline   string // space-joined argv
	StartTime time.Time
	CPUTicks  uint64 // user+system time in clock ticks
	RSSKB     int64
	TTY       string
}

// ProcessLister enumerates processes. Implementations are platform specific.
type ProcessLister interface {
	List(ctx context.Context) ([]ProcessInfo, error)
	// CWD resolves the working directory of pid, or "" when unavailable.
	CWD(pid int) string
	// TicksPerSecond is the unit of ProcessInfo.CPUTicks.
	TicksPerSecond() float64
}
