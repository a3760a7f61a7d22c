//go:build linux

package port

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type procLister struct {
	root string
}

// NewLister returns the /proc based lister.
func NewLister() PortLister {
	return &procLister{root: "/proc"}
}

func (l *procLister) List(ctx context.Context) ([]Socket, error) {
	var sockets []Socket
	var firstErr error
	for _, proto := range []string{"tcp", "tcp6"} {
		data, err := os.ReadFile(filepath.Join(l.root, "net", proto))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sockets = append(sockets, parseProcNet(data, proto)...)
	}
	if len(sockets) == 0 && firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	owners := l.socketOwners(ctx, sockets)
	for i := range sockets {
		if pid, ok := owners[sockets[i].Inode]; ok {
			sockets[i].PID = pid
			sockets[i].ProcessName = l.comm(pid)
		}
	}
	return sockets, nil
}

// socketOwners maps socket inodes to the pid holding them open. Processes we
// may not inspect are skipped, which leaves their sockets without a pid.
func (l *procLister) socketOwners(ctx context.Context, sockets []Socket) map[uint64]int {
	want := make(map[uint64]bool, len(sockets))
	for _, s := range sockets {
		if s.Inode != 0 {
			want[s.Inode] = true
		}
	}
	owners := make(map[uint64]int)
	if len(want) == 0 {
		return owners
	}

	entries, err := os.ReadDir(l.root)
	if err != nil {
		return owners
	}
	for _, e := range entries {
		if ctx.Err() != nil || len(owners) == len(want) {
			break
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join(l.root, e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil || !strings.HasPrefix(link, "socket:[") {
				continue
			}
			inode, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]"), 10, 64)
			if err != nil || !want[inode] {
				continue
			}
			if _, seen := owners[inode]; !seen {
				owners[inode] = pid
			}
		}
	}
	return owners
}

func (l *procLister) comm(pid int) string {
	data, err := os.ReadFile(filepath.Join(l.root, strconv.Itoa(pid), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
