// Package port implements the PortScanner: listening TCP sockets above a
// minimum port, attributed to their owning process where possible.
package port

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"
)

// Socket is a listening socket as reported by the OS. PID is 0 when the owner
// could not be determined.
type Socket struct {
	Port        int
	Protocol    string // "tcp" or "tcp6"
	Inode       uint64
	PID         int
	ProcessName string
}

// PortLister enumerates listening TCP sockets.
type PortLister interface {
	List(ctx context.Context) ([]Socket, error)
}

// tcpListen is the kernel socket state code for LISTEN.
const tcpListen = "0A"

// parseProcNet parses /proc/net/tcp or /proc/net/tcp6 and returns the
// listening sockets.
func parseProcNet(data []byte, protocol string) []Socket {
	var out []Socket
	scanner := bufio.NewScanner(bytes.NewReader(data))
	first := true
	for scanner.Scan() {
		if first {
			first = false // header
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 || fields[3] != tcpListen {
			continue
		}
		local := fields[1]
		i := strings.LastIndexByte(local, ':')
		if i < 0 {
			continue
		}
		port, err := strconv.ParseUint(local[i+1:], 16, 16)
		if err != nil {
			continue
		}
		inode, _ := strconv.ParseUint(fields[9], 10, 64)
		out = append(out, Socket{Port: int(port), Protocol: protocol, Inode: inode})
	}
	return out
}

// parseLsof parses `lsof -nP -iTCP -sTCP:LISTEN -F pctn` output. Records are
// introduced by a p (pid) line followed by c (command) and per-file t (type)
// and n (name) lines.
func parseLsof(data []byte) []Socket {
	var out []Socket
	var pid int
	var command, proto string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		val := line[1:]
		switch line[0] {
		case 'p':
			pid, _ = strconv.Atoi(val)
			command, proto = "", ""
		case 'c':
			command = val
		case 'f':
			proto = ""
		case 't':
			if val == "IPv6" {
				proto = "tcp6"
			} else {
				proto = "tcp"
			}
		case 'n':
			i := strings.LastIndexByte(val, ':')
			if i < 0 {
				continue
			}
			port, err := strconv.Atoi(val[i+1:])
			if err != nil {
				continue
			}
			p := proto
			if p == "" {
				p = "tcp"
				if strings.HasPrefix(val, "[") {
					p = "tcp6"
				}
			}
			out = append(out, Socket{Port: port, Protocol: p, PID: pid, ProcessName: command})
		}
	}
	return out
}
