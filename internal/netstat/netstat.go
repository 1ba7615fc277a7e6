// Package netstat answers the two OS-level questions the tunnel core depends
// on: "what process is bound to local port P" and "is process id X alive",
// plus the terminate/force-terminate signals derived from them.
//
// Port ownership is read by shelling out to lsof. lsof failing or being
// absent is treated as "nothing bound" — the queries are best-effort and the
// tool fails open rather than refusing to operate on hosts without lsof.
package netstat

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/rackops/idrac-tunnel/internal/util"
)

// ErrPortExhausted is returned when a free-port scan runs out of candidates.
var ErrPortExhausted = errors.New("no free port found")

// Table is the process/port table surface the tunnel core consumes. The
// production implementation queries the live OS; tests substitute fakes.
type Table interface {
	// PIDForPort reports the process id listening on the local TCP port,
	// if any.
	PIDForPort(port int) (int, bool)
	// CommandName reports the short command name of a process, or "" if the
	// process cannot be inspected.
	CommandName(pid int) string
	// ProcessAlive reports whether the process id currently exists.
	ProcessAlive(pid int) bool
	// FindByArgs reports the pid of a process whose full command line
	// contains every given substring.
	FindByArgs(substrs ...string) (int, bool)
	// Terminate sends a graceful termination signal.
	Terminate(pid int) error
	// Kill sends a forceful termination signal.
	Kill(pid int) error
}

// OS is the live-system Table implementation.
type OS struct{}

func New() *OS { return &OS{} }

// PIDForPort asks lsof for the listener on port. A failed or empty query
// reports no owner.
func (o *OS) PIDForPort(port int) (int, bool) {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		return 0, false
	}
	// Multiple pids can share a listening socket (forked ssh); the first
	// line is the socket owner.
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// CommandName reads the short command name via ps.
func (o *OS) CommandName(pid int) string {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// ProcessAlive probes the pid with signal 0.
func (o *OS) ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// FindByArgs scans the full process table for a command line containing every
// substring. This is the compatibility fallback for recovering the pid of an
// ssh process that forked away from its spawner.
func (o *OS) FindByArgs(substrs ...string) (int, bool) {
	out, err := exec.Command("ps", "ax", "-o", "pid=,args=").Output()
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidField, args, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		matched := true
		for _, s := range substrs {
			if !strings.Contains(args, s) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		pid, err := strconv.Atoi(pidField)
		if err != nil || pid <= 0 {
			continue
		}
		return pid, true
	}
	return 0, false
}

// Terminate sends SIGTERM.
func (o *OS) Terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (o *OS) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGKILL)
}

// Available reports whether nothing is bound to the local TCP port.
func Available(t Table, port int) bool {
	_, bound := t.PIDForPort(port)
	return !bound
}

// FindAvailable probes successive ports from start until one is free,
// giving up after util.MaxProbeAttempts candidates or at the top of the
// port space, whichever comes first.
func FindAvailable(t Table, start int) (int, error) {
	if err := util.ValidateLocalPort(start); err != nil {
		return 0, err
	}
	for i := 0; i < util.MaxProbeAttempts; i++ {
		port := start + i
		if port > util.MaxPort {
			break
		}
		if Available(t, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: tried %d ports from %d", ErrPortExhausted, util.MaxProbeAttempts, start)
}
