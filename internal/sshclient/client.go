// Package sshclient launches SSH processes for tunnels and interactive
// jump-host sessions. It does NOT implement the SSH protocol — it shells out
// to the system "ssh" binary, which means it inherits the user's full SSH
// configuration (keys, agents, host-key policy) without reimplementing any
// of that logic.
//
// All SSH arguments are passed via exec.Command's argv (not via shell
// interpolation), which prevents injection from hostnames or jump specs that
// contain shell metacharacters.
package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/rackops/idrac-tunnel/internal/netstat"
	"github.com/rackops/idrac-tunnel/internal/util"
)

// ErrLaunchFailed is returned when the ssh invocation reports failure or the
// forked tunnel process cannot be found after the settle delay.
var ErrLaunchFailed = errors.New("tunnel launch failed")

// LaunchRequest describes one tunnel to establish.
type LaunchRequest struct {
	LocalPort    int
	TargetHost   string
	TargetPort   int
	JumpHostSpec string
}

// ForwardSpec returns the -L argument value for the request.
func (r LaunchRequest) ForwardSpec() string {
	return fmt.Sprintf("127.0.0.1:%d:%s:%d", r.LocalPort, r.TargetHost, r.TargetPort)
}

// Client launches SSH processes. It is safe for concurrent use; each method
// call creates an independent exec.Cmd. The process table is injected so
// tests can substitute a fake.
type Client struct {
	table netstat.Table
}

// New creates a new SSH client over the given process/port table.
func New(table netstat.Table) *Client { return &Client{table: table} }

// EnsureSSHBinary checks that the "ssh" binary is available on PATH. Called
// early so a missing client surfaces as a clear error instead of a confusing
// exec failure mid-operation.
func EnsureSSHBinary() error {
	if _, err := exec.LookPath("ssh"); err != nil {
		return fmt.Errorf("ssh binary not found in PATH")
	}
	return nil
}

// BuildTunnelArgs composes the ssh argv for a tunnel without starting a
// process. Used for the dry-run display and for testing argument
// composition independently from process execution.
//
// Flags:
//   - -f: background after authentication completes. The foreground phase
//     blocks until auth succeeds or fails, so its exit status is a reliable
//     launch verdict.
//   - -N: no remote command, forwarding only.
//   - ExitOnForwardFailure: a port that cannot be bound fails the launch
//     instead of leaving a forwarding-less ssh behind.
func (c *Client) BuildTunnelArgs(req LaunchRequest) []string {
	return []string{
		"-f",
		"-N",
		"-o", "ExitOnForwardFailure=yes",
		"-L", req.ForwardSpec(),
		req.JumpHostSpec,
	}
}

// CommandLine renders the full command a launch would run.
func (c *Client) CommandLine(req LaunchRequest) string {
	return "ssh " + strings.Join(c.BuildTunnelArgs(req), " ")
}

// Launch spawns the tunnel and returns the pid of the backgrounded ssh
// process.
//
// Because -f makes ssh fork after authentication, the spawned Cmd's own pid
// dies with the foreground phase and cannot identify the tunnel. After a
// settle delay (process-table registration is not synchronously observable)
// the surviving child is recovered from the OS table by its forwarding argv,
// with a port-owner check as a second chance. No recovery means the launch
// is reported failed rather than recording an orphaned entry.
func (c *Client) Launch(ctx context.Context, req LaunchRequest) (int, error) {
	cmd := exec.CommandContext(ctx, "ssh", c.BuildTunnelArgs(req)...)

	// Stderr goes to a real file, not a pipe: the backgrounded child
	// inherits the descriptor, and a pipe would keep Wait blocked for the
	// tunnel's whole lifetime.
	stderrFile, err := os.CreateTemp("", "idrac-tunnel-ssh-*.log")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	defer os.Remove(stderrFile.Name())
	defer stderrFile.Close()
	cmd.Stderr = stderrFile
	cmd.Stdout = io.Discard
	cmd.Stdin = nil

	if err := cmd.Run(); err != nil {
		msg := err.Error()
		if b, readErr := os.ReadFile(stderrFile.Name()); readErr == nil && len(strings.TrimSpace(string(b))) > 0 {
			msg = strings.TrimSpace(string(b))
		}
		return 0, fmt.Errorf("%w: %s", ErrLaunchFailed, msg)
	}

	time.Sleep(util.SettleDelay)

	if pid, ok := c.table.FindByArgs("ssh", "-L", req.ForwardSpec()); ok {
		return pid, nil
	}
	if pid, ok := c.table.PIDForPort(req.LocalPort); ok && c.table.CommandName(pid) == "ssh" {
		return pid, nil
	}
	return 0, fmt.Errorf("%w: ssh exited cleanly but no process found for %s", ErrLaunchFailed, req.ForwardSpec())
}

// ConnectCheck verifies the jump host is reachable and authenticable before
// a batch of tunnel creations. BatchMode keeps a broken setup from hanging
// on an interactive password prompt.
func (c *Client) ConnectCheck(ctx context.Context, jumpHostSpec string, timeout time.Duration) error {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(timeout.Seconds())),
		jumpHostSpec,
		"exit",
	}
	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("jump host %s unreachable: %s", jumpHostSpec, msg)
	}
	return nil
}

// Console starts an interactive SSH session to the jump host in a
// pseudo-terminal, giving the operator a shell for ad-hoc diagnosis
// (checking iDRAC reachability from the jump host, for example).
//
// Blocks until the session ends. If ctx is cancelled while the session is
// active, the ssh process is killed rather than left orphaned.
func (c *Client) Console(ctx context.Context, jumpHostSpec string) error {
	cmd := exec.Command("ssh", jumpHostSpec)

	f, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	// Keystrokes flow into the PTY master; the goroutine ends when the PTY
	// closes after the ssh process exits.
	go func() {
		_, _ = io.Copy(f, os.Stdin)
	}()

	_, _ = io.Copy(os.Stdout, f)

	if ctx.Err() != nil {
		_ = cmd.Process.Kill()
	}
	return cmd.Wait()
}
