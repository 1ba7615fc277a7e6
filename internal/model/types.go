package model

import (
	"fmt"
	"time"
)

// TunnelRecord is one persisted ledger entry describing a tunnel this tool
// created. The local port is the record's key; the OS process table, not the
// ledger, decides whether the tunnel is still alive.
type TunnelRecord struct {
	LocalPort    int       `json:"local_port"`
	TargetHost   string    `json:"target_host"`
	TargetPort   int       `json:"target_port"`
	PID          int       `json:"pid"`
	CreatedAt    time.Time `json:"created_at"`
	JumpHostSpec string    `json:"jump_host_spec"`
}

// Target returns the host:port the tunnel forwards to.
func (r TunnelRecord) Target() string {
	return fmt.Sprintf("%s:%d", r.TargetHost, r.TargetPort)
}

// LocalURL returns the browser-facing endpoint for the tunnel.
func (r TunnelRecord) LocalURL() string {
	return fmt.Sprintf("https://localhost:%d", r.LocalPort)
}

// ActiveTunnel is one row of a live listing: OS-observed existence enriched
// with ledger metadata when available. Known reports whether the ledger had a
// record for the port; when false the descriptive fields hold placeholders.
type ActiveTunnel struct {
	LocalPort    int       `json:"local_port"`
	PID          int       `json:"pid"`
	TargetHost   string    `json:"target_host"`
	TargetPort   int       `json:"target_port"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	JumpHostSpec string    `json:"jump_host_spec,omitempty"`
	Known        bool      `json:"known"`
}

// PortRange is a closed, inclusive window of local ports scanned when listing
// active tunnels or probing for a free port.
type PortRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

func (p PortRange) Contains(port int) bool {
	return port >= p.Start && port <= p.End
}

func (p PortRange) String() string {
	return fmt.Sprintf("%d-%d", p.Start, p.End)
}

// TunnelTarget is one parsed create request: a host plus the remote port the
// tunnel should land on, with an optional operator-requested local port.
type TunnelTarget struct {
	Host       string
	TargetPort int
	LocalPort  int // 0 means auto-assign
}
