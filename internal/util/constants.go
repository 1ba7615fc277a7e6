// Package util provides common utility functions and constants used across
// the idrac-tunnel application. This package is intentionally kept
// dependency-free (no imports from other internal/* packages) to serve as a
// shared foundation without introducing circular dependencies.
package util

import "time"

const (
	// SettleDelay is how long to wait after spawning an SSH process before
	// consulting the OS process/port tables. Process and socket registration
	// is not synchronously observable at spawn time; one second is the point
	// where a forked ssh -f child is reliably visible.
	SettleDelay = 1 * time.Second

	// TermGrace is how long a tunnel process gets to exit after SIGTERM
	// before close escalates to SIGKILL.
	TermGrace = 1 * time.Second

	// InterCreateDelay spaces out sequential tunnel creations in a batch so
	// the jump host is not hit with simultaneous SSH negotiations.
	InterCreateDelay = 500 * time.Millisecond

	// MaxProbeAttempts bounds a free-port scan before giving up.
	MaxProbeAttempts = 100
)
