package tunnel

import (
	"errors"

	"github.com/rackops/idrac-tunnel/internal/util"
)

var (
	// ErrInvalidInput marks a malformed host spec, port or range. It is the
	// same sentinel the port validators wrap, so a validation failure deep in
	// a probe or parse still reports the right kind.
	ErrInvalidInput = util.ErrInvalidInput

	// ErrNotFound marks an operation targeting a port with no active tunnel.
	ErrNotFound = errors.New("no active tunnel on port")

	// ErrNotOwned marks a port whose bound process is not an ssh tunnel;
	// close never signals such a process.
	ErrNotOwned = errors.New("process on port is not an ssh tunnel")
)
