package util

import (
	"errors"
	"fmt"
)

const (
	MinPort = 1
	MaxPort = 65535

	// MinLocalPort is the lowest local port the tool will bind; privileged
	// ports are never auto-assigned or accepted as explicit requests.
	MinLocalPort = 1024
)

// ErrInvalidInput marks operator input that fails validation: malformed host
// specs, out-of-range ports, bad ranges. Every validation error wraps it so
// the kind survives through the layers.
var ErrInvalidInput = errors.New("invalid input")

// ValidatePort checks if port is in valid range (1-65535).
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: port %d out of range (must be %d-%d)", ErrInvalidInput, port, MinPort, MaxPort)
	}
	return nil
}

// ValidateLocalPort checks if port is acceptable as a local tunnel endpoint.
func ValidateLocalPort(port int) error {
	if port < MinLocalPort || port > MaxPort {
		return fmt.Errorf("%w: local port %d out of range (must be %d-%d)", ErrInvalidInput, port, MinLocalPort, MaxPort)
	}
	return nil
}
