// Package util holds small network helpers shared by the server binaries.
package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrAddrInUse is wrapped by Listen when the address is already bound.
var ErrAddrInUse = errors.New("address already in use")

// Listen opens a TCP listener on address. An "address already in use"
// failure is reported as ErrAddrInUse so callers can tell it apart from
// configuration mistakes.
func Listen(address string) (net.Listener, error) {
	if address == "" {
		return nil, fmt.Errorf("listen address cannot be empty")
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		if IsAddrInUse(err) {
			return nil, fmt.Errorf("listening on %s: %w: %w", address, ErrAddrInUse, err)
		}
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return ln, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAddrInUse) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.EADDRINUSE {
		return true
	}
	// Go's net package often wraps these, e.g. *net.OpError
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
