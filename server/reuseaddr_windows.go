//go:build windows

package server

import "syscall"

// controlReuseAddr is a no-op on windows, where SO_REUSEADDR has
// different (and unsafe) semantics than on unix.
func controlReuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
