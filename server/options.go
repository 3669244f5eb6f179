package server

import (
	"errors"
	"time"
)

// Options configures a Server, gathering the knobs spec.md implies but
// never names into one validated struct (SPEC_FULL.md §2.3).
type Options struct {
	// Host is the loopback address to bind; spec.md §6 mandates 127.0.0.1.
	Host string
	// PortMin/PortMax bound the port range the listener picks from,
	// spec.md §4.4.
	PortMin int
	PortMax int
	// AuthToken, if non-empty, must match the X-Claude-Code-Ide-Authorization
	// header exactly, spec.md §4.2 point 6 / §6. Empty means "accept any
	// client", and the server logs a warning at startup.
	AuthToken string
	// KeepaliveInterval is the ping period, spec.md §4.5 (default 30s).
	KeepaliveInterval time.Duration
	// HandshakeTimeout bounds how long a connection may sit in
	// StateConnecting before being dropped. Zero disables the timeout.
	HandshakeTimeout time.Duration
}

// DefaultOptions returns Options with spec.md's documented defaults.
func DefaultOptions() Options {
	return Options{
		Host:              "127.0.0.1",
		PortMin:           0,
		PortMax:           0,
		KeepaliveInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

func (o Options) validate() error {
	if o.Host == "" {
		return errors.New("server: Host must not be empty")
	}
	if o.PortMin < 0 || o.PortMax < 0 || o.PortMin > o.PortMax {
		return errors.New("server: invalid port range")
	}
	if o.KeepaliveInterval <= 0 {
		return errors.New("server: KeepaliveInterval must be positive")
	}
	return nil
}
