package server

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
)

const acceptReadBufferSize = 4096

// bindPortRange implements spec.md §4.4 "Startup": try ports in a random
// permutation of [min,max] against host until one binds, with a backlog
// of at least 128. If min == max == 0, the OS picks an ephemeral port.
func bindPortRange(host string, portMin, portMax int) (net.Listener, int, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}

	if portMin == 0 && portMax == 0 {
		ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, errors.Wrap(err, "bind: ephemeral port")
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}

	n := portMax - portMin + 1
	perm := rand.Perm(n)
	var lastErr error
	for _, offset := range perm {
		port := portMin + offset
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return ln, port, nil
	}
	if lastErr == nil {
		lastErr = errors.New("empty port range")
	}
	return nil, 0, errors.Wrapf(lastErr, "bind: no free port in [%d,%d] on %s", portMin, portMax, host)
}

// acceptLoop is spec.md §4.4 "Accept loop".
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.log.Errorf("accept: %v", err)
				return
			}
		}
		s.handleNewConnection(conn)
	}
}

func (s *Server) handleNewConnection(conn net.Conn) {
	id := s.ids.next()
	c := newClient(id, conn, s)

	// Bound how long a connection may sit unhandshaked, the same way the
	// upstream server deadlines the underlying conn rather than running a
	// separate timer: runHandshakePhase clears the deadline once the
	// upgrade succeeds.
	if s.opts.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	}

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()

	// on_connect fires at accept time, before the WS handshake completes,
	// per spec.md §8 scenario 2's "Connection-level on_connect does fire
	// at accept time".
	s.callbacks.onConnect(c)

	go s.readLoop(c)
}

// readLoop is spec.md §4.4's "Read callback semantics".
func (s *Server) readLoop(c *Client) {
	buf := make([]byte, acceptReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if ferr := c.feed(buf[:n]); ferr != nil {
				s.callbacks.onError(ferr.Error())
				s.disconnect(c, closeStatusAbnormal, fmt.Sprintf("Client read error: %v", ferr))
				return
			}
		}
		if err != nil {
			if c.State() == StateClosed {
				// The connection was already retired via another path
				// (peer close frame, protocol error, keepalive timeout,
				// shutdown); this read error is just the socket catching
				// up. disconnect's idempotency would absorb a duplicate
				// call anyway, but skip it so on_error stays quiet too.
				return
			}
			if err == io.EOF {
				s.disconnect(c, closeStatusAbnormal, "EOF")
			} else {
				s.callbacks.onError(fmt.Sprintf("client %s: read error: %v", c.id, err))
				s.disconnect(c, closeStatusAbnormal, fmt.Sprintf("Client read error: %v", err))
			}
			return
		}
		if c.State() == StateClosed {
			return
		}
	}
}
