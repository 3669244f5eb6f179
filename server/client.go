package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ClientState is the per-connection lifecycle state, spec.md §3.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// framesPerTick is the burst size of the advisory inbound rate limiter
// (1000 Text/Binary frames per second steady state). The limiter never
// delays or drops a frame: a client that exceeds the budget only produces
// a warning log line. Control frames (ping/pong/close) are not counted.
const framesPerTick = 64

// Client is one accepted WebSocket peer, spec.md §3 "Client".
type Client struct {
	mu sync.Mutex

	id     string
	conn   net.Conn
	server *Server

	state         ClientState
	inBuffer      []byte
	handshakeDone bool

	lastPingSent int64
	lastPongRecv int64

	limiter *rate.Limiter
}

func newClient(id string, conn net.Conn, srv *Server) *Client {
	now := srv.clock.MonotonicMS()
	return &Client{
		id:           id,
		conn:         conn,
		server:       srv,
		state:        StateConnecting,
		lastPongRecv: now,
		limiter:      rate.NewLimiter(rate.Limit(1000), framesPerTick),
	}
}

// ID returns the client's opaque, process-unique identifier.
func (c *Client) ID() string { return c.id }

// State returns the client's current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteAddr returns the underlying socket's remote address for logging.
func (c *Client) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// feed appends newly read bytes to the client's in_buffer and drives the
// two-phase consumer described in spec.md §4.3. It returns a non-nil
// error only for conditions that must terminate the connection; the
// caller (the TCP listener's read loop) is responsible for funneling
// that into Server.disconnect.
func (c *Client) feed(data []byte) error {
	c.mu.Lock()
	c.inBuffer = append(c.inBuffer, data...)
	c.mu.Unlock()
	return c.drain()
}

// drain repeatedly runs Phase A (pre-handshake) or Phase B (post-handshake)
// over in_buffer until neither makes further progress.
func (c *Client) drain() error {
	for {
		c.mu.Lock()
		done := c.handshakeDone
		state := c.state
		c.mu.Unlock()

		if state == StateClosed || state == StateClosing {
			return nil
		}

		if !done {
			progressed, err := c.runHandshakePhase()
			if err != nil {
				return err
			}
			if !progressed {
				return nil
			}
			continue
		}

		progressed, err := c.runFramePhase()
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// runHandshakePhase implements spec.md §4.3 Phase A. Returns progressed
// = true if it should be called again immediately (handshake completed
// and leftover bytes remain).
func (c *Client) runHandshakePhase() (progressed bool, err error) {
	c.mu.Lock()
	buf := c.inBuffer
	token := c.server.opts.AuthToken
	c.mu.Unlock()

	res := parseHandshake(buf, token)
	if !res.complete {
		return false, nil
	}

	if _, werr := c.conn.Write(res.response); werr != nil {
		return false, errors.Wrap(werr, "handshake: writing response")
	}

	if !res.ok {
		c.mu.Lock()
		c.state = StateClosing
		c.mu.Unlock()
		c.conn.Close()
		return false, errors.New("handshake rejected")
	}

	c.mu.Lock()
	c.handshakeDone = true
	c.state = StateConnected
	c.inBuffer = append([]byte(nil), res.remaining...)
	remainingNonEmpty := len(c.inBuffer) > 0
	c.mu.Unlock()

	if c.server.opts.HandshakeTimeout > 0 {
		c.conn.SetDeadline(time.Time{})
	}
	c.server.onHandshakeComplete(c)

	return remainingNonEmpty, nil
}

// runFramePhase implements spec.md §4.3 Phase B: parse and dispatch one
// frame from in_buffer. Returns progressed = true if a frame was consumed
// and the caller should try again (more frames may be buffered).
func (c *Client) runFramePhase() (progressed bool, err error) {
	c.mu.Lock()
	buf := c.inBuffer
	c.mu.Unlock()

	if len(buf) < 2 {
		return false, nil
	}

	fr, n, ferr := decodeFrame(buf)
	if ferr == errNeedMore {
		return false, nil
	}
	if ferr != nil {
		c.server.log.Errorf("client %s: %v", c.id, ferr)
		c.server.callbacks.onError(ferr.Error())
		c.closeWithCode(closeStatusProtocolError, ferr.Error())
		c.server.disconnect(c, closeStatusAbnormal, ferr.Error())
		return false, nil
	}

	// Flag (but never stall) a client sending Text/Binary frames far
	// faster than the limiter's steady-state budget - a signal worth a
	// log line for operators, without risking a stuck connection by
	// refusing to drain a buffered frame the client is owed a response to.
	if (fr.opcode == opText || fr.opcode == opBinary) && !c.limiter.Allow() {
		c.server.log.Warnf("client %s: exceeding inbound message rate budget", c.id)
	}

	c.mu.Lock()
	c.inBuffer = append([]byte(nil), buf[n:]...)
	c.mu.Unlock()

	if err := c.dispatchFrame(fr); err != nil {
		return false, err
	}
	return true, nil
}

// dispatchFrame implements the opcode table of spec.md §4.3.
func (c *Client) dispatchFrame(fr frame) error {
	switch fr.opcode {
	case opText, opBinary:
		payload := fr.payload
		c.server.scheduler.Spawn(func() {
			c.server.handleIncomingMessage(c, payload)
		})
		return nil

	case opClose:
		return c.handlePeerClose(fr.payload)

	case opPing:
		c.sendControl(opPong, fr.payload)
		return nil

	case opPong:
		c.mu.Lock()
		c.lastPongRecv = c.server.clock.MonotonicMS()
		c.mu.Unlock()
		return nil

	case opContinuation:
		msg := "Fragmented messages not supported"
		c.server.callbacks.onError(msg)
		c.closeWithCode(closeStatusUnsupportedData, msg)
		c.server.disconnect(c, closeStatusAbnormal, msg)
		return nil

	default:
		return fmt.Errorf("client %s: unhandled opcode %v", c.id, fr.opcode)
	}
}

func (c *Client) handlePeerClose(payload []byte) error {
	code, reason := decodeCloseCode(payload)

	c.mu.Lock()
	wasConnected := c.state == StateConnected
	if wasConnected {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if wasConnected {
		c.sendClose(closeStatusNormal, "")
	}
	c.server.disconnect(c, code, reason)
	return nil
}

// sendClose writes a close control frame built from a status code and a
// UTF-8 reason, per spec.md §4.1 "Close frame payload".
func (c *Client) sendClose(status int, reason string) {
	full := encodeCloseFrame(status, reason)
	// Control frame payloads here never exceed maxControl-2 bytes, so the
	// header encodeFrame chose is always the 2-byte short form.
	c.sendControl(opClose, full[2:])
}

// sendControl writes a control frame (ping/pong/close) directly, bypassing
// the "must be Connected" rule that governs application sends, since
// control frames are part of the close/keepalive handshake itself.
func (c *Client) sendControl(code opCode, payload []byte) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	buf := encodeFrame(code, payload)
	c.conn.Write(buf) //nolint:errcheck // write errors surface via the read loop's next EOF/error
}

// Send writes a Text frame carrying payload. Per spec.md §4.3, outbound
// sends require state == Connected.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != StateConnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("client %s: not connected (state=%s)", c.id, st)
	}
	c.mu.Unlock()
	buf := encodeFrame(opText, payload)
	_, err := c.conn.Write(buf)
	return errors.Wrap(err, "client: send")
}

// Close implements spec.md §4.3 close(code, reason): idempotent, sends a
// close frame if the handshake completed, then closes the socket.
func (c *Client) Close(code int, reason string) {
	c.closeWithCode(code, reason)
}

// closeWithCode is idempotent in what it sends (at most one reciprocal
// close frame, on the first call), but c.conn.Close() always runs: a peer
// that sends a CLOSE frame and then holds its end of the TCP connection
// open must not leave this side's socket - and its readLoop goroutine -
// dangling. Closing an already-closed net.Conn is a no-op error, safe to
// discard.
func (c *Client) closeWithCode(code int, reason string) {
	c.mu.Lock()
	alreadyClosing := c.state == StateClosed || c.state == StateClosing
	handshakeDone := c.handshakeDone
	if !alreadyClosing {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if !alreadyClosing && handshakeDone {
		c.sendClose(code, reason)
	}
	c.conn.Close() //nolint:errcheck // idempotent; a second close is expected on some paths
}

// markClosed transitions the client to Closed. Called only from
// Server.disconnect, the single point of exit from the registry.
func (c *Client) markClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.inBuffer = nil
	c.mu.Unlock()
}
