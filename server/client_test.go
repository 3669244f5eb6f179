package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeConn is a minimal net.Conn that captures writes and never blocks;
// Read is unused by these tests since Client.feed is driven directly.
type fakeConn struct {
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (c *fakeConn) Read(b []byte) (int, error)  { return 0, nil }
func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(b)
}
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConn) LocalAddr() net.Addr              { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr             { return fakeAddr{} }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:0" }

// syncScheduler runs Spawn'd tasks inline, so tests don't need to wait on
// a background worker goroutine to observe a dispatched message's effect.
type syncScheduler struct{}

func (syncScheduler) Spawn(task func())                          { task() }
func (syncScheduler) Interval(time.Duration, func()) TimerHandle { return noopTimerHandle{} }
func (syncScheduler) Close()                                     {}

type noopTimerHandle struct{}

func (noopTimerHandle) Stop() {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	opts := DefaultOptions()
	opts.HandshakeTimeout = 0
	srv, err := New(opts, nil, Callbacks{}, noopLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.scheduler = syncScheduler{}
	srv.running = true
	srv.shutdownCh = make(chan struct{})
	return srv
}

func attachClient(t *testing.T, srv *Server) (*Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	c := newClient(srv.ids.next(), conn, srv)
	srv.mu.Lock()
	srv.clients[c.id] = c
	srv.mu.Unlock()
	return c, conn
}

func wsKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789012345"))
}

func handshakeBytes() []byte {
	return []byte("GET /mcp HTTP/1.1\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: " + wsKey() + "\r\n\r\n")
}

func maskText(payload string) []byte {
	key := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	return maskedFrame(true, opText, []byte(payload), key)
}

func TestClientHandshakeThenDispatch(t *testing.T) {
	srv := newTestServer(t)
	c, conn := attachClient(t, srv)

	if err := c.feed(handshakeBytes()); err != nil {
		t.Fatalf("feed(handshake): %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want Connected", c.State())
	}
	if !bytes.Contains(conn.written(), []byte("101 Switching Protocols")) {
		t.Fatalf("expected a 101 response, got %q", conn.written())
	}

	req := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	if err := c.feed(maskText(req)); err != nil {
		t.Fatalf("feed(initialize): %v", err)
	}

	written := conn.written()
	headerEnd := bytes.Index(written, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		t.Fatalf("no HTTP handshake response found in %q", written)
	}
	rest := written[headerEnd+4:]

	var env envelope
	var frames [][]byte
	for len(rest) >= 2 {
		fr, n, err := decodeServerFrame(rest)
		if err != nil {
			break
		}
		if fr.opcode == opText {
			frames = append(frames, fr.payload)
		}
		rest = rest[n:]
	}
	if len(frames) == 0 {
		t.Fatalf("no text frames decoded from %q", written)
	}
	if err := json.Unmarshal(frames[len(frames)-1], &env); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if env.Error != nil {
		t.Fatalf("initialize returned an error: %+v", env.Error)
	}
	if len(env.Result) == 0 {
		t.Fatalf("initialize returned no result")
	}
}

// decodeServerFrame decodes one unmasked server->client frame, the
// counterpart to decodeFrame (which requires MASK set).
func decodeServerFrame(buf []byte) (frame, int, error) {
	if len(buf) < 2 {
		return frame{}, 0, errNeedMore
	}
	b0 := buf[0]
	fin := b0&finBit != 0
	code := opCode(b0 & 0x0F)
	payloadLen := int(buf[1] & 0x7F)
	pos := 2
	switch payloadLen {
	case 126:
		if len(buf) < pos+2 {
			return frame{}, 0, errNeedMore
		}
		payloadLen = int(buf[pos])<<8 | int(buf[pos+1])
		pos += 2
	case 127:
		if len(buf) < pos+8 {
			return frame{}, 0, errNeedMore
		}
		n := 0
		for i := 0; i < 8; i++ {
			n = n<<8 | int(buf[pos+i])
		}
		payloadLen = n
		pos += 8
	}
	if len(buf) < pos+payloadLen {
		return frame{}, 0, errNeedMore
	}
	payload := append([]byte(nil), buf[pos:pos+payloadLen]...)
	return frame{fin: fin, opcode: code, payload: payload}, pos + payloadLen, nil
}

func TestClientPingPong(t *testing.T) {
	srv := newTestServer(t)
	c, conn := attachClient(t, srv)
	if err := c.feed(handshakeBytes()); err != nil {
		t.Fatalf("feed(handshake): %v", err)
	}

	key := [4]byte{1, 1, 1, 1}
	if err := c.feed(maskedFrame(true, opPing, []byte("hi"), key)); err != nil {
		t.Fatalf("feed(ping): %v", err)
	}

	written := conn.written()
	headerEnd := bytes.Index(written, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		t.Fatalf("no HTTP handshake response found in %q", written)
	}
	rest := written[headerEnd+4:]
	var sawPong bool
	for len(rest) >= 2 {
		fr, n, err := decodeServerFrame(rest)
		if err != nil {
			break
		}
		if fr.opcode == opPong && string(fr.payload) == "hi" {
			sawPong = true
		}
		rest = rest[n:]
	}
	if !sawPong {
		t.Fatalf("expected a pong reply, got %q", conn.written())
	}
}

func TestClientPeerCloseDisconnectsExactlyOnce(t *testing.T) {
	srv := newTestServer(t)
	var disconnects int
	srv.callbacks.OnDisconnect = func(*Client, int, string) { disconnects++ }
	c, conn := attachClient(t, srv)
	if err := c.feed(handshakeBytes()); err != nil {
		t.Fatalf("feed(handshake): %v", err)
	}

	closePayload := encodeCloseFrame(closeStatusNormal, "bye")[2:]
	key := [4]byte{2, 2, 2, 2}
	if err := c.feed(maskedFrame(true, opClose, closePayload, key)); err != nil {
		t.Fatalf("feed(close): %v", err)
	}

	if c.State() != StateClosed {
		t.Fatalf("state = %v, want Closed", c.State())
	}
	srv.mu.Lock()
	_, present := srv.clients[c.id]
	srv.mu.Unlock()
	if present {
		t.Fatalf("client still present in registry after peer close")
	}
	if !conn.isClosed() {
		t.Fatalf("underlying socket must be closed even when the peer holds its end open")
	}

	// A second disconnect call for the same client must be a no-op.
	srv.disconnect(c, closeStatusNormal, "bye again")
	if disconnects != 1 {
		t.Fatalf("on_disconnect fired %d times, want exactly 1", disconnects)
	}
}

func TestClientContinuationIsUnsupported(t *testing.T) {
	srv := newTestServer(t)
	c, _ := attachClient(t, srv)
	if err := c.feed(handshakeBytes()); err != nil {
		t.Fatalf("feed(handshake): %v", err)
	}

	key := [4]byte{3, 3, 3, 3}
	if err := c.feed(maskedFrame(true, opContinuation, []byte("x"), key)); err != nil {
		t.Fatalf("feed(continuation): %v", err)
	}
	if c.State() != StateClosed && c.State() != StateClosing {
		t.Fatalf("state = %v, want Closing or Closed after unsupported continuation frame", c.State())
	}
}

func TestClientSendRequiresConnected(t *testing.T) {
	srv := newTestServer(t)
	c, _ := attachClient(t, srv)
	if err := c.Send([]byte("x")); err == nil {
		t.Fatalf("expected an error sending before handshake completes")
	}
}
