package server

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Callbacks are the four callbacks surfaced outward, spec.md §3 "callbacks"
// / §6 "Injected collaborators". Any nil callback is treated as a no-op.
type Callbacks struct {
	OnConnect    func(c *Client)
	OnMessage    func(c *Client, text []byte)
	OnDisconnect func(c *Client, code int, reason string)
	OnError      func(msg string)
}

func (cb Callbacks) onConnect(c *Client) {
	if cb.OnConnect != nil {
		cb.OnConnect(c)
	}
}

func (cb Callbacks) onMessage(c *Client, text []byte) {
	if cb.OnMessage != nil {
		cb.OnMessage(c, text)
	}
}

func (cb Callbacks) onDisconnect(c *Client, code int, reason string) {
	if cb.OnDisconnect != nil {
		cb.OnDisconnect(c, code, reason)
	}
}

func (cb Callbacks) onError(msg string) {
	if cb.OnError != nil {
		cb.OnError(msg)
	}
}

// Server is the MCP WebSocket endpoint core, spec.md §3 "Server". It owns
// the TCP listener, the client registry, the keepalive supervisor, and
// the JSON-RPC dispatcher.
type Server struct {
	mu sync.Mutex

	opts      Options
	callbacks Callbacks
	log       Logger
	clock     Clock
	scheduler Scheduler
	ids       *idGenerator

	listener   net.Listener
	port       int
	running    bool
	shutdownCh chan struct{}

	clients map[string]*Client

	keepalive  *keepalive
	dispatcher *Dispatcher
}

// New builds a Server. registry may be nil if tools/list and tools/call
// are not needed (e.g. protocol-core-only tests).
func New(opts Options, registry ToolRegistry, callbacks Callbacks, log Logger) (*Server, error) {
	if log == nil {
		log = noopLogger{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		opts:      opts,
		callbacks: callbacks,
		log:       log,
		clock:     NewRealClock(),
		scheduler: NewGoScheduler(),
		ids:       newIDGenerator(),
		clients:   make(map[string]*Client),
	}
	s.dispatcher = newDispatcher(s, registry)
	s.keepalive = newKeepalive(s, opts.KeepaliveInterval.Milliseconds())

	if opts.AuthToken == "" {
		log.Warnf("no auth token configured: accepting any client on %s", opts.Host)
	}

	return s, nil
}

// Port returns the bound port once Start has succeeded.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start binds the listener (spec.md §4.4 port selection) and begins
// accepting clients. Returns (false, reason) on failure, per spec.md §7
// "Server already running on start".
func (s *Server) Start() (bool, string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false, "Server already running"
	}
	s.mu.Unlock()

	ln, port, err := bindPortRange(s.opts.Host, s.opts.PortMin, s.opts.PortMax)
	if err != nil {
		return false, err.Error()
	}

	s.mu.Lock()
	s.listener = ln
	s.port = port
	s.running = true
	s.shutdownCh = make(chan struct{})
	s.mu.Unlock()

	s.log.Noticef("listening for MCP clients on ws://%s:%d", s.opts.Host, port)

	s.keepalive.start()
	go s.acceptLoop()

	return true, ""
}

// Stop shuts down the server, spec.md §4.4 "Shutdown". It closes every
// connected client with code 1001, clears the client table, closes the
// listener, and stops the keepalive timer.
func (s *Server) Stop() (bool, string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false, "Server not running"
	}
	s.running = false
	ln := s.listener
	close(s.shutdownCh)
	s.mu.Unlock()

	// Route every client through disconnect(), the single exactly-once
	// exit point (spec.md §4.4), rather than clearing the table directly:
	// a client that races this loop with its own EOF/error/keepalive-
	// timeout path must still get exactly one on_disconnect call.
	for _, c := range s.snapshotClients() {
		s.disconnect(c, closeStatusGoingAway, "Server shutting down")
	}

	s.keepalive.stop()
	s.dispatcher.clear()
	if ln != nil {
		ln.Close()
	}
	s.scheduler.Close()

	return true, ""
}

// disconnect is spec.md §4.4's "single function ... the only way clients
// leave the registry". It is idempotent: once a client's id is no longer
// in the table, subsequent calls for the same client are no-ops, which is
// how the exactly-once on_disconnect invariant (spec.md §8) holds across
// every termination path.
func (s *Server) disconnect(c *Client, code int, reason string) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	if !present {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.callbacks.onDisconnect(c, code, reason)
	c.closeWithCode(code, reason)
	c.markClosed()
}

func (s *Server) snapshotClients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// handleIncomingMessage is the scheduler-run continuation of a Text/Binary
// frame delivery, spec.md §4.3 "Deliver payload to on_message(client,
// payload) via the scheduler" and §2's data-flow C1 -> C6 -> registry ->
// outbound JSON -> C1. The external OnMessage callback still fires first,
// for observability (spec.md §6), but the JSON-RPC dispatcher is always
// the one actually driving initialize/tools.* and writing any response.
func (s *Server) handleIncomingMessage(c *Client, payload []byte) {
	s.callbacks.onMessage(c, payload)

	resp := s.dispatcher.Dispatch(c, payload)
	if resp == nil {
		return
	}
	if err := c.Send(resp); err != nil {
		s.log.Debugf("client %s: dropping response, %v", c.id, err)
	}
}

// onHandshakeComplete is invoked once a client's WS handshake succeeds.
// spec.md's on_connect callback fires earlier, at TCP accept time
// (spec.md §4.4 "Accept loop"); this hook exists only for diagnostics.
func (s *Server) onHandshakeComplete(c *Client) {
	s.log.Debugf("client %s: handshake complete", c.id)
}

// SetToolRegistry (re)binds the ToolRegistry used by tools/list and
// tools/call, for registries that themselves need a *Server reference
// and so must be constructed after New returns.
func (s *Server) SetToolRegistry(reg ToolRegistry) {
	s.dispatcher.SetRegistry(reg)
}

// Resolve completes a deferred tools/call invocation, spec.md §4.6.
func (s *Server) Resolve(token string, outcome HandlerOutcome) {
	s.dispatcher.Resolve(token, outcome)
}

// Send pushes a JSON-RPC notification to one client, spec.md §4.6
// "Outbound: a server can additionally send(client, method, params)".
func (s *Server) Send(c *Client, method string, params interface{}) error {
	env := envelope{JSONRPC: "2.0", Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "server: marshal notification params")
		}
		env.Params = b
	}
	return c.Send(marshalEnvelope(env))
}

// Broadcast pushes a JSON-RPC notification to every connected client,
// spec.md §4.6 "broadcast(method, params) to all clients".
func (s *Server) Broadcast(method string, params interface{}) {
	for _, c := range s.snapshotClients() {
		if c.State() == StateConnected {
			s.Send(c, method, params) //nolint:errcheck // best-effort broadcast
		}
	}
}
