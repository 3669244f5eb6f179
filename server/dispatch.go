package server

import (
	"encoding/json"
	"sync"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "mcpwsd"
	serverVersion   = "0.1.0"
)

// envelope is the wire JSON-RPC 2.0 message shape, spec.md §4.6.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JsonRpcError   `json:"error,omitempty"`
}

// handlerFunc is a built-in or registry-backed dispatcher handler. id is the
// request's JSON-RPC id, carried down so a handler that defers (tools/call)
// can pre-register its pending sender under the same id before returning.
type handlerFunc func(c *Client, d *Dispatcher, id json.RawMessage, params json.RawMessage) HandlerOutcome

// pendingRequest is spec.md §3 "PendingRequest (deferred)".
type pendingRequest struct {
	client *Client
	id     json.RawMessage
}

// Dispatcher is the JSON-RPC dispatcher (C6), spec.md §4.6. It owns the
// method table and the process-wide deferred-response mapping so that a
// deferred tool invocation can complete independently of the request
// goroutine that received it.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	registry ToolRegistry
	pending  map[string]pendingRequest
	server   *Server
}

func newDispatcher(srv *Server, registry ToolRegistry) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]handlerFunc),
		registry: registry,
		pending:  make(map[string]pendingRequest),
		server:   srv,
	}
	d.handlers["initialize"] = d.handleInitialize
	d.handlers["notifications/initialized"] = d.handleInitialized
	d.handlers["prompts/list"] = d.handlePromptsList
	d.handlers["tools/list"] = d.handleToolsList
	d.handlers["tools/call"] = d.handleToolsCall
	return d
}

// Dispatch parses raw (one WebSocket Text/Binary payload) and, if it forms
// a JSON-RPC request, routes it to a handler and returns the response
// bytes to send - or nil if no response should be emitted (a notification,
// or a request whose handler deferred).
func (d *Dispatcher) Dispatch(c *Client, raw []byte) []byte {
	var probe interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return marshalEnvelope(envelope{JSONRPC: "2.0", ID: nullID, Error: newParseError()})
	}
	if _, isObject := probe.(map[string]interface{}); !isObject {
		return marshalEnvelope(envelope{JSONRPC: "2.0", ID: nullID, Error: newInvalidRequest()})
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return marshalEnvelope(envelope{JSONRPC: "2.0", ID: nullID, Error: newInvalidRequest()})
	}

	if env.JSONRPC != "2.0" {
		return marshalEnvelope(envelope{JSONRPC: "2.0", ID: idOrNull(env.ID), Error: newInvalidRequest()})
	}

	isNotification := len(env.ID) == 0
	if env.Method == "" {
		if isNotification {
			return nil
		}
		return marshalEnvelope(envelope{JSONRPC: "2.0", ID: idOrNull(env.ID), Error: newInvalidRequest()})
	}

	handler, ok := d.handlers[env.Method]
	if !ok {
		if isNotification {
			return nil
		}
		return marshalEnvelope(envelope{JSONRPC: "2.0", ID: idOrNull(env.ID), Error: newMethodNotFound(env.Method)})
	}

	outcome := func() (out HandlerOutcome) {
		defer func() {
			if r := recover(); r != nil {
				out = Err(newInternalErrorFromPanic(r))
			}
		}()
		return handler(c, d, env.ID, env.Params)
	}()

	if isNotification {
		return nil
	}

	switch outcome.Kind {
	case OutcomeOk:
		return marshalEnvelope(envelope{JSONRPC: "2.0", ID: env.ID, Result: resultBytes(outcome.Value)})
	case OutcomeErr:
		return marshalEnvelope(envelope{JSONRPC: "2.0", ID: env.ID, Error: outcome.Err})
	case OutcomeDeferred:
		// handleToolsCall, the only handler that can produce this outcome,
		// already registered d.pending[outcome.Token] before invoking the
		// registry (so a synchronous resolve-before-return still finds a
		// live entry). Registering it again here would either be a harmless
		// no-op or, if it was already resolved synchronously, re-add a
		// stale entry for a token that will never be resolved again.
		return nil
	default:
		return marshalEnvelope(envelope{JSONRPC: "2.0", ID: env.ID, Error: newInternalError(errUnknownOutcome)})
	}
}

// Resolve completes a previously deferred tools/call invocation, spec.md
// §4.6 "when the tool completes, it looks up its token". If the client is
// gone (spec.md §3 "weak reference"), the response is dropped silently.
// If no sender is registered for token (already resolved, or the server
// has stopped and cleared the table), Resolve is a silent no-op, spec.md
// §9 "find no sender and silently drop".
func (d *Dispatcher) Resolve(token string, outcome HandlerOutcome) {
	d.mu.Lock()
	pr, ok := d.pending[token]
	if ok {
		delete(d.pending, token)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if pr.client.State() != StateConnected {
		return
	}

	var env envelope
	switch outcome.Kind {
	case OutcomeErr:
		env = envelope{JSONRPC: "2.0", ID: pr.id, Error: outcome.Err}
	default:
		env = envelope{JSONRPC: "2.0", ID: pr.id, Result: resultBytes(outcome.Value)}
	}
	pr.client.Send(marshalEnvelope(env)) //nolint:errcheck // best-effort; client may race to disconnect
}

// clear drops every outstanding deferred response, spec.md §4.6/§5
// "Server shutdown cancels all deferred responses."
func (d *Dispatcher) clear() {
	d.mu.Lock()
	d.pending = make(map[string]pendingRequest)
	d.mu.Unlock()
}

func (d *Dispatcher) handleInitialize(c *Client, disp *Dispatcher, id json.RawMessage, params json.RawMessage) HandlerOutcome {
	return Ok(map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]interface{}{
			"logging": map[string]interface{}{},
			"prompts": map[string]interface{}{"listChanged": true},
			"resources": map[string]interface{}{
				"subscribe":   true,
				"listChanged": true,
			},
			"tools": map[string]interface{}{"listChanged": true},
		},
		"serverInfo": map[string]interface{}{
			"name":    serverName,
			"version": serverVersion,
		},
	})
}

func (d *Dispatcher) handleInitialized(c *Client, disp *Dispatcher, id json.RawMessage, params json.RawMessage) HandlerOutcome {
	return Ok(map[string]interface{}{})
}

func (d *Dispatcher) handlePromptsList(c *Client, disp *Dispatcher, id json.RawMessage, params json.RawMessage) HandlerOutcome {
	return Ok(map[string]interface{}{"prompts": []interface{}{}})
}

func (d *Dispatcher) handleToolsList(c *Client, disp *Dispatcher, id json.RawMessage, params json.RawMessage) HandlerOutcome {
	d.mu.Lock()
	reg := d.registry
	d.mu.Unlock()
	if reg == nil {
		return Ok(map[string]interface{}{"tools": []ToolDescriptor{}})
	}
	return Ok(map[string]interface{}{"tools": reg.List()})
}

func (d *Dispatcher) handleToolsCall(c *Client, disp *Dispatcher, id json.RawMessage, params json.RawMessage) HandlerOutcome {
	d.mu.Lock()
	reg := d.registry
	d.mu.Unlock()
	if reg == nil {
		return Err(newMethodNotFound("tools/call"))
	}
	var p ToolCallParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Err(newInvalidParams(err.Error()))
		}
	}

	// Pre-register the pending sender under a dispatcher-minted token before
	// the registry runs, so a tool that resolves synchronously (e.g. an
	// immediate auto-deny with no callback configured) finds a live entry
	// instead of racing this function's own return.
	token := d.server.ids.next()
	d.mu.Lock()
	d.pending[token] = pendingRequest{client: c, id: id}
	d.mu.Unlock()
	deferred := false
	defer func() {
		if !deferred {
			d.mu.Lock()
			delete(d.pending, token)
			d.mu.Unlock()
		}
	}()

	outcome := reg.Invoke(c, p, token)
	deferred = outcome.Kind == OutcomeDeferred
	return outcome
}

// SetRegistry (re)binds the ToolRegistry used by tools/list and
// tools/call. This exists so that a registry implementation needing a
// *Server reference (to call Resolve for its own deferred tools, as
// package tools does) can be constructed after the server itself.
func (d *Dispatcher) SetRegistry(reg ToolRegistry) {
	d.mu.Lock()
	d.registry = reg
	d.mu.Unlock()
}

var nullID = json.RawMessage("null")

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// resultBytes pre-marshals a handler's result value so that envelope.Result
// (a json.RawMessage) is only omitted when v is genuinely absent - never
// because the marshaled value happens to be an empty object or array.
// encoding/json's omitempty recurses through interface{} fields, which
// would otherwise drop a deliberate {} result the same way it drops a nil
// one; RawMessage's omitempty only checks byte length, not content.
func resultBytes(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func marshalEnvelope(env envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		// json.Marshal on our own envelope type cannot fail in practice;
		// fall back to a hand-built internal error envelope rather than
		// propagate a marshal error outward.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"Internal error"}}`)
	}
	return b
}
