package server

// ToolDescriptor describes one callable tool for tools/list, spec.md §6.
type ToolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

// ToolCallParams is the params object of a tools/call request.
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// OutcomeKind tags a HandlerOutcome's variant, spec.md §4.6.
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeErr
	OutcomeDeferred
)

// HandlerOutcome is the result of invoking a tool, spec.md §4.6
// "HandlerOutcome ∈ {Ok(value), Err(JsonRpcError), Deferred(token)}".
type HandlerOutcome struct {
	Kind  OutcomeKind
	Value interface{}
	Err   *JsonRpcError
	Token string
}

// Ok builds a synchronous success outcome.
func Ok(value interface{}) HandlerOutcome { return HandlerOutcome{Kind: OutcomeOk, Value: value} }

// Err builds a synchronous error outcome.
func Err(e *JsonRpcError) HandlerOutcome { return HandlerOutcome{Kind: OutcomeErr, Err: e} }

// Deferred builds an outcome whose response is postponed until token is
// resolved via Dispatcher.Resolve, spec.md §4.6 "Deferred responses".
func Deferred(token string) HandlerOutcome { return HandlerOutcome{Kind: OutcomeDeferred, Token: token} }

// ToolRegistry is the injected mapping from method name to handler
// callable, spec.md §1 "Out of scope" / §6 "Injected collaborators". The
// core package depends only on this interface; concrete tools (package
// tools) live outside the protocol core.
type ToolRegistry interface {
	// List returns the descriptors served by tools/list.
	List() []ToolDescriptor
	// Invoke dispatches a tools/call request to the named tool. token is a
	// pending-response token the dispatcher has already registered before
	// calling Invoke, so a tool that resolves it synchronously (e.g. an
	// immediate auto-deny) still finds a live entry instead of racing the
	// dispatcher's own bookkeeping.
	Invoke(client *Client, params ToolCallParams, token string) HandlerOutcome
}
