// Package tools provides a small, concrete server.ToolRegistry so the
// protocol core's tools/list and tools/call paths - and the deferred-
// response path for long-running tools - have a reachable implementation
// to exercise, per SPEC_FULL.md §4. The protocol core never imports this
// package; it depends only on the server.ToolRegistry interface.
package tools

import (
	"fmt"
	"sync"

	"github.com/clidebridge/mcpwsd/server"
)

// ConfirmFunc is invoked when the "confirm" tool is called; it models a
// host-editor UI prompt that the caller resolves asynchronously by
// calling Registry.Resolve with the token it was given, spec.md §9.
type ConfirmFunc func(client *server.Client, prompt string, token string)

// Registry is an in-memory server.ToolRegistry exposing two illustrative
// tools: "echo" (synchronous) and "confirm" (deferred).
type Registry struct {
	mu      sync.Mutex
	srv     *server.Server
	onAsk   ConfirmFunc
	pending map[string]struct{}
}

// New builds a Registry bound to srv (used to resolve deferred "confirm"
// calls). onAsk is invoked synchronously from Invoke when "confirm" is
// called; pass nil to auto-deny every confirmation (useful in tests).
func New(srv *server.Server, onAsk ConfirmFunc) *Registry {
	return &Registry{
		srv:     srv,
		onAsk:   onAsk,
		pending: make(map[string]struct{}),
	}
}

func (r *Registry) List() []server.ToolDescriptor {
	return []server.ToolDescriptor{
		{
			Name:        "echo",
			Description: "Echo back the given text.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text": map[string]interface{}{"type": "string"},
				},
				"required": []string{"text"},
			},
		},
		{
			Name:        "confirm",
			Description: "Ask the user to confirm an action in the host editor.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"prompt": map[string]interface{}{"type": "string"},
				},
				"required": []string{"prompt"},
			},
		},
	}
}

func (r *Registry) Invoke(client *server.Client, params server.ToolCallParams, token string) server.HandlerOutcome {
	switch params.Name {
	case "echo":
		text, _ := params.Arguments["text"].(string)
		return server.Ok(map[string]interface{}{
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": text},
			},
		})

	case "confirm":
		prompt, _ := params.Arguments["prompt"].(string)

		r.mu.Lock()
		r.pending[token] = struct{}{}
		r.mu.Unlock()

		if r.onAsk != nil {
			r.onAsk(client, prompt, token)
		} else {
			// No host UI wired up: resolve immediately with a denial so
			// the deferred path still round-trips in tests that don't
			// supply a ConfirmFunc.
			r.Resolve(token, false)
		}
		return server.Deferred(token)

	default:
		return server.Err(&server.JsonRpcError{
			Code:    -32601,
			Message: "Method not found",
			Data:    fmt.Sprintf("unknown tool %q", params.Name),
		})
	}
}

// Resolve completes a pending "confirm" call, spec.md §4.6 "Deferred
// responses" / §9. Calling Resolve with an unknown or already-resolved
// token is a silent no-op, matching the dispatcher's own contract.
func (r *Registry) Resolve(token string, confirmed bool) {
	r.mu.Lock()
	_, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.srv.Resolve(token, server.Ok(map[string]interface{}{
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": fmt.Sprintf("confirmed=%v", confirmed)},
		},
	}))
}
