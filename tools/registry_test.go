package tools

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clidebridge/mcpwsd/server"
)

func TestListDescribesEchoAndConfirm(t *testing.T) {
	r := New(nil, nil)
	names := map[string]bool{}
	for _, d := range r.List() {
		names[d.Name] = true
		require.NotEmpty(t, d.Description)
		require.NotNil(t, d.InputSchema)
	}
	require.True(t, names["echo"])
	require.True(t, names["confirm"])
}

func TestInvokeEchoIsSynchronous(t *testing.T) {
	r := New(nil, nil)
	outcome := r.Invoke(nil, server.ToolCallParams{
		Name:      "echo",
		Arguments: map[string]interface{}{"text": "hi"},
	}, "tok-1")
	require.Equal(t, server.OutcomeOk, outcome.Kind)
	require.NotNil(t, outcome.Value)
}

func TestInvokeUnknownToolIsMethodNotFound(t *testing.T) {
	r := New(nil, nil)
	outcome := r.Invoke(nil, server.ToolCallParams{Name: "does-not-exist"}, "tok-1")
	require.Equal(t, server.OutcomeErr, outcome.Kind)
	require.Equal(t, -32601, outcome.Err.Code)
}

func TestInvokeConfirmWithCallbackDefersUnderGivenToken(t *testing.T) {
	// New(srv, nil) auto-resolves "confirm" immediately via r.Resolve,
	// which here calls into a nil *server.Server - so instead exercise the
	// pending-token bookkeeping directly by supplying a ConfirmFunc that
	// captures the token without touching srv. (The real default path,
	// where Resolve does touch a live *server.Server, is covered by
	// TestConfirmAutoDenyRoundTripsThroughRealServer.)
	var captured string
	r := New(nil, func(c *server.Client, prompt string, token string) {
		captured = token
	})

	outcome := r.Invoke(nil, server.ToolCallParams{
		Name:      "confirm",
		Arguments: map[string]interface{}{"prompt": "proceed?"},
	}, "tok-1")
	require.Equal(t, server.OutcomeDeferred, outcome.Kind)
	require.Equal(t, "tok-1", outcome.Token)
	require.Equal(t, captured, outcome.Token)
}

func TestResolveUnknownTokenIsNoOp(t *testing.T) {
	r := New(nil, nil)
	// Must not panic even though srv is nil: an unknown token returns
	// before ever touching r.srv.
	r.Resolve("never-issued", true)
}
