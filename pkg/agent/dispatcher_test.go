package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRoutesByName(t *testing.T) {
	pods := &stubTool{name: "list_pods", output: "[]"}
	logs := &stubTool{name: "get_pod_logs", output: "log lines"}
	d := NewDispatcher(pods, logs)

	out, ok := d.Dispatch(context.Background(), "get_pod_logs", json.RawMessage(`{"pod":"api-0"}`))
	assert.True(t, ok)
	assert.Equal(t, "log lines", out)
	require.Len(t, logs.seen, 1)
	assert.Empty(t, pods.seen)
}

func TestDispatcherUnknownTool(t *testing.T) {
	d := NewDispatcher()
	out, ok := d.Dispatch(context.Background(), "nope", json.RawMessage(`{}`))
	assert.False(t, ok)
	assert.Contains(t, out, "unknown tool")
	assert.Contains(t, out, "nope")
}

func TestDispatcherHandlerErrorBecomesOutput(t *testing.T) {
	failing := &stubTool{name: "run_script", err: fmt.Errorf("script exploded")}
	d := NewDispatcher(failing)

	out, ok := d.Dispatch(context.Background(), "run_script", json.RawMessage(`{}`))
	assert.False(t, ok)
	assert.Equal(t, "script exploded", out)
}

func TestDispatcherDefinitions(t *testing.T) {
	d := NewDispatcher(&stubTool{name: "list_pods"}, &stubTool{name: "rag_search"})

	defs := d.Definitions()
	require.Len(t, defs, 2)
	raw, err := json.Marshal(defs)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"list_pods"`)
	assert.Contains(t, string(raw), `"rag_search"`)
	assert.Contains(t, string(raw), `"input_schema"`)
}

func TestDispatcherRegisterReplaces(t *testing.T) {
	first := &stubTool{name: "list_pods", output: "old"}
	second := &stubTool{name: "list_pods", output: "new"}
	d := NewDispatcher(first)
	d.Register(second)

	out, ok := d.Dispatch(context.Background(), "list_pods", json.RawMessage(`{}`))
	assert.True(t, ok)
	assert.Equal(t, "new", out)
}
