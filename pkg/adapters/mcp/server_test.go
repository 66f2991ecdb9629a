package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waymark/internal/runtime"
	"github.com/aretw0/waymark/pkg/adapters/mcp"
	"github.com/aretw0/waymark/pkg/adapters/memory"
	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/gate"
	"github.com/aretw0/waymark/pkg/ports"
	"github.com/aretw0/waymark/pkg/registry"
)

type failingStore struct {
	*memory.Store
}

func (failingStore) Save(context.Context, *domain.Session) error {
	return assert.AnError
}

func newServer(t *testing.T, store ports.SessionStore) *mcp.Server {
	t.Helper()
	reg := registry.NewRegistry()
	reg.MustRegister(gate.DefaultCatalog(nil)...)
	return mcp.NewServer(gate.New(runtime.NewEngine(store), reg), mcp.WithVersion("1.2.3\n"))
}

// rpc sends one JSON-RPC message and returns the decoded reply.
func rpc(t *testing.T, s *mcp.Server, id int, method string, params any) map[string]any {
	t.Helper()
	raw, err := sonic.ConfigStd.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	reply := s.MCPServer().HandleMessage(context.Background(), json.RawMessage(raw))
	require.NotNil(t, reply)
	out, err := sonic.ConfigStd.Marshal(reply)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, sonic.ConfigStd.Unmarshal(out, &decoded))
	return decoded
}

func initialize(t *testing.T, s *mcp.Server) {
	t.Helper()
	rpc(t, s, 0, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
		"capabilities":    map[string]any{},
	})
}

func callTool(t *testing.T, s *mcp.Server, name string, args map[string]any) map[string]any {
	t.Helper()
	return rpc(t, s, 1, "tools/call", map[string]any{"name": name, "arguments": args})
}

func resultText(t *testing.T, reply map[string]any) (string, bool) {
	t.Helper()
	result, ok := reply["result"].(map[string]any)
	require.True(t, ok, "reply has no result: %v", reply)
	content := result["content"].([]any)
	require.NotEmpty(t, content)
	isError, _ := result["isError"].(bool)
	return content[0].(map[string]any)["text"].(string), isError
}

func TestServer_ListsRegistryTools(t *testing.T) {
	s := newServer(t, memory.NewStore())
	initialize(t, s)

	reply := rpc(t, s, 1, "tools/list", map[string]any{})
	tools := reply["result"].(map[string]any)["tools"].([]any)

	names := map[string]map[string]any{}
	for _, tool := range tools {
		m := tool.(map[string]any)
		names[m["name"].(string)] = m
	}
	for _, want := range []string{gate.ToolStatus, gate.ToolReset, gate.ToolTransition, gate.ToolNext, gate.ToolBack, "discover_instances", "generate_query"} {
		assert.Contains(t, names, want)
	}

	gen := names["generate_query"]
	assert.Contains(t, gen["description"], "Can run from any stage once instance_id, database_name, collection_name are known")
	props := gen["inputSchema"].(map[string]any)["properties"].(map[string]any)
	assert.Contains(t, props, "session_id")
	assert.Contains(t, props, "collection_name")

	reset := names[gate.ToolReset]["inputSchema"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "boolean", reset["confirm"].(map[string]any)["type"])
}

func TestServer_CallOutcomes(t *testing.T) {
	s := newServer(t, memory.NewStore())
	initialize(t, s)

	text, isError := resultText(t, callTool(t, s, "discover_instances", map[string]any{"session_id": "m1"}))
	assert.False(t, isError)
	assert.Contains(t, text, "Stage: init -> instance_analysis")

	text, isError = resultText(t, callTool(t, s, "generate_query", map[string]any{"session_id": "m1"}))
	assert.True(t, isError)
	assert.Contains(t, text, "REJECTED:")
	assert.Contains(t, text, "Missing fields: instance_id, database_name, collection_name")
}

func TestServer_PersistenceFailureIsProtocolError(t *testing.T) {
	s := newServer(t, failingStore{Store: memory.NewStore()})
	initialize(t, s)

	reply := callTool(t, s, "workflow_status", nil)
	assert.Contains(t, reply, "error")
	assert.NotContains(t, reply, "result")
}

func TestServer_Resources(t *testing.T) {
	s := newServer(t, memory.NewStore())
	initialize(t, s)
	callTool(t, s, "discover_instances", map[string]any{"session_id": "r1"})

	reply := rpc(t, s, 2, "resources/read", map[string]any{"uri": "waymark://graph"})
	contents := reply["result"].(map[string]any)["contents"].([]any)
	assert.Contains(t, contents[0].(map[string]any)["text"], "graph TD")

	reply = rpc(t, s, 3, "resources/read", map[string]any{"uri": "waymark://sessions/r1"})
	contents = reply["result"].(map[string]any)["contents"].([]any)
	assert.Contains(t, contents[0].(map[string]any)["text"], `"stage":"instance_analysis"`)
}
