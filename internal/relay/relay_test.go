package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/latticemcp/gateway/internal/mcp"
	"github.com/latticemcp/gateway/internal/pool"
	"github.com/latticemcp/gateway/internal/rbac"
	"github.com/latticemcp/gateway/internal/registry"
)

var errBoom = errors.New("boom")

// dialerFor returns a pool dialFunc that serves clients by target name, for
// use with pool.NewWithDialer — no real subprocess or network dial involved.
func dialerFor(clients map[string]*stubClient) func(ctx context.Context, tgt registry.Target) (mcp.MCPClient, error) {
	return func(ctx context.Context, tgt registry.Target) (mcp.MCPClient, error) {
		c, ok := clients[tgt.Name]
		if !ok {
			return nil, errBoom
		}
		return c, nil
	}
}

// stubClient is an in-process mcp.MCPClient fake: each method returns
// whatever the test pre-loads, and records whether it was ever called (so
// tests can assert no upstream I/O happened on an RBAC deny).
type stubClient struct {
	tools      []mcp.Tool
	prompts    []mcp.Prompt
	resources  []mcp.Resource
	templates  []mcp.ResourceTemplate
	callResult *mcp.ToolCallResult
	promptRes  *mcp.PromptGetResult
	readRes    *mcp.ResourceReadResult
	err        error

	called bool
}

func (s *stubClient) Initialize(ctx context.Context, p *mcp.InitializeParams) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}
func (s *stubClient) ListTools(ctx context.Context, cursor *string) (*mcp.ToolsListResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mcp.ToolsListResult{Tools: s.tools}, nil
}
func (s *stubClient) CallTool(ctx context.Context, p *mcp.ToolCallParams) (*mcp.ToolCallResult, error) {
	s.called = true
	if s.err != nil {
		return nil, s.err
	}
	return s.callResult, nil
}
func (s *stubClient) ListResources(ctx context.Context, cursor *string) (*mcp.ResourcesListResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mcp.ResourcesListResult{Resources: s.resources}, nil
}
func (s *stubClient) ReadResource(ctx context.Context, uri string) (*mcp.ResourceReadResult, error) {
	s.called = true
	if s.err != nil {
		return nil, s.err
	}
	return s.readRes, nil
}
func (s *stubClient) ListResourceTemplates(ctx context.Context, cursor *string) (*mcp.ResourceTemplatesListResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mcp.ResourceTemplatesListResult{ResourceTemplates: s.templates}, nil
}
func (s *stubClient) ListPrompts(ctx context.Context, cursor *string) (*mcp.PromptsListResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mcp.PromptsListResult{Prompts: s.prompts}, nil
}
func (s *stubClient) GetPrompt(ctx context.Context, p *mcp.PromptGetParams) (*mcp.PromptGetResult, error) {
	s.called = true
	if s.err != nil {
		return nil, s.err
	}
	return s.promptRes, nil
}
func (s *stubClient) SendRawRequest(ctx context.Context, r *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	return &mcp.JSONRPCResponse{}, nil
}
func (s *stubClient) IsInitialized() bool                      { return true }
func (s *stubClient) GetCapabilities() *mcp.ServerCapabilities { return &mcp.ServerCapabilities{} }
func (s *stubClient) GetServerInfo() *mcp.ServerInfo           { return &mcp.ServerInfo{} }
func (s *stubClient) Shutdown(ctx context.Context) error       { return nil }
func (s *stubClient) Close() error                             { return nil }

// newTestRelay wires a Relay over a registry of named stub clients, without
// any real dial (pool.dialFunc is overridden).
func newTestRelay(t *testing.T, clients map[string]*stubClient, rules []rbac.Rule, id rbac.Identity) *Relay {
	t.Helper()
	reg := registry.New()
	for name := range clients {
		reg.Put(registry.Target{Name: name, Kind: registry.KindStdio, Command: "stub"})
	}
	p := pool.NewWithDialer(reg, dialerFor(clients))
	engine := rbac.NewEngine(rules)
	return New(reg, p, engine, id, "test-gateway", "0.0.0")
}

func TestListToolsNamespacesUnconditionally(t *testing.T) {
	r := newTestRelay(t, map[string]*stubClient{
		"only": {tools: []mcp.Tool{{Name: "hello"}}},
	}, nil, rbac.Identity{})

	res, err := r.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "only:hello" {
		t.Fatalf("expected single target's tool to be namespaced even alone, got %+v", res.Tools)
	}
}

func TestListToolsIsNotRBACFiltered(t *testing.T) {
	// Deny-all rule set: if listing were gated, this would come back empty.
	rules := []rbac.Rule{{Effect: rbac.Deny}}
	r := newTestRelay(t, map[string]*stubClient{
		"a": {tools: []mcp.Tool{{Name: "x"}}},
	}, rules, rbac.Identity{})

	res, err := r.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Tools) != 1 {
		t.Fatalf("listing must never be RBAC-gated, got %d tools", len(res.Tools))
	}
}

func TestListToolsFailsAtomicallyOnAnyTargetError(t *testing.T) {
	clients := map[string]*stubClient{
		"ok":  {tools: []mcp.Tool{{Name: "x"}}},
		"bad": {err: errBoom},
	}
	r := newTestRelay(t, clients, nil, rbac.Identity{})

	if _, err := r.ListTools(context.Background()); err == nil {
		t.Fatalf("expected fan-out failure to abort the whole listing")
	}
}

func TestCallToolRejectsIdentifierWithoutNamespace(t *testing.T) {
	r := newTestRelay(t, map[string]*stubClient{"a": {}}, nil, rbac.Identity{})

	if _, err := r.CallTool(context.Background(), "notnamespaced", nil); err == nil {
		t.Fatalf("expected rejection of a tool name with no target prefix")
	}
}

func TestCallToolDeniedNeverReachesUpstream(t *testing.T) {
	clients := map[string]*stubClient{"a": {callResult: &mcp.ToolCallResult{}}}
	rules := []rbac.Rule{{Effect: rbac.Deny}}
	r := newTestRelay(t, clients, rules, rbac.Identity{})

	_, err := r.CallTool(context.Background(), "a:tool1", nil)
	if err == nil {
		t.Fatalf("expected authorisation denial")
	}
	if clients["a"].called {
		t.Fatalf("RBAC must be checked before any upstream dispatch (I4)")
	}
}

func TestCallToolAllowedDispatchesToNamedTarget(t *testing.T) {
	clients := map[string]*stubClient{
		"a": {callResult: &mcp.ToolCallResult{Content: json.RawMessage(`[]`)}},
	}
	rules := []rbac.Rule{{Effect: rbac.Allow}}
	r := newTestRelay(t, clients, rules, rbac.Identity{})

	res, err := r.CallTool(context.Background(), "a:tool1", map[string]interface{}{"x": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || !clients["a"].called {
		t.Fatalf("expected dispatch to reach target \"a\"")
	}
}

func TestReadResourceUsesURIPrefixAsTarget(t *testing.T) {
	clients := map[string]*stubClient{
		"files": {readRes: &mcp.ResourceReadResult{Contents: json.RawMessage(`[]`)}},
	}
	rules := []rbac.Rule{{Effect: rbac.Allow}}
	r := newTestRelay(t, clients, rules, rbac.Identity{})

	if _, err := r.ReadResource(context.Background(), "files:///etc/motd"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !clients["files"].called {
		t.Fatalf("expected dispatch to the URI's prefix target")
	}
}

func TestDenyByDefaultWithEmptyRuleSet(t *testing.T) {
	clients := map[string]*stubClient{"a": {callResult: &mcp.ToolCallResult{}}}
	r := newTestRelay(t, clients, nil, rbac.Identity{})

	if _, err := r.CallTool(context.Background(), "a:tool1", nil); err == nil {
		t.Fatalf("expected deny-by-default with no rules configured")
	}
}

func TestSessionsWithDifferentIdentitiesDivergeOnlyOnDispatch(t *testing.T) {
	clients := map[string]*stubClient{
		"a": {tools: []mcp.Tool{{Name: "x"}}, callResult: &mcp.ToolCallResult{}},
	}
	rules := []rbac.Rule{{Effect: rbac.Allow, RequiredClaimKey: "role", RequiredClaimValue: "admin"}}

	reg := registry.New()
	reg.Put(registry.Target{Name: "a", Kind: registry.KindStdio, Command: "stub"})
	p := pool.NewWithDialer(reg, dialerFor(clients))
	engine := rbac.NewEngine(rules)

	admin := New(reg, p, engine, rbac.Identity{JWTClaims: map[string]interface{}{"role": "admin"}}, "g", "v")
	guest := New(reg, p, engine, rbac.Identity{}, "g", "v")

	adminList, err := admin.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	guestList, err := guest.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(adminList.Tools) != len(guestList.Tools) {
		t.Fatalf("listing must be identical regardless of identity")
	}

	if _, err := admin.CallTool(context.Background(), "a:x", nil); err != nil {
		t.Fatalf("expected admin call_tool to be allowed: %v", err)
	}
	if _, err := guest.CallTool(context.Background(), "a:x", nil); err == nil {
		t.Fatalf("expected guest call_tool to be denied")
	}
}

func TestRegistryRemovalMidOperationFailsCleanly(t *testing.T) {
	clients := map[string]*stubClient{"a": {callResult: &mcp.ToolCallResult{}}}
	rules := []rbac.Rule{{Effect: rbac.Allow}}

	reg := registry.New()
	reg.Put(registry.Target{Name: "a", Kind: registry.KindStdio, Command: "stub"})
	p := pool.NewWithDialer(reg, dialerFor(clients))
	engine := rbac.NewEngine(rules)
	r := New(reg, p, engine, rbac.Identity{}, "g", "v")

	reg.Remove("a")

	if _, err := r.CallTool(context.Background(), "a:x", nil); err == nil {
		t.Fatalf("expected a clean error dispatching to a removed target")
	}
}

func TestHandleRequestRendersToolsListAsJSONRPCSuccess(t *testing.T) {
	r := newTestRelay(t, map[string]*stubClient{
		"a": {tools: []mcp.Tool{{Name: "x"}}},
	}, nil, rbac.Identity{})

	resp := r.HandleRequest(context.Background(), &mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      json.RawMessage(`1`),
		Method:  mcp.MethodToolsList,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected JSON-RPC error: %v", resp.Error)
	}
	var result mcp.ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("could not decode result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "a:x" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHandleRequestRendersUnknownMethodAsJSONRPCError(t *testing.T) {
	r := newTestRelay(t, map[string]*stubClient{}, nil, rbac.Identity{})

	resp := r.HandleRequest(context.Background(), &mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      json.RawMessage(`1`),
		Method:  "bogus/method",
	})
	if resp.Error == nil {
		t.Fatalf("expected a JSON-RPC error for an unknown method")
	}
}
