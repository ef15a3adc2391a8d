// Package relay implements the Relay (C4): the downstream MCP server
// surface, fanning list operations out to every pooled upstream and routing
// per-target operations by the "service:name" namespace.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/latticemcp/gateway/internal/audit"
	"github.com/latticemcp/gateway/internal/gwerrors"
	"github.com/latticemcp/gateway/internal/mcp"
	"github.com/latticemcp/gateway/internal/pool"
	"github.com/latticemcp/gateway/internal/rbac"
	"github.com/latticemcp/gateway/internal/registry"
)

// Relay is bound, at construction, to the live registry and pool it will
// operate against and to the identity of the caller driving it; each list
// operation takes its own registry snapshot. The SSE bridge builds one Relay
// per session, the Streamable HTTP handler one per request (§9 "Cyclic /
// back-references").
type Relay struct {
	reg      *registry.Registry
	pool     *pool.Pool
	rbac     *rbac.Engine
	identity rbac.Identity

	serverName    string
	serverVersion string

	// hub is the optional activity trail. A nil hub (the default) makes
	// every dispatched request a pure no-op from the audit trail's
	// perspective — wiring it is the caller's choice, not a requirement.
	hub *audit.Hub
}

// New builds a Relay. reg and pool are non-owning references (the relay
// never extends their lifetime); rbacEngine is re-consulted on every call,
// never cached (§4.2).
func New(reg *registry.Registry, p *pool.Pool, rbacEngine *rbac.Engine, id rbac.Identity, serverName, serverVersion string) *Relay {
	return &Relay{reg: reg, pool: p, rbac: rbacEngine, identity: id, serverName: serverName, serverVersion: serverVersion}
}

// WithAudit binds hub as this Relay's activity trail; every dispatched
// request thereafter is both logged to the hub's persistent sink (if any)
// and broadcast live to connected admin clients. Returns r for chaining.
func (r *Relay) WithAudit(hub *audit.Hub) *Relay {
	r.hub = hub
	return r
}

func (r *Relay) identityUserID() string {
	if v, ok := r.identity.JWTClaims["sub"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return r.identity.PeerIdentity
}

// splitNamespace splits a downstream identifier "target:rest" on the first
// ':' (§4.4 "Namespacing"). ok is false when id contains no ':'.
func splitNamespace(id string) (target, rest string, ok bool) {
	target, rest, found := strings.Cut(id, ":")
	if !found || target == "" || rest == "" {
		return "", "", false
	}
	return target, rest, true
}

// Initialize answers the downstream "initialize" handshake (§6): a fixed
// capability set, independent of what targets are currently registered —
// upstream capability aggregation happens lazily per-operation instead, so
// that targets appearing/disappearing between calls never requires
// re-running a handshake.
func (r *Relay) Initialize(_ context.Context, _ *mcp.InitializeParams) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.MCPProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{},
			Resources: &mcp.ResourcesCapability{},
			Prompts:   &mcp.PromptsCapability{},
		},
		ServerInfo: mcp.ServerInfo{Name: r.serverName, Version: r.serverVersion},
	}, nil
}

// fanOutError pairs a target name with its per-target error. Each goroutine
// writes to its own snapshot index, so parallel dispatch is joined back into
// snapshot order without any ordering guarantee from the goroutines themselves.
type fanOutError struct {
	target string
	err    error
}

// ListTools fans out to every target in the current pool snapshot, in
// parallel, and rewrites each upstream tool name into "target:name" —
// unconditionally, even for a single target (§4.4 "Namespacing"). Any
// per-target failure aborts the whole operation (§4.4 "Fan-out semantics",
// §7): no partial result is returned.
func (r *Relay) ListTools(ctx context.Context) (*mcp.ToolsListResult, error) {
	entries, err := r.pool.SnapshotAll(ctx)
	if err != nil {
		return nil, err
	}

	perTarget := make([][]mcp.Tool, len(entries))
	errs := make([]fanOutError, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, name string, c mcp.MCPClient) {
			defer wg.Done()
			res, err := c.ListTools(ctx, nil)
			if err != nil {
				errs[i] = fanOutError{target: name, err: err}
				return
			}
			tools := make([]mcp.Tool, len(res.Tools))
			for j, t := range res.Tools {
				t.Name = name + ":" + t.Name
				tools[j] = t
			}
			perTarget[i] = tools
		}(i, e.Name, e.Client)
	}
	wg.Wait()

	for _, fe := range errs {
		if fe.err != nil {
			return nil, gwerrors.DispatchError(fmt.Sprintf("list_tools: target %q failed", fe.target), fe.err)
		}
	}

	var all []mcp.Tool
	for _, t := range perTarget {
		all = append(all, t...)
	}
	if all == nil {
		all = []mcp.Tool{}
	}
	return &mcp.ToolsListResult{Tools: all}, nil
}

// ListPrompts mirrors ListTools for prompts.
func (r *Relay) ListPrompts(ctx context.Context) (*mcp.PromptsListResult, error) {
	entries, err := r.pool.SnapshotAll(ctx)
	if err != nil {
		return nil, err
	}

	perTarget := make([][]mcp.Prompt, len(entries))
	errs := make([]fanOutError, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, name string, c mcp.MCPClient) {
			defer wg.Done()
			res, err := c.ListPrompts(ctx, nil)
			if err != nil {
				errs[i] = fanOutError{target: name, err: err}
				return
			}
			prompts := make([]mcp.Prompt, len(res.Prompts))
			for j, pr := range res.Prompts {
				pr.Name = name + ":" + pr.Name
				prompts[j] = pr
			}
			perTarget[i] = prompts
		}(i, e.Name, e.Client)
	}
	wg.Wait()

	for _, fe := range errs {
		if fe.err != nil {
			return nil, gwerrors.DispatchError(fmt.Sprintf("list_prompts: target %q failed", fe.target), fe.err)
		}
	}

	var all []mcp.Prompt
	for _, p := range perTarget {
		all = append(all, p...)
	}
	if all == nil {
		all = []mcp.Prompt{}
	}
	return &mcp.PromptsListResult{Prompts: all}, nil
}

// ListResources fans out to every target; resource URIs are emitted as the
// upstream reports them, without a "target:" prefix. ReadResource, by
// contrast, takes the URI's prefix up to the first ':' as the target name
// (§9 "Resource URI → target mapping"), so a listed URI is routed back to
// its target only when that prefix is the target's name.
func (r *Relay) ListResources(ctx context.Context) (*mcp.ResourcesListResult, error) {
	entries, err := r.pool.SnapshotAll(ctx)
	if err != nil {
		return nil, err
	}

	perTarget := make([][]mcp.Resource, len(entries))
	errs := make([]fanOutError, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, name string, c mcp.MCPClient) {
			defer wg.Done()
			res, err := c.ListResources(ctx, nil)
			if err != nil {
				errs[i] = fanOutError{target: name, err: err}
				return
			}
			perTarget[i] = res.Resources
		}(i, e.Name, e.Client)
	}
	wg.Wait()

	for _, fe := range errs {
		if fe.err != nil {
			return nil, gwerrors.DispatchError(fmt.Sprintf("list_resources: target %q failed", fe.target), fe.err)
		}
	}

	var all []mcp.Resource
	for _, res := range perTarget {
		all = append(all, res...)
	}
	if all == nil {
		all = []mcp.Resource{}
	}
	return &mcp.ResourcesListResult{Resources: all}, nil
}

// ListResourceTemplates fans out to every target, mirroring ListResources.
func (r *Relay) ListResourceTemplates(ctx context.Context) (*mcp.ResourceTemplatesListResult, error) {
	entries, err := r.pool.SnapshotAll(ctx)
	if err != nil {
		return nil, err
	}

	perTarget := make([][]mcp.ResourceTemplate, len(entries))
	errs := make([]fanOutError, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, name string, c mcp.MCPClient) {
			defer wg.Done()
			res, err := c.ListResourceTemplates(ctx, nil)
			if err != nil {
				errs[i] = fanOutError{target: name, err: err}
				return
			}
			perTarget[i] = res.ResourceTemplates
		}(i, e.Name, e.Client)
	}
	wg.Wait()

	for _, fe := range errs {
		if fe.err != nil {
			return nil, gwerrors.DispatchError(fmt.Sprintf("list_resource_templates: target %q failed", fe.target), fe.err)
		}
	}

	var all []mcp.ResourceTemplate
	for _, t := range perTarget {
		all = append(all, t...)
	}
	if all == nil {
		all = []mcp.ResourceTemplate{}
	}
	return &mcp.ResourceTemplatesListResult{ResourceTemplates: all}, nil
}

// CallTool authorises then dispatches a namespaced "target:tool" call.
// Authorisation strictly precedes any upstream I/O (I4).
func (r *Relay) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolCallResult, error) {
	target, upstreamName, ok := splitNamespace(name)
	if !ok {
		return nil, gwerrors.ProtocolError(fmt.Sprintf("invalid tool identifier %q: must be \"target:tool\"", name), nil)
	}

	if !r.rbac.Validate(rbac.ResourceRef{Kind: rbac.KindTool, ID: name}, r.identity) {
		return nil, gwerrors.AuthorisationError("not allowed")
	}

	client, err := r.pool.Get(ctx, target)
	if err != nil {
		return nil, err
	}

	return client.CallTool(ctx, &mcp.ToolCallParams{Name: upstreamName, Arguments: args})
}

// GetPrompt authorises then dispatches a namespaced "target:prompt" call.
func (r *Relay) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.PromptGetResult, error) {
	target, upstreamName, ok := splitNamespace(name)
	if !ok {
		return nil, gwerrors.ProtocolError(fmt.Sprintf("invalid prompt identifier %q: must be \"target:prompt\"", name), nil)
	}

	if !r.rbac.Validate(rbac.ResourceRef{Kind: rbac.KindPrompt, ID: name}, r.identity) {
		return nil, gwerrors.AuthorisationError("not allowed")
	}

	client, err := r.pool.Get(ctx, target)
	if err != nil {
		return nil, err
	}

	return client.GetPrompt(ctx, &mcp.PromptGetParams{Name: upstreamName, Arguments: args})
}

// ReadResource authorises then dispatches by URI. Per §9's decision, the
// URI's prefix up to the first ':' is treated as the target name, the same
// namespacing rule used for tools and prompts.
func (r *Relay) ReadResource(ctx context.Context, uri string) (*mcp.ResourceReadResult, error) {
	target, upstreamURI, ok := splitNamespace(uri)
	if !ok {
		return nil, gwerrors.ProtocolError(fmt.Sprintf("invalid resource uri %q: must be \"target:uri\"", uri), nil)
	}

	if !r.rbac.Validate(rbac.ResourceRef{Kind: rbac.KindResource, ID: uri}, r.identity) {
		return nil, gwerrors.AuthorisationError("not allowed")
	}

	client, err := r.pool.Get(ctx, target)
	if err != nil {
		return nil, err
	}

	return client.ReadResource(ctx, upstreamURI)
}

// HandleRequest dispatches one downstream JSON-RPC request by method, per
// the table in §4.4, and renders the result (or error) as a JSON-RPC
// response. It never reorders upstream calls relative to downstream frames:
// callers serialize invocations per session (§4.4 "Side effects").
func (r *Relay) HandleRequest(ctx context.Context, req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	start := time.Now()
	result, dispatchErr := r.dispatch(ctx, req)

	var resp *mcp.JSONRPCResponse
	if dispatchErr != nil {
		var gerr *gwerrors.Error
		if gwerrors.As(dispatchErr, &gerr) {
			resp = mcp.NewErrorResponse(req.ID, gerr.Code, gerr.Error())
		} else {
			resp = mcp.NewErrorResponse(req.ID, mcp.InternalError, dispatchErr.Error())
		}
	} else if respOK, err := mcp.NewSuccessResponse(req.ID, result); err != nil {
		resp = mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error())
	} else {
		resp = respOK
	}

	r.emitActivity(req, start, dispatchErr)
	return resp
}

// emitActivity records one dispatched request to the bound activity trail,
// if any. The namespaced target (when the method names one) is parsed best
// effort; a malformed identifier simply leaves Target blank.
func (r *Relay) emitActivity(req *mcp.JSONRPCRequest, start time.Time, dispatchErr error) {
	if r.hub == nil {
		return
	}

	status := "ok"
	if dispatchErr != nil {
		status = "error"
	}

	var target, tool string
	switch req.Method {
	case mcp.MethodToolsCall:
		var params mcp.ToolCallParams
		if json.Unmarshal(req.Params, &params) == nil {
			if t, name, ok := splitNamespace(params.Name); ok {
				target, tool = t, name
			}
		}
	case mcp.MethodPromptsGet:
		var params mcp.PromptGetParams
		if json.Unmarshal(req.Params, &params) == nil {
			if t, name, ok := splitNamespace(params.Name); ok {
				target, tool = t, name
			}
		}
	case mcp.MethodResourcesRead:
		var params mcp.ResourceReadParams
		if json.Unmarshal(req.Params, &params) == nil {
			if t, _, ok := splitNamespace(params.URI); ok {
				target = t
			}
		}
	}

	r.hub.EmitActivity(audit.ActivityEvent{
		Timestamp:  start,
		UserID:     r.identityUserID(),
		Method:     req.Method,
		Target:     target,
		Tool:       tool,
		DurationMS: float64(time.Since(start).Microseconds()) / 1000,
		Status:     status,
	})
}

func (r *Relay) dispatch(ctx context.Context, req *mcp.JSONRPCRequest) (interface{}, error) {
	switch req.Method {
	case mcp.MethodInitialize:
		var params mcp.InitializeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, gwerrors.ProtocolError("malformed initialize params", err)
			}
		}
		return r.Initialize(ctx, &params)

	case mcp.MethodPing:
		return struct{}{}, nil

	case mcp.MethodToolsList:
		return r.ListTools(ctx)

	case mcp.MethodToolsCall:
		var params mcp.ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, gwerrors.ProtocolError("malformed tools/call params", err)
		}
		return r.CallTool(ctx, params.Name, params.Arguments)

	case mcp.MethodResourcesList:
		return r.ListResources(ctx)

	case mcp.MethodResourcesTemplates:
		return r.ListResourceTemplates(ctx)

	case mcp.MethodResourcesRead:
		var params mcp.ResourceReadParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, gwerrors.ProtocolError("malformed resources/read params", err)
		}
		return r.ReadResource(ctx, params.URI)

	case mcp.MethodPromptsList:
		return r.ListPrompts(ctx)

	case mcp.MethodPromptsGet:
		var params mcp.PromptGetParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, gwerrors.ProtocolError("malformed prompts/get params", err)
		}
		return r.GetPrompt(ctx, params.Name, params.Arguments)

	default:
		return nil, gwerrors.ProtocolError(fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}
