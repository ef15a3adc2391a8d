package mcp

import "context"

// MCPClient is the uniform upstream session handle capability set referenced
// throughout the gateway: whatever transport a target uses, it is dispatched
// once at dial time into this one interface. Both the HTTP/SSE *Client and
// the STDIO *stdio.Process implement it.
type MCPClient interface {
	Initialize(ctx context.Context, params *InitializeParams) (*InitializeResult, error)
	ListTools(ctx context.Context, cursor *string) (*ToolsListResult, error)
	CallTool(ctx context.Context, params *ToolCallParams) (*ToolCallResult, error)
	ListResources(ctx context.Context, cursor *string) (*ResourcesListResult, error)
	ReadResource(ctx context.Context, uri string) (*ResourceReadResult, error)
	ListResourceTemplates(ctx context.Context, cursor *string) (*ResourceTemplatesListResult, error)
	ListPrompts(ctx context.Context, cursor *string) (*PromptsListResult, error)
	GetPrompt(ctx context.Context, params *PromptGetParams) (*PromptGetResult, error)
	SendRawRequest(ctx context.Context, req *JSONRPCRequest) (*JSONRPCResponse, error)
	IsInitialized() bool
	GetCapabilities() *ServerCapabilities
	GetServerInfo() *ServerInfo
	// Shutdown terminates the upstream session: close sent, termination
	// awaited up to the given bound, then forced. Close is an alias kept
	// for callers (and transports) that only need best-effort teardown.
	Shutdown(ctx context.Context) error
	Close() error
}
