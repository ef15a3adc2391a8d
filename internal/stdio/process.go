package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticemcp/gateway/internal/mcp"
	"github.com/rs/zerolog/log"
)

// Process wraps an exec.Cmd running an MCP server over the Stdio transport.
// It implements mcp.MCPClient. It is the pool's dial target for every
// Target whose spec is Stdio{cmd, args}.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu           sync.RWMutex
	initialized  bool
	capabilities *mcp.ServerCapabilities
	serverInfo   *mcp.ServerInfo

	pending map[string]chan *mcp.JSONRPCResponse
	pendMu  sync.Mutex
	nextID  int64
	done    chan struct{}

	targetName string
}

// ProcessConfig holds the dial parameters for a Stdio target.
type ProcessConfig struct {
	Command    string
	Args       []string
	Env        []string
	TargetName string
}

// NewProcess spawns the child process and starts the MCP client loop over
// its stdio, inheriting stderr into the gateway's own logs per §4.3.
func NewProcess(cfg ProcessConfig) (*Process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command %q: %w", cfg.Command, err)
	}

	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		pending:    make(map[string]chan *mcp.JSONRPCResponse),
		done:       make(chan struct{}),
		targetName: cfg.TargetName,
	}

	go p.readLoop()
	go p.stderrLoop()

	log.Info().
		Str("target", cfg.TargetName).
		Str("command", cfg.Command).
		Int("pid", cmd.Process.Pid).
		Msg("dialed stdio target")

	return p, nil
}

// readLoop reads line-delimited JSON from stdout and routes responses.
func (p *Process) readLoop() {
	defer close(p.done)
	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024) // 10MB max line

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp mcp.JSONRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Debug().
				Str("target", p.targetName).
				Str("line", string(line)).
				Err(err).
				Msg("failed to parse stdio response")
			continue
		}

		if resp.ID != nil {
			reqID := string(resp.ID)
			p.pendMu.Lock()
			if ch, ok := p.pending[reqID]; ok {
				ch <- &resp
				delete(p.pending, reqID)
			}
			p.pendMu.Unlock()
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Str("target", p.targetName).Msg("stdio stdout reader ended")
	}
}

// stderrLoop forwards the child's stderr into the gateway's own logs.
func (p *Process) stderrLoop() {
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		log.Warn().
			Str("target", p.targetName).
			Str("stderr", scanner.Text()).
			Msg("stdio target stderr")
	}
}

func (p *Process) allocID() json.RawMessage {
	id := atomic.AddInt64(&p.nextID, 1)
	return json.RawMessage(fmt.Sprintf("%d", id))
}

func (p *Process) sendRequest(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	reqID := string(req.ID)
	responseCh := make(chan *mcp.JSONRPCResponse, 1)

	p.pendMu.Lock()
	p.pending[reqID] = responseCh
	p.pendMu.Unlock()

	defer func() {
		p.pendMu.Lock()
		delete(p.pending, reqID)
		p.pendMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := p.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write to stdin: %w", err)
	}

	select {
	case resp := <-responseCh:
		return resp, nil
	case <-p.done:
		return nil, fmt.Errorf("stdio process exited while waiting for response")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(60 * time.Second):
		return nil, fmt.Errorf("timeout waiting for stdio response")
	}
}

func (p *Process) sendNotification(req *mcp.JSONRPCNotification) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	data = append(data, '\n')
	_, err = p.stdin.Write(data)
	return err
}

// Initialize runs the MCP client handshake over the child's stdio.
func (p *Process) Initialize(ctx context.Context, params *mcp.InitializeParams) (*mcp.InitializeResult, error) {
	req := &mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      p.allocID(),
		Method:  mcp.MethodInitialize,
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req.Params = paramsJSON

	resp, err := p.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}

	p.mu.Lock()
	p.initialized = true
	p.capabilities = &result.Capabilities
	p.serverInfo = &result.ServerInfo
	p.mu.Unlock()

	notification := &mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodInitialized,
	}
	if err := p.sendNotification(notification); err != nil {
		log.Warn().Err(err).Str("target", p.targetName).Msg("failed to send initialized notification to stdio target")
	}

	return &result, nil
}

// ListTools retrieves tools from the stdio target.
func (p *Process) ListTools(ctx context.Context, cursor *string) (*mcp.ToolsListResult, error) {
	req := &mcp.JSONRPCRequest{JSONRPC: mcp.JSONRPCVersion, ID: p.allocID(), Method: mcp.MethodToolsList}
	if cursor != nil {
		paramsJSON, _ := json.Marshal(map[string]string{"cursor": *cursor})
		req.Params = paramsJSON
	}
	resp, err := p.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	var result mcp.ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list: %w", err)
	}
	return &result, nil
}

// CallTool calls a tool on the stdio target.
func (p *Process) CallTool(ctx context.Context, params *mcp.ToolCallParams) (*mcp.ToolCallResult, error) {
	req := &mcp.JSONRPCRequest{JSONRPC: mcp.JSONRPCVersion, ID: p.allocID(), Method: mcp.MethodToolsCall}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req.Params = paramsJSON
	resp, err := p.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/call error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	var result mcp.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call: %w", err)
	}
	return &result, nil
}

// ListResources retrieves resources from the stdio target.
func (p *Process) ListResources(ctx context.Context, cursor *string) (*mcp.ResourcesListResult, error) {
	req := &mcp.JSONRPCRequest{JSONRPC: mcp.JSONRPCVersion, ID: p.allocID(), Method: mcp.MethodResourcesList}
	if cursor != nil {
		paramsJSON, _ := json.Marshal(map[string]string{"cursor": *cursor})
		req.Params = paramsJSON
	}
	resp, err := p.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("resources/list error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	var result mcp.ResourcesListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/list: %w", err)
	}
	return &result, nil
}

// ReadResource reads a resource from the stdio target.
func (p *Process) ReadResource(ctx context.Context, uri string) (*mcp.ResourceReadResult, error) {
	req := &mcp.JSONRPCRequest{JSONRPC: mcp.JSONRPCVersion, ID: p.allocID(), Method: mcp.MethodResourcesRead}
	paramsJSON, _ := json.Marshal(mcp.ResourceReadParams{URI: uri})
	req.Params = paramsJSON
	resp, err := p.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("resources/read error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	var result mcp.ResourceReadResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/read: %w", err)
	}
	return &result, nil
}

// ListResourceTemplates retrieves resource templates from the stdio target.
func (p *Process) ListResourceTemplates(ctx context.Context, cursor *string) (*mcp.ResourceTemplatesListResult, error) {
	req := &mcp.JSONRPCRequest{JSONRPC: mcp.JSONRPCVersion, ID: p.allocID(), Method: mcp.MethodResourcesTemplates}
	if cursor != nil {
		paramsJSON, _ := json.Marshal(map[string]string{"cursor": *cursor})
		req.Params = paramsJSON
	}
	resp, err := p.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("resources/templates/list error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	var result mcp.ResourceTemplatesListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/templates/list: %w", err)
	}
	return &result, nil
}

// ListPrompts retrieves prompts from the stdio target.
func (p *Process) ListPrompts(ctx context.Context, cursor *string) (*mcp.PromptsListResult, error) {
	req := &mcp.JSONRPCRequest{JSONRPC: mcp.JSONRPCVersion, ID: p.allocID(), Method: mcp.MethodPromptsList}
	if cursor != nil {
		paramsJSON, _ := json.Marshal(map[string]string{"cursor": *cursor})
		req.Params = paramsJSON
	}
	resp, err := p.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("prompts/list error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	var result mcp.PromptsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/list: %w", err)
	}
	return &result, nil
}

// GetPrompt retrieves a prompt from the stdio target.
func (p *Process) GetPrompt(ctx context.Context, params *mcp.PromptGetParams) (*mcp.PromptGetResult, error) {
	req := &mcp.JSONRPCRequest{JSONRPC: mcp.JSONRPCVersion, ID: p.allocID(), Method: mcp.MethodPromptsGet}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req.Params = paramsJSON
	resp, err := p.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("prompts/get error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	var result mcp.PromptGetResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/get: %w", err)
	}
	return &result, nil
}

// SendRawRequest sends a raw JSON-RPC request to the stdio target.
func (p *Process) SendRawRequest(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	return p.sendRequest(ctx, req)
}

func (p *Process) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

func (p *Process) GetCapabilities() *mcp.ServerCapabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.capabilities
}

func (p *Process) GetServerInfo() *mcp.ServerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.serverInfo
}

// IsAlive reports whether the child process is still running.
func (p *Process) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// PID returns the process ID, or 0 if not running.
func (p *Process) PID() int {
	if p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Shutdown sends close (stdin EOF), awaits termination within ctx, then
// force-kills, per §4.3's "Invalidation" bound-timeout-then-force sequence.
func (p *Process) Shutdown(ctx context.Context) error {
	log.Info().Str("target", p.targetName).Msg("shutting down stdio target")

	p.stdin.Close()

	waitCh := make(chan error, 1)
	go func() { waitCh <- p.cmd.Wait() }()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		return ctx.Err()
	case <-time.After(5 * time.Second):
		log.Warn().Str("target", p.targetName).Msg("stdio target did not exit gracefully, killing")
		if p.cmd.Process != nil {
			return p.cmd.Process.Kill()
		}
		return nil
	}
}

// Close is Shutdown with a fixed 5s bound, kept for callers that only need
// best-effort teardown without their own context.
func (p *Process) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Shutdown(ctx)
}
