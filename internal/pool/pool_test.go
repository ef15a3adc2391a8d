package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/latticemcp/gateway/internal/mcp"
	"github.com/latticemcp/gateway/internal/registry"
)

// fakeClient is a no-op mcp.MCPClient used to exercise the pool without a
// real subprocess or network dial.
type fakeClient struct {
	closed atomic.Bool
}

func (f *fakeClient) Initialize(ctx context.Context, p *mcp.InitializeParams) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}
func (f *fakeClient) ListTools(ctx context.Context, cursor *string) (*mcp.ToolsListResult, error) {
	return &mcp.ToolsListResult{}, nil
}
func (f *fakeClient) CallTool(ctx context.Context, p *mcp.ToolCallParams) (*mcp.ToolCallResult, error) {
	return &mcp.ToolCallResult{}, nil
}
func (f *fakeClient) ListResources(ctx context.Context, cursor *string) (*mcp.ResourcesListResult, error) {
	return &mcp.ResourcesListResult{}, nil
}
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ResourceReadResult, error) {
	return &mcp.ResourceReadResult{}, nil
}
func (f *fakeClient) ListResourceTemplates(ctx context.Context, cursor *string) (*mcp.ResourceTemplatesListResult, error) {
	return &mcp.ResourceTemplatesListResult{}, nil
}
func (f *fakeClient) ListPrompts(ctx context.Context, cursor *string) (*mcp.PromptsListResult, error) {
	return &mcp.PromptsListResult{}, nil
}
func (f *fakeClient) GetPrompt(ctx context.Context, p *mcp.PromptGetParams) (*mcp.PromptGetResult, error) {
	return &mcp.PromptGetResult{}, nil
}
func (f *fakeClient) SendRawRequest(ctx context.Context, r *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	return &mcp.JSONRPCResponse{}, nil
}
func (f *fakeClient) IsInitialized() bool                      { return true }
func (f *fakeClient) GetCapabilities() *mcp.ServerCapabilities { return &mcp.ServerCapabilities{} }
func (f *fakeClient) GetServerInfo() *mcp.ServerInfo           { return &mcp.ServerInfo{} }
func (f *fakeClient) Shutdown(ctx context.Context) error       { f.closed.Store(true); return nil }
func (f *fakeClient) Close() error                             { f.closed.Store(true); return nil }

func TestGetFailsForUnknownTarget(t *testing.T) {
	reg := registry.New()
	p := New(reg)

	if _, err := p.Get(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error for target absent from registry")
	}
}

func TestAtMostOneDialUnderConcurrency(t *testing.T) {
	reg := registry.New()
	reg.Put(registry.Target{Name: "x", Kind: registry.KindStdio, Command: "cat"})
	p := New(reg)

	var dials int32
	p.dialFunc = func(ctx context.Context, tgt registry.Target) (mcp.MCPClient, error) {
		atomic.AddInt32(&dials, 1)
		time.Sleep(10 * time.Millisecond) // widen the race window
		return &fakeClient{}, nil
	}

	const n = 100
	var wg sync.WaitGroup
	results := make([]mcp.MCPClient, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Get(context.Background(), "x")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("expected exactly one dial for 100 concurrent Get calls, got %d", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("expected all callers to receive the same handle")
		}
	}
}

func TestRemovalForgetsAndSchedulesShutdown(t *testing.T) {
	reg := registry.New()
	reg.Put(registry.Target{Name: "x", Kind: registry.KindStdio, Command: "cat"})
	p := New(reg)

	fc := &fakeClient{}
	p.dialFunc = func(ctx context.Context, tgt registry.Target) (mcp.MCPClient, error) {
		return fc, nil
	}

	if _, err := p.Get(context.Background(), "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reg.Remove("x")

	deadline := time.Now().Add(time.Second)
	for !fc.closed.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !fc.closed.Load() {
		t.Fatalf("expected upstream to be shut down after target removal")
	}

	if _, ok := p.cached("x"); ok {
		t.Fatalf("expected pool to forget the removed target's cached connection")
	}

	// A later Get for the same now-unknown name must miss cleanly, not panic.
	if _, err := p.Get(context.Background(), "x"); err == nil {
		t.Fatalf("expected error getting a removed target")
	}
}
