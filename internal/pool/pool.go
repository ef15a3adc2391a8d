// Package pool implements the Connection Pool (C3): the lazy, at-most-one,
// cache-on-demand manager of upstream MCP sessions bound to the mutable
// target set held by the Target Registry.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/latticemcp/gateway/internal/gwerrors"
	"github.com/latticemcp/gateway/internal/mcp"
	"github.com/latticemcp/gateway/internal/registry"
	"github.com/latticemcp/gateway/internal/stdio"
)

// clientInfo is sent to every upstream during the MCP handshake.
var clientInfo = mcp.ClientInfo{Name: "latticemcp-gateway", Version: "0.1.0"}

// handshakeParams is the fixed InitializeParams every dial sends upstream.
var handshakeParams = &mcp.InitializeParams{
	ProtocolVersion: mcp.MCPProtocolVersion,
	ClientInfo:      clientInfo,
}

// Entry pairs a target name with its live upstream handle, as returned by
// SnapshotAll.
type Entry struct {
	Name   string
	Client mcp.MCPClient
}

// Pool is the concurrency-critical subsystem of §4.3. It never holds its
// map lock across a dial: the critical section under mu only ever reads or
// writes the map itself, and the at-most-one-dial guarantee across
// concurrent first-time Get(name) calls is provided by one
// singleflight.Group per pool, keyed by target name.
type Pool struct {
	reg *registry.Registry

	mu    sync.RWMutex
	conns map[string]mcp.MCPClient

	dial singleflight.Group

	shutdownTimeout time.Duration

	// dialFunc performs the actual dial; overridable in tests so the
	// at-most-one-dial guarantee can be exercised without real
	// subprocesses or network sockets.
	dialFunc func(ctx context.Context, tgt registry.Target) (mcp.MCPClient, error)
}

// New builds a Pool bound to reg. The pool registers itself to forget (and
// asynchronously shut down) any upstream whose target is removed from the
// registry (§4.1, §4.3 "Invalidation").
func New(reg *registry.Registry) *Pool {
	return NewWithDialer(reg, connect)
}

// NewWithDialer builds a Pool using dialFunc in place of the default
// transport-dispatching connect, so callers (tests, and any future
// in-process transport) can supply their own dialing strategy.
func NewWithDialer(reg *registry.Registry, dialFunc func(ctx context.Context, tgt registry.Target) (mcp.MCPClient, error)) *Pool {
	p := &Pool{
		reg:             reg,
		conns:           make(map[string]mcp.MCPClient),
		shutdownTimeout: 5 * time.Second,
		dialFunc:        dialFunc,
	}
	reg.OnRemove(p.forget)
	return p
}

// Get returns the live upstream for name, dialing it if absent. It fails
// if name is not (or no longer) in the registry.
func (p *Pool) Get(ctx context.Context, name string) (mcp.MCPClient, error) {
	if c, ok := p.cached(name); ok {
		return c, nil
	}

	tgt, ok := p.reg.Get(name)
	if !ok {
		return nil, gwerrors.DispatchError(fmt.Sprintf("unknown target %q", name), nil)
	}

	v, err, _ := p.dial.Do(name, func() (interface{}, error) {
		// Double-checked: another caller may have completed a dial for
		// this name between our first cache check and acquiring the
		// singleflight slot.
		if c, ok := p.cached(name); ok {
			return c, nil
		}
		client, dialErr := p.dialFunc(ctx, tgt)
		if dialErr != nil {
			return nil, dialErr
		}
		p.mu.Lock()
		p.conns[name] = client
		p.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, gwerrors.DispatchError(fmt.Sprintf("dial target %q", name), err)
	}
	return v.(mcp.MCPClient), nil
}

func (p *Pool) cached(name string) (mcp.MCPClient, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[name]
	return c, ok
}

// SnapshotAll returns one upstream per currently-registered target,
// dialing any missing ones, in the registry snapshot's iteration order
// (§4.4 "Fan-out semantics").
func (p *Pool) SnapshotAll(ctx context.Context) ([]Entry, error) {
	targets := p.reg.Snapshot()
	out := make([]Entry, 0, len(targets))
	for _, t := range targets {
		c, err := p.Get(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: t.Name, Client: c})
	}
	return out, nil
}

// forget removes name's cached upstream (if any) and schedules it for
// shutdown in the background: send close, await termination with a bounded
// timeout, then force (§4.3 "Invalidation").
func (p *Pool) forget(name string) {
	p.mu.Lock()
	c, ok := p.conns[name]
	delete(p.conns, name)
	p.mu.Unlock()

	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("target", name).Msg("upstream shutdown after target removal did not complete cleanly")
		}
	}()
}

// connect implements §4.3's dialing algorithm: the transport is a tagged
// variant, dispatched once here into the uniform mcp.MCPClient capability
// set.
func connect(ctx context.Context, tgt registry.Target) (mcp.MCPClient, error) {
	switch tgt.Kind {
	case registry.KindStdio:
		proc, err := stdio.NewProcess(stdio.ProcessConfig{
			Command:    tgt.Command,
			Args:       tgt.Args,
			Env:        tgt.Env,
			TargetName: tgt.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("spawn stdio target %q: %w", tgt.Name, err)
		}
		if _, err := proc.Initialize(ctx, handshakeParams); err != nil {
			proc.Close()
			return nil, fmt.Errorf("handshake with stdio target %q: %w", tgt.Name, err)
		}
		return proc, nil

	case registry.KindSSE:
		url := fmt.Sprintf("http://%s:%d", tgt.Host, tgt.Port)
		client := mcp.NewClient(mcp.ClientConfig{URL: url})
		if _, err := client.Initialize(ctx, handshakeParams); err != nil {
			client.Close()
			return nil, fmt.Errorf("handshake with sse target %q: %w", tgt.Name, err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("target %q has unknown transport kind", tgt.Name)
	}
}
