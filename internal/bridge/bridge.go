package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/latticemcp/gateway/internal/audit"
	"github.com/latticemcp/gateway/internal/identity"
	"github.com/latticemcp/gateway/internal/mcp"
	"github.com/latticemcp/gateway/internal/pool"
	"github.com/latticemcp/gateway/internal/rbac"
	"github.com/latticemcp/gateway/internal/registry"
	"github.com/latticemcp/gateway/internal/relay"
)

var tracer = otel.Tracer("latticemcp-gateway/bridge")

// Bridge serves the legacy SSE transport: GET /sse opens a stream and binds
// a fresh Relay to a new session; POST /sse?sessionId= enqueues one frame
// for that session's worker loop (§4.5).
type Bridge struct {
	table     *Table
	reg       *registry.Registry
	pool      *pool.Pool
	rbac      *rbac.Engine
	extractor *identity.Extractor
	hub       *audit.Hub

	serverName    string
	serverVersion string
}

// New builds a Bridge. extractor may carry a nil Authenticator, in which
// case every caller is anonymous (§4.6). hub may be nil, in which case no
// activity trail is kept for this transport.
func New(reg *registry.Registry, p *pool.Pool, rbacEngine *rbac.Engine, extractor *identity.Extractor, hub *audit.Hub, serverName, serverVersion string) *Bridge {
	return &Bridge{
		table:         NewTable(),
		reg:           reg,
		pool:          p,
		rbac:          rbacEngine,
		extractor:     extractor,
		hub:           hub,
		serverName:    serverName,
		serverVersion: serverVersion,
	}
}

// ServeHTTP routes GET (open stream) and POST (enqueue frame) to /sse.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.handleGet(w, r)
	case http.MethodPost:
		b.handlePost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGet opens a new session: derives the caller's Identity, allocates a
// session id, binds a Relay to it, spawns the worker loop, and streams the
// worker's responses back as SSE frames until the client disconnects.
func (b *Bridge) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "bridge.handleGet")
	defer span.End()

	id, err := b.extractor.IdentityFrom(r)
	if err != nil {
		http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	session, err := b.table.Create()
	if err != nil {
		http.Error(w, "failed to allocate session", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("bridge.session_id", session.ID))

	sseWriter, err := mcp.NewSSEWriter(w)
	if err != nil {
		b.table.Remove(session.ID)
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	rl := relay.New(b.reg, b.pool, b.rbac, id, b.serverName, b.serverVersion).WithAudit(b.hub)
	go b.runWorker(ctx, session, rl)

	endpointURL := "/sse?sessionId=" + session.ID
	if err := sseWriter.WriteEndpoint(endpointURL); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("failed to send endpoint event")
		b.table.Remove(session.ID)
		return
	}
	log.Info().Str("session_id", session.ID).Msg("sse bridge session opened")

	b.pumpOutbound(ctx, session, sseWriter)

	b.table.Remove(session.ID)
	sseWriter.Close()
	log.Info().Str("session_id", session.ID).Msg("sse bridge session closed")
}

// pumpOutbound forwards frames from the session's Outbound queue to the SSE
// stream until the client disconnects or the worker closes the session.
func (b *Bridge) pumpOutbound(ctx context.Context, session *Session, w *mcp.SSEWriter) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-session.Outbound:
			if !ok {
				return
			}
			if err := w.WriteMessage("message", frame); err != nil {
				log.Error().Err(err).Str("session_id", session.ID).Msg("failed to write sse frame")
				return
			}
		}
	}
}

// runWorker is the MCP server loop for one session: decode an inbound
// frame, dispatch it through the bound Relay, encode and enqueue the
// response. It exits when the inbound queue closes (session removed) or ctx
// is cancelled (client gone).
func (b *Bridge) runWorker(ctx context.Context, session *Session, rl *relay.Relay) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-session.Inbound:
			if !ok {
				return
			}
			b.handleFrame(ctx, session, rl, frame)
		}
	}
}

func (b *Bridge) handleFrame(ctx context.Context, session *Session, rl *relay.Relay, frame json.RawMessage) {
	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		resp := mcp.NewErrorResponse(nil, mcp.ParseError, "invalid JSON-RPC frame")
		b.enqueueResponse(ctx, session, resp)
		return
	}

	if req.IsNotification() {
		// Notifications (e.g. notifications/initialized) produce no
		// response frame and need no dispatch.
		return
	}

	resp := rl.HandleRequest(ctx, &req)
	b.enqueueResponse(ctx, session, resp)
}

func (b *Bridge) enqueueResponse(ctx context.Context, session *Session, resp *mcp.JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("failed to marshal response frame")
		return
	}
	select {
	case session.Outbound <- data:
	case <-session.Done():
	case <-ctx.Done():
	}
}

// handlePost enqueues one client frame for an existing session's worker.
func (b *Bridge) handlePost(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "bridge.handlePost")
	defer span.End()

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId query parameter required", http.StatusBadRequest)
		return
	}

	session, ok := b.table.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	select {
	case session.Inbound <- json.RawMessage(body):
		w.WriteHeader(http.StatusAccepted)
	case <-session.Done():
		http.Error(w, "session terminated", http.StatusGone)
	case <-r.Context().Done():
	}
}
