package bridge

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/latticemcp/gateway/internal/mcp"
	"github.com/latticemcp/gateway/internal/relay"
)

// StreamableHandler is a thin, stateless adapter for the MCP Streamable HTTP
// transport: one POST carries one JSON-RPC request, answered with one
// JSON-RPC response, dispatched through the same Relay core as the SSE
// Bridge (§ "Supplemented Features"). It keeps no session table of its own;
// every request gets a fresh Relay bound to that request's identity.
type StreamableHandler struct {
	b *Bridge
}

// NewStreamableHandler builds a Streamable HTTP adapter sharing b's
// registry, pool, RBAC engine, identity extractor, and audit hub.
func NewStreamableHandler(b *Bridge) *StreamableHandler {
	return &StreamableHandler{b: b}
}

func (h *StreamableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := h.b.extractor.IdentityFrom(r)
	if err != nil {
		http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, mcp.NewErrorResponse(nil, mcp.ParseError, "invalid JSON-RPC frame"))
		return
	}

	rl := relay.New(h.b.reg, h.b.pool, h.b.rbac, id, h.b.serverName, h.b.serverVersion).WithAudit(h.b.hub)

	if req.IsNotification() {
		rl.HandleRequest(r.Context(), &req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := rl.HandleRequest(r.Context(), &req)
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, resp *mcp.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
