package bridge

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/latticemcp/gateway/internal/identity"
	"github.com/latticemcp/gateway/internal/pool"
	"github.com/latticemcp/gateway/internal/rbac"
	"github.com/latticemcp/gateway/internal/registry"
	"github.com/latticemcp/gateway/internal/relay"
)

func newTestBridge() *Bridge {
	reg := registry.New()
	p := pool.New(reg)
	engine := rbac.NewEngine(nil)
	extractor := identity.NewExtractor(nil)
	return New(reg, p, engine, extractor, nil, "test-gateway", "0.0.0")
}

func TestPostToUnknownSessionReturns404(t *testing.T) {
	b := newTestBridge()

	req := httptest.NewRequest(http.MethodPost, "/sse?sessionId=deadbeef", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestPostWithoutSessionIDReturns400(t *testing.T) {
	b := newTestBridge()

	req := httptest.NewRequest(http.MethodPost, "/sse", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 with no sessionId, got %d", rec.Code)
	}
}

func TestPostAfterSessionTerminatedReturns410(t *testing.T) {
	b := newTestBridge()

	session, err := b.table.Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.table.Remove(session.ID)

	req := httptest.NewRequest(http.MethodPost, "/sse?sessionId="+session.ID, bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410 for a terminated session, got %d", rec.Code)
	}
}

func TestPostValidFrameIsAccepted(t *testing.T) {
	b := newTestBridge()

	session, err := b.table.Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	req := httptest.NewRequest(http.MethodPost, "/sse?sessionId="+session.ID, strings.NewReader(body))
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	select {
	case frame := <-session.Inbound:
		if string(frame) != body {
			t.Fatalf("unexpected frame on inbound queue: %s", frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the frame to be enqueued on Inbound")
	}
}

func TestPostInvalidJSONReturns400(t *testing.T) {
	b := newTestBridge()

	session, err := b.table.Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/sse?sessionId="+session.ID, strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rec.Code)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	table := NewTable()

	a, err := table.Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err := table.Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID == c.ID {
		t.Fatalf("expected distinct session ids")
	}

	a.Inbound <- []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	select {
	case frame := <-c.Inbound:
		t.Fatalf("session c must not observe session a's frames: %s", frame)
	default:
	}

	table.Remove(a.ID)
	if !a.Closed() {
		t.Fatalf("expected session a to be closed after removal")
	}
	if c.Closed() {
		t.Fatalf("removing session a must not affect session c")
	}
}

func TestHandleFrameDispatchesThroughRelay(t *testing.T) {
	b := newTestBridge()
	session, err := b.table.Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.table.Remove(session.ID)

	rl := relay.New(b.reg, b.pool, b.rbac, rbac.Identity{}, b.serverName, b.serverVersion)
	b.handleFrame(context.Background(), session, rl, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))

	select {
	case frame := <-session.Outbound:
		if !bytes.Contains(frame, []byte(`"jsonrpc"`)) {
			t.Fatalf("expected a JSON-RPC response frame, got %s", frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a response frame to be enqueued")
	}
}
