package bridge

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStreamableHandlerRejectsGet(t *testing.T) {
	h := NewStreamableHandler(newTestBridge())

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestStreamableHandlerAnswersOneRequestWithOneResponse(t *testing.T) {
	h := NewStreamableHandler(newTestBridge())

	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"jsonrpc"`)) {
		t.Fatalf("expected a JSON-RPC response body, got %s", rec.Body.String())
	}
}

func TestStreamableHandlerRejectsInvalidJSON(t *testing.T) {
	h := NewStreamableHandler(newTestBridge())

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a JSON-RPC parse-error body, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"error"`)) {
		t.Fatalf("expected a JSON-RPC error body, got %s", rec.Body.String())
	}
}

func TestStreamableHandlerNotificationReturns202(t *testing.T) {
	h := NewStreamableHandler(newTestBridge())

	body := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for a notification, got %d", rec.Code)
	}
}
