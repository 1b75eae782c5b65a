package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corvynix/voxctl/internal/adapter"
	"github.com/corvynix/voxctl/internal/tokenstore"
	"github.com/corvynix/voxctl/pkg/models"
)

// fakeServer is a minimal single-connection MCP server: it answers POST
// requests synchronously and serves one long-lived SSE GET connection that
// stays open so runReader has something to hold.
type fakeServer struct {
	mu        sync.Mutex
	sessionID string
	toolsList json.RawMessage
	callFn    func(params json.RawMessage) (json.RawMessage, *rpcError)
}

func (s *fakeServer) handler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Mcp-Session-Id", s.sessionID)

		var result json.RawMessage
		var rpcErr *rpcError
		switch req.Method {
		case "initialize":
			result = json.RawMessage(`{"protocolVersion":"2025-03-26"}`)
		case "tools/list":
			result = s.toolsList
		case "tools/call":
			paramsRaw, _ := json.Marshal(req.Params)
			result, rpcErr = s.callFn(paramsRaw)
		case "ping":
			result = json.RawMessage(`{}`)
		}

		msg := rpcMessage{JSONRPC: "2.0", ID: &req.ID, Result: result, Error: rpcErr}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(msg)

	case http.MethodGet:
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if ok {
			flusher.Flush()
		}
		<-r.Context().Done()

	case http.MethodDelete:
		w.WriteHeader(http.StatusOK)
	}
}

func newTestAdapter(t *testing.T, srv *fakeServer) (*Adapter, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))

	store := tokenstore.NewMemoryStore(nil)
	store.Put(models.TokenRecord{UserID: "u1", Provider: "calendar", AccessCiphertext: "ct"})

	a, err := New(context.Background(), "u1", "calendar", store, Config{Endpoint: ts.URL, Client: ts.Client()})
	if err != nil {
		ts.Close()
		t.Fatalf("New: %v", err)
	}
	return a, ts
}

func TestDiscoverTools_FlattensSchema(t *testing.T) {
	srv := &fakeServer{
		sessionID: "sess-1",
		toolsList: json.RawMessage(`{"tools":[{"name":"list_events","description":"list","inputSchema":{"type":"object","properties":{"range":{"type":"string"}},"required":["range"]}}]}`),
	}
	a, ts := newTestAdapter(t, srv)
	defer ts.Close()
	defer a.Close()

	tools, err := a.DiscoverTools(context.Background())
	if err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "list_events" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	if len(tools[0].Params) != 1 || tools[0].Params[0].Name != "range" || !tools[0].Params[0].Required {
		t.Fatalf("unexpected params: %+v", tools[0].Params)
	}
}

func TestCallTool_UnwrapsSuccessEnvelope(t *testing.T) {
	srv := &fakeServer{
		sessionID: "sess-2",
		callFn: func(params json.RawMessage) (json.RawMessage, *rpcError) {
			return json.RawMessage(`{"success":true,"data":{"id":"evt-1"}}`), nil
		},
	}
	a, ts := newTestAdapter(t, srv)
	defer ts.Close()
	defer a.Close()

	result, err := a.CallTool(context.Background(), "create_event", map[string]any{"summary": "Standup"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["id"] != "evt-1" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestCallTool_ErrorEnvelopeBecomesToolFailure(t *testing.T) {
	srv := &fakeServer{
		sessionID: "sess-3",
		callFn: func(params json.RawMessage) (json.RawMessage, *rpcError) {
			return nil, &rpcError{Code: -32000, Message: "event not found"}
		},
	}
	a, ts := newTestAdapter(t, srv)
	defer ts.Close()
	defer a.Close()

	_, err := a.CallTool(context.Background(), "cancel_event", map[string]any{"id": "missing"})
	if !isWrapped(err, adapter.ErrToolFailure) {
		t.Fatalf("expected ErrToolFailure, got %v", err)
	}
}

func TestConsumeSSE_DispatchesToPendingByID(t *testing.T) {
	a := &Adapter{pending: make(map[int64]*pending), stopCh: make(chan struct{})}

	var id int64 = 7
	p := &pending{done: make(chan struct{})}
	a.pending[id] = p

	body := "id: evt-1\ndata: {\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{\"ok\":true}}\n\n"
	done := make(chan struct{})
	go func() {
		_ = a.consumeSSE(strings.NewReader(body))
		close(done)
	}()

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	close(a.stopCh)
	<-done

	if string(p.result) != `{"ok":true}` {
		t.Errorf("result = %s, want {\"ok\":true}", p.result)
	}
	if a.lastEventID != "evt-1" {
		t.Errorf("lastEventID = %q, want evt-1", a.lastEventID)
	}
}

func TestClassifyRPCError_InvalidParamsIsBadArgument(t *testing.T) {
	err := classifyRPCError("tools/call", &rpcError{Code: -32602, Message: "bad range"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !isWrapped(err, adapter.ErrBadArgument) {
		t.Errorf("expected ErrBadArgument, got %v", err)
	}
}

func isWrapped(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
