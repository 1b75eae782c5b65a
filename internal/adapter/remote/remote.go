// Package remote implements the JSON-RPC 2.0 over HTTP+SSE adapter variant
// (C4): one persistent SSE reader per handle, request/response correlation
// by JSON-RPC id, and session resumption via Mcp-Session-Id/Last-Event-ID.
package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvynix/voxctl/internal/adapter"
	"github.com/corvynix/voxctl/internal/tokenstore"
	"github.com/corvynix/voxctl/pkg/models"
)

const (
	protocolVersion = "2025-03-26"
	reconnectDelay  = 5 * time.Second
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type pending struct {
	result json.RawMessage
	err    error
	done   chan struct{}
}

// Adapter is the remote (JSON-RPC+SSE) Adapter implementation, bound to a
// single (UserID, Provider) pair for its lifetime.
type Adapter struct {
	userID   string
	provider string
	endpoint string
	tokens   tokenstore.Store

	client *http.Client

	mu          sync.Mutex
	sessionID   string
	lastEventID string
	pending     map[int64]*pending
	nextID      atomic.Int64
	closed      atomic.Bool

	readerWG  sync.WaitGroup
	stopCh    chan struct{}
	readerCtx context.Context
	cancel    context.CancelFunc
}

// Config parameterizes a remote adapter handle.
type Config struct {
	Endpoint string
	Client   *http.Client
}

// New constructs and initializes a remote adapter: reads the stored token,
// sends the JSON-RPC `initialize` request, captures the returned session
// id, and starts the SSE reader goroutine.
func New(ctx context.Context, userID, provider string, tokens tokenstore.Store, cfg Config) (*Adapter, error) {
	rec, err := tokens.Get(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", adapter.ErrAuthMissing, userID, provider, err)
	}
	if rec.Expired(time.Now()) {
		refreshed, err := tokens.Refresh(ctx, userID, provider)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %v", adapter.ErrAuthExpired, userID, provider, err)
		}
		rec = refreshed
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		userID:    userID,
		provider:  provider,
		endpoint:  strings.TrimRight(cfg.Endpoint, "/") + "/mcp",
		tokens:    tokens,
		client:    client,
		pending:   make(map[int64]*pending),
		stopCh:    make(chan struct{}),
		readerCtx: readerCtx,
		cancel:    cancel,
	}

	if err := a.initialize(ctx, rec.AccessCiphertext); err != nil {
		cancel()
		return nil, err
	}

	a.readerWG.Add(1)
	go a.runReader(rec.AccessCiphertext)

	return a, nil
}

func (a *Adapter) initialize(ctx context.Context, accessToken string) error {
	result, err := a.call(ctx, accessToken, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
	})
	if err != nil {
		return err
	}
	_ = result
	return nil
}

// DiscoverTools issues a tools/list JSON-RPC call and flattens the result.
func (a *Adapter) DiscoverTools(ctx context.Context) ([]models.ToolSchema, error) {
	accessToken, err := a.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	result, err := a.call(ctx, accessToken, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode tools/list: %v", adapter.ErrTransport, err)
	}
	return adapter.FlattenSchema(envelope.Tools)
}

// CallTool issues a tools/call JSON-RPC request and unwraps {success, data}
// result envelopes into the raw data the executor expects.
func (a *Adapter) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	accessToken, err := a.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	result, err := a.call(ctx, accessToken, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		IsError bool            `json:"isError"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil || envelope.Data == nil {
		var raw any
		if jsonErr := json.Unmarshal(result, &raw); jsonErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("%w: %s: decode result: %v", adapter.ErrTransport, name, err)
	}
	if envelope.IsError || (envelope.Success != nil && !*envelope.Success) {
		return nil, fmt.Errorf("%w: %s: %s", adapter.ErrToolFailure, name, string(envelope.Data))
	}

	var data any
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return string(envelope.Data), nil
	}
	return data, nil
}

// Ping sends a lightweight `ping` request; callers fall back to
// DiscoverTools when a backend does not implement it.
func (a *Adapter) Ping(ctx context.Context) error {
	accessToken, err := a.currentToken(ctx)
	if err != nil {
		return err
	}
	_, err = a.call(ctx, accessToken, "ping", nil)
	return err
}

// Close sends DELETE {endpoint} with the session header and stops the SSE
// reader.
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(a.stopCh)
	a.cancel()

	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()

	req, err := http.NewRequest(http.MethodDelete, a.endpoint, nil)
	if err == nil {
		if sessionID != "" {
			req.Header.Set("Mcp-Session-Id", sessionID)
		}
		resp, err := a.client.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}

	a.readerWG.Wait()
	return nil
}

func (a *Adapter) currentToken(ctx context.Context) (string, error) {
	rec, err := a.tokens.Get(ctx, a.userID, a.provider)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s: %v", adapter.ErrAuthMissing, a.userID, a.provider, err)
	}
	if !rec.Expired(time.Now()) {
		return rec.AccessCiphertext, nil
	}
	refreshed, err := a.tokens.Refresh(ctx, a.userID, a.provider)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s: %v", adapter.ErrAuthExpired, a.userID, a.provider, err)
	}
	return refreshed.AccessCiphertext, nil
}

// call performs one JSON-RPC request/response round trip, correlating the
// response by id whether it returns synchronously in the POST body or
// asynchronously over the SSE stream (202 Accepted).
func (a *Adapter) call(ctx context.Context, accessToken, method string, params any) (json.RawMessage, error) {
	id := a.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	p := &pending{done: make(chan struct{})}
	a.mu.Lock()
	a.pending[id] = p
	sessionID := a.sessionID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", adapter.ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", adapter.ErrTransport, method, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return a.awaitPending(ctx, p)
	case http.StatusNotFound:
		a.mu.Lock()
		a.sessionID = ""
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", adapter.ErrSessionEvicted, method)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s: http %d: %s", adapter.ErrTransport, method, resp.StatusCode, string(data))
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		a.mu.Lock()
		a.sessionID = sid
		a.mu.Unlock()
	}

	var msg rpcMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %s: decode body: %v", adapter.ErrTransport, method, err)
	}
	if msg.Error != nil {
		return nil, classifyRPCError(method, msg.Error)
	}
	return msg.Result, nil
}

func (a *Adapter) awaitPending(ctx context.Context, p *pending) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", adapter.ErrTimeout, ctx.Err())
	}
}

func classifyRPCError(method string, rpcErr *rpcError) error {
	switch {
	case rpcErr.Code == -32602:
		return fmt.Errorf("%w: %s: %s", adapter.ErrBadArgument, method, rpcErr.Message)
	case rpcErr.Code == -32601 && method == "ping":
		return fmt.Errorf("%w: %s", adapter.ErrPingUnsupported, rpcErr.Message)
	default:
		return fmt.Errorf("%w: %s: %s", adapter.ErrToolFailure, method, rpcErr.Message)
	}
}

// runReader owns the single SSE connection for this handle, reconnecting
// with Last-Event-ID on transport error and reinitializing from scratch if
// the server reports the session no longer exists.
func (a *Adapter) runReader(accessToken string) {
	defer a.readerWG.Done()

	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		if err := a.readOnce(accessToken); err != nil {
			select {
			case <-a.stopCh:
				return
			case <-time.After(reconnectDelay):
			}
			if errors.Is(err, adapter.ErrSessionEvicted) {
				_ = a.initialize(a.readerCtx, accessToken)
			}
		}
	}
}

func (a *Adapter) readOnce(accessToken string) error {
	a.mu.Lock()
	sessionID := a.sessionID
	lastEventID := a.lastEventID
	a.mu.Unlock()

	req, err := http.NewRequestWithContext(a.readerCtx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		a.mu.Lock()
		a.sessionID = ""
		a.mu.Unlock()
		return fmt.Errorf("%w: sse stream", adapter.ErrSessionEvicted)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sse http %d", resp.StatusCode)
	}

	return a.consumeSSE(resp.Body)
}

// consumeSSE parses a text/event-stream body of "id:"/"data:" lines,
// dispatching each complete JSON-RPC message as it arrives.
func (a *Adapter) consumeSSE(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventID string
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]

		var msg rpcMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return
		}
		if eventID != "" {
			a.mu.Lock()
			a.lastEventID = eventID
			a.mu.Unlock()
		}
		a.dispatch(msg)
	}

	for scanner.Scan() {
		select {
		case <-a.stopCh:
			return nil
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive line, ignore
		}
	}
	flush()
	return scanner.Err()
}

// dispatch routes one decoded SSE message either to a pending caller (it
// carries a result/error matching an outstanding request id) or drops it
// as a notification/server-push the adapter has no subscriber for.
func (a *Adapter) dispatch(msg rpcMessage) {
	if msg.ID == nil {
		return
	}

	a.mu.Lock()
	p, ok := a.pending[*msg.ID]
	a.mu.Unlock()
	if !ok {
		return
	}

	if msg.Error != nil {
		p.err = classifyRPCError("async", msg.Error)
	} else {
		p.result = msg.Result
	}
	close(p.done)
}
