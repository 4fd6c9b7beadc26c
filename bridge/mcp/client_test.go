package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockTransport struct {
	mu            sync.Mutex
	closed        bool
	sendErr       error
	receiveErr    error
	responses     []Message
	notifications []Message
	lastRequests  []Message
	handler       func(req Message) []Message
}

func (m *mockTransport) Send(ctx context.Context, message Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	if message.Method != "" && message.ID == 0 {
		m.notifications = append(m.notifications, message)
		return nil
	}

	m.lastRequests = append(m.lastRequests, message)
	if m.handler != nil {
		m.responses = append(m.responses, m.handler(message)...)
	}
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.receiveErr != nil {
		return Message{}, m.receiveErr
	}
	if len(m.responses) == 0 {
		return Message{}, errors.New("mock transport: no queued responses")
	}
	response := m.responses[0]
	m.responses = m.responses[1:]
	return response, nil
}

func (m *mockTransport) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func reply(t *testing.T, req Message, result any) []Message {
	t.Helper()
	return []Message{{JSONRPC: jsonRPCVersion, ID: req.ID, Result: mustJSON(t, result)}}
}

func TestClientInitialize(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) []Message {
			if req.Method != "initialize" {
				return []Message{{
					JSONRPC: jsonRPCVersion,
					ID:      req.ID,
					Error:   &RPCError{Code: CodeMethodNotFound, Message: "method not found"},
				}}
			}
			params := decodeParams(t, req.Params)
			if params["protocolVersion"] != "2026-01-01" {
				t.Fatalf("protocolVersion = %v, want 2026-01-01", params["protocolVersion"])
			}
			clientInfo, _ := params["clientInfo"].(map[string]any)
			if clientInfo["name"] != "toolbridge-test" {
				t.Fatalf("clientInfo.name = %v, want toolbridge-test", clientInfo["name"])
			}
			return reply(t, req, InitializeResult{
				ProtocolVersion: "2026-01-01",
				Capabilities:    map[string]any{"tools": map[string]any{}},
				ServerInfo:      ServerInfo{Name: "docs", Version: "1.0.0"},
			})
		},
	}

	client := NewClient(transport, Options{
		ProtocolVersion: "2026-01-01",
		ClientInfo:      ClientInfo{Name: "toolbridge-test", Version: "0.1.0"},
	})

	result, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if result.ServerInfo.Name != "docs" {
		t.Fatalf("ServerInfo.Name = %q, want docs", result.ServerInfo.Name)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(transport.notifications))
	}
	if transport.notifications[0].Method != "notifications/initialized" {
		t.Fatalf("notification method = %q, want notifications/initialized", transport.notifications[0].Method)
	}
}

func TestClientInitializeIsIdempotent(t *testing.T) {
	callCount := 0
	transport := &mockTransport{
		handler: func(req Message) []Message {
			callCount++
			return reply(t, req, InitializeResult{
				ProtocolVersion: "2026-01-01",
				ServerInfo:      ServerInfo{Name: "docs"},
			})
		},
	}

	client := NewClient(transport, Options{})
	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("first Initialize() error = %v", err)
	}
	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if callCount != 1 {
		t.Fatalf("initialize call count = %d, want 1", callCount)
	}
}

func TestClientInitializeRejectsEmptyVersion(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) []Message {
			return reply(t, req, map[string]any{"serverInfo": map[string]any{"name": "x"}})
		},
	}
	_, err := NewClient(transport, Options{}).Initialize(context.Background())
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("Initialize() error = %v, want ErrMalformedFrame", err)
	}
}

func TestClientListToolsFollowsCursor(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) []Message {
			params := decodeParams(t, req.Params)
			if params["cursor"] == nil {
				return reply(t, req, ToolsListResult{
					Tools:      []Tool{{Name: "lookup"}},
					NextCursor: "page-2",
				})
			}
			if params["cursor"] != "page-2" {
				t.Fatalf("cursor = %v, want page-2", params["cursor"])
			}
			return reply(t, req, ToolsListResult{Tools: []Tool{{Name: "search"}}})
		},
	}

	result, err := NewClient(transport, Options{}).ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("len(Tools) = %d, want 2", len(result.Tools))
	}
	if result.Tools[1].Name != "search" {
		t.Fatalf("Tools[1].Name = %q, want search", result.Tools[1].Name)
	}
}

func TestClientCallToolSkipsUnrelatedMessages(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) []Message {
			return []Message{
				{JSONRPC: jsonRPCVersion, Method: "notifications/progress"},
				{JSONRPC: jsonRPCVersion, ID: req.ID + 100, Result: mustJSON(t, map[string]any{})},
				{JSONRPC: jsonRPCVersion, ID: req.ID, Result: mustJSON(t, ToolsCallResult{
					Content: []ContentBlock{{Type: "text", Text: `{"count":2}`}},
				})},
			}
		},
	}

	result, err := NewClient(transport, Options{}).CallTool(context.Background(), ToolsCallParams{
		Name:      "lookup",
		Arguments: map[string]any{"package": "alpha"},
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != `{"count":2}` {
		t.Fatalf("Content = %+v, want one text block", result.Content)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	params := decodeParams(t, transport.lastRequests[0].Params)
	if params["name"] != "lookup" {
		t.Fatalf("params.name = %v, want lookup", params["name"])
	}
}

func TestClientRPCError(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) []Message {
			return []Message{{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Error:   &RPCError{Code: -32001, Message: "server failure"},
			}}
		},
	}

	_, err := NewClient(transport, Options{}).ListTools(context.Background())
	if err == nil {
		t.Fatal("ListTools() error = nil, want non-nil")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error type = %T, want *RequestError", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error does not wrap *RPCError: %v", err)
	}
	if rpcErr.Code != -32001 {
		t.Fatalf("rpc error code = %d, want -32001", rpcErr.Code)
	}
}

func TestClientRejectsForeignJSONRPCVersion(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) []Message {
			return []Message{{JSONRPC: "1.0", ID: req.ID}}
		},
	}
	err := NewClient(transport, Options{}).Ping(context.Background())
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("Ping() error = %v, want ErrMalformedFrame", err)
	}
}

func TestClientSendErrorIsWrapped(t *testing.T) {
	transport := &mockTransport{sendErr: context.DeadlineExceeded}
	err := NewClient(transport, Options{}).Ping(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ping() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestClientClose(t *testing.T) {
	transport := &mockTransport{}
	client := NewClient(transport, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if !transport.closed {
		t.Fatal("transport.closed = false, want true")
	}
}

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

func decodeParams(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return obj
}
