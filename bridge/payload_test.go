package bridge

import (
	"encoding/json"
	"testing"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

func TestNormalizeResponse(t *testing.T) {
	tests := []struct {
		name     string
		raw      RawResponse
		wantKind PayloadKind
		wantData string
		wantText string
	}{
		{
			name: "structured content wins over text",
			raw: RawResponse{Result: mcp.ToolsCallResult{
				Content:           []mcp.ContentBlock{{Type: "text", Text: "summary"}},
				StructuredContent: json.RawMessage(`{ "b": 2, "a": 1.50 }`),
			}},
			wantKind: PayloadObject,
			wantData: `{"a":1.50,"b":2}`,
		},
		{
			name:     "json object text",
			raw:      textResponse(`{"title":"x"}`),
			wantKind: PayloadObject,
			wantData: `{"title":"x"}`,
		},
		{
			name:     "json array text",
			raw:      textResponse(` [1, 2] `),
			wantKind: PayloadList,
			wantData: `[1,2]`,
		},
		{
			name:     "plain text",
			raw:      textResponse("hello"),
			wantKind: PayloadText,
			wantText: "hello",
		},
		{
			name:     "brace prefixed prose stays text",
			raw:      textResponse("{not json"),
			wantKind: PayloadText,
			wantText: "{not json",
		},
		{
			name: "attachments only",
			raw: RawResponse{Result: mcp.ToolsCallResult{
				Content: []mcp.ContentBlock{{Type: "image", MimeType: "image/png", Data: "aGk="}},
			}},
			wantKind: PayloadAttachments,
		},
		{
			name:     "empty",
			raw:      RawResponse{},
			wantKind: PayloadEmpty,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := normalizeResponse(tc.raw)
			if err != nil {
				t.Fatalf("normalizeResponse() error = %v", err)
			}
			if payload.Kind != tc.wantKind {
				t.Fatalf("Kind = %s, want %s", payload.Kind, tc.wantKind)
			}
			if string(payload.Data) != tc.wantData {
				t.Fatalf("Data = %s, want %s", payload.Data, tc.wantData)
			}
			if payload.Text != tc.wantText {
				t.Fatalf("Text = %q, want %q", payload.Text, tc.wantText)
			}
		})
	}
}

func TestNormalizeResponseToolFailure(t *testing.T) {
	_, err := normalizeResponse(RawResponse{Result: mcp.ToolsCallResult{IsError: true}})
	if err == nil || err.Kind != KindToolFailure {
		t.Fatalf("normalizeResponse() error = %v, want ToolFailure", err)
	}
	if err.Message != "provider reported an error" {
		t.Fatalf("Message = %q", err.Message)
	}
}

func TestNormalizeResponseRejectsInvalidStructuredContent(t *testing.T) {
	_, err := normalizeResponse(RawResponse{Result: mcp.ToolsCallResult{
		StructuredContent: json.RawMessage(`{"a":`),
	}})
	if err == nil || err.Kind != KindProtocolViolation {
		t.Fatalf("normalizeResponse() error = %v, want ProtocolViolation", err)
	}
	if degradesSession(err) {
		t.Fatal("a bad result body must not degrade the session")
	}
}

func TestPayloadEncodingIsStable(t *testing.T) {
	payload, err := normalizeResponse(textResponse(`{"z":1,"a":{"y":true,"b":null}}`))
	if err != nil {
		t.Fatalf("normalizeResponse() error = %v", err)
	}
	first, encErr := encodePayload(payload)
	if encErr != nil {
		t.Fatalf("encodePayload() error = %v", encErr)
	}
	decoded, decErr := decodePayload(first)
	if decErr != nil {
		t.Fatalf("decodePayload() error = %v", decErr)
	}
	second, encErr := encodePayload(decoded)
	if encErr != nil {
		t.Fatalf("encodePayload() error = %v", encErr)
	}
	if string(first) != string(second) {
		t.Fatalf("re-encoded payload = %s, want %s", second, first)
	}
}
