package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

// PayloadKind tags the shape of a normalized provider response.
type PayloadKind string

const (
	// PayloadObject carries a JSON object (or scalar) in Data.
	PayloadObject PayloadKind = "object"
	// PayloadList carries a JSON array in Data.
	PayloadList PayloadKind = "list"
	// PayloadText carries free-form text in Text.
	PayloadText PayloadKind = "text"
	// PayloadAttachments carries only binary or resource content.
	PayloadAttachments PayloadKind = "attachments"
	// PayloadEmpty is a successful call that returned nothing.
	PayloadEmpty PayloadKind = "empty"
)

// Payload is the single result shape every provider response is normalized to.
type Payload struct {
	Kind        PayloadKind     `json:"kind"`
	Data        json.RawMessage `json:"data,omitempty"`
	Text        string          `json:"text,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	// Warnings carries partial failures reported alongside a usable result.
	Warnings []string `json:"warnings,omitempty"`
}

// Attachment is a non-text content block.
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Decode unmarshals Data into out.
func (p *Payload) Decode(out any) error {
	if p == nil || len(p.Data) == 0 {
		return errors.New("bridge: payload has no structured data")
	}
	return json.Unmarshal(p.Data, out)
}

// RawResponse is what an adapter hands back before normalization.
type RawResponse struct {
	Result   mcp.ToolsCallResult
	Warnings []string
}

// normalizeResponse turns a raw provider response into a Payload. A result
// flagged isError becomes a ToolFailure.
func normalizeResponse(raw RawResponse) (*Payload, *Error) {
	text := collectText(raw.Result.Content)
	if raw.Result.IsError {
		message := text
		if message == "" {
			message = "provider reported an error"
		}
		return nil, newError(KindToolFailure, message, nil)
	}

	payload := &Payload{
		Attachments: collectAttachments(raw.Result.Content),
		Warnings:    append([]string(nil), raw.Warnings...),
	}

	if structured := bytes.TrimSpace(raw.Result.StructuredContent); len(structured) > 0 && !bytes.Equal(structured, []byte("null")) {
		data, err := canonicalJSON(structured)
		if err != nil {
			return nil, newError(KindProtocolViolation, "structuredContent is not valid JSON", err)
		}
		payload.Data = data
		payload.Kind = jsonKind(data)
		return payload, nil
	}

	if trimmed := strings.TrimSpace(text); trimmed != "" {
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			if data, err := canonicalJSON([]byte(trimmed)); err == nil {
				payload.Data = data
				payload.Kind = jsonKind(data)
				return payload, nil
			}
		}
		payload.Kind = PayloadText
		payload.Text = text
		return payload, nil
	}

	if len(payload.Attachments) > 0 {
		payload.Kind = PayloadAttachments
		return payload, nil
	}
	payload.Kind = PayloadEmpty
	return payload, nil
}

func jsonKind(data json.RawMessage) PayloadKind {
	if len(data) > 0 && data[0] == '[' {
		return PayloadList
	}
	return PayloadObject
}

// canonicalJSON re-encodes raw so that equal values always yield equal bytes.
func canonicalJSON(raw []byte) (json.RawMessage, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	out, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func collectText(content []mcp.ContentBlock) string {
	parts := make([]string, 0, len(content))
	for _, block := range content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func collectAttachments(content []mcp.ContentBlock) []Attachment {
	var attachments []Attachment
	for _, block := range content {
		if block.Type == "text" {
			continue
		}
		attachments = append(attachments, Attachment{
			Type:     block.Type,
			MimeType: block.MimeType,
			Data:     block.Data,
			URI:      block.URI,
		})
	}
	return attachments
}

func encodePayload(p *Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("bridge: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode payload: %w", err)
	}
	return data, nil
}

func decodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bridge: decode cached payload: %w", err)
	}
	return &p, nil
}
