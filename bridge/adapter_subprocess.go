package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

const (
	runtimeListMethod = "bridge/list"
	runtimeCallMethod = "bridge/call"
)

// errDownstream marks failures the runtime reported about a downstream
// provider. The runtime channel itself is healthy in that case.
var errDownstream = errors.New("bridge: downstream provider failure")

// SubprocessBridgeAdapter delegates to a second-tier runtime process that
// resolves a provider identifier to a downstream stdio provider.
type SubprocessBridgeAdapter struct {
	opts AdapterOptions
}

// NewSubprocessBridgeAdapter creates a subprocess bridge adapter.
func NewSubprocessBridgeAdapter(opts AdapterOptions) *SubprocessBridgeAdapter {
	return &SubprocessBridgeAdapter{opts: opts.normalized()}
}

// Open spawns the runtime and runs the initialize handshake with it.
func (a *SubprocessBridgeAdapter) Open(ctx context.Context, desc ServerDescriptor) (Conn, error) {
	session, err := openStdioSession(ctx, desc, a.opts)
	if err != nil {
		return nil, err
	}
	return &runtimeConn{
		stdioSession: session,
		target:       desc.RuntimeTarget(),
		logger:       a.opts.Logger.With("server", desc.Name, "target", desc.RuntimeTarget()),
	}, nil
}

type runtimeFault struct {
	Kind    string `json:"kind"`
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message"`
}

func (f runtimeFault) String() string {
	if f.Tool != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.Tool, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

type runtimeListParams struct {
	Server string `json:"server"`
}

type runtimeListResult struct {
	Tools           []json.RawMessage `json:"tools"`
	PartialErrors   []runtimeFault    `json:"partialErrors,omitempty"`
	DownstreamError *runtimeFault     `json:"downstreamError,omitempty"`
}

type runtimeCallParams struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type runtimeCallResult struct {
	mcp.ToolsCallResult
	PartialErrors   []runtimeFault `json:"partialErrors,omitempty"`
	DownstreamError *runtimeFault  `json:"downstreamError,omitempty"`
}

type runtimeConn struct {
	*stdioSession
	target string
	logger *slog.Logger
}

func (c *runtimeConn) Discover(ctx context.Context) ([]ToolSchema, error) {
	var result runtimeListResult
	if err := c.client.Call(ctx, runtimeListMethod, runtimeListParams{Server: c.target}, &result); err != nil {
		return nil, classifyCallError(err)
	}
	if result.DownstreamError != nil {
		return nil, downstreamError(*result.DownstreamError)
	}
	for _, fault := range result.PartialErrors {
		c.logger.Warn("runtime reported partial discovery failure", "fault", fault.String())
	}

	schemas := make([]ToolSchema, 0, len(result.Tools))
	for _, raw := range result.Tools {
		var tool mcp.Tool
		if err := json.Unmarshal(raw, &tool); err != nil {
			c.logger.Warn("skipping undecodable tool schema", "error", err)
			continue
		}
		schema, err := schemaFromMCP(tool)
		if err != nil {
			c.logger.Warn("skipping malformed tool schema", "error", err)
			continue
		}
		schemas = append(schemas, schema)
	}
	if len(schemas) == 0 && len(result.PartialErrors) > 0 {
		return nil, newError(KindProtocolViolation, "runtime returned no usable tool schemas: "+result.PartialErrors[0].String(), errDownstream)
	}
	return schemas, nil
}

func (c *runtimeConn) Invoke(ctx context.Context, operation string, params map[string]any) (RawResponse, error) {
	var result runtimeCallResult
	err := c.client.Call(ctx, runtimeCallMethod, runtimeCallParams{
		Server:    c.target,
		Tool:      operation,
		Arguments: params,
	}, &result)
	if err != nil {
		return RawResponse{}, classifyCallError(err)
	}
	if result.DownstreamError != nil {
		return RawResponse{}, downstreamError(*result.DownstreamError)
	}

	warnings := make([]string, 0, len(result.PartialErrors))
	for _, fault := range result.PartialErrors {
		warnings = append(warnings, fault.String())
	}
	empty := len(result.Content) == 0 && len(result.StructuredContent) == 0
	if empty && len(warnings) > 0 {
		return RawResponse{}, newError(KindProtocolViolation, "runtime returned only partial failures: "+strings.Join(warnings, "; "), errDownstream)
	}
	return RawResponse{Result: result.ToolsCallResult, Warnings: warnings}, nil
}

func downstreamError(fault runtimeFault) *Error {
	kind := KindTransportError
	switch strings.ToLower(strings.TrimSpace(fault.Kind)) {
	case "not_found", "tool_not_found", "unknown_tool":
		kind = KindToolNotFound
	case "timeout", "deadline_exceeded":
		kind = KindInvocationTimeout
	case "crashed", "exited", "process_exited":
		kind = KindProcessCrashed
	case "schema", "malformed_schema", "protocol", "protocol_violation":
		kind = KindProtocolViolation
	case "spawn", "spawn_failure":
		kind = KindSpawnFailure
	case "tool_error", "failure":
		kind = KindToolFailure
	}
	message := strings.TrimSpace(fault.Message)
	if message == "" {
		message = "downstream " + fault.Kind
	}
	err := newError(kind, message, errDownstream)
	err.Retryable = false
	return err
}
