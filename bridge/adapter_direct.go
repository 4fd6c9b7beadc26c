package bridge

import (
	"context"
	"log/slog"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

// DirectAdapter speaks MCP natively to a provider process the bridge spawns and owns.
type DirectAdapter struct {
	opts AdapterOptions
}

// NewDirectAdapter creates a direct adapter.
func NewDirectAdapter(opts AdapterOptions) *DirectAdapter {
	return &DirectAdapter{opts: opts.normalized()}
}

// Open spawns the provider and runs the initialize handshake.
func (a *DirectAdapter) Open(ctx context.Context, desc ServerDescriptor) (Conn, error) {
	session, err := openStdioSession(ctx, desc, a.opts)
	if err != nil {
		return nil, err
	}
	return &directConn{
		stdioSession: session,
		logger:       a.opts.Logger.With("server", desc.Name),
	}, nil
}

type directConn struct {
	*stdioSession
	logger *slog.Logger
}

func (c *directConn) Discover(ctx context.Context) ([]ToolSchema, error) {
	list, err := c.client.ListTools(ctx)
	if err != nil {
		return nil, classifyCallError(err)
	}
	schemas := make([]ToolSchema, 0, len(list.Tools))
	for _, tool := range list.Tools {
		schema, err := schemaFromMCP(tool)
		if err != nil {
			c.logger.Warn("skipping malformed tool schema", "error", err)
			continue
		}
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

func (c *directConn) Invoke(ctx context.Context, operation string, params map[string]any) (RawResponse, error) {
	result, err := c.client.CallTool(ctx, mcp.ToolsCallParams{
		Name:      operation,
		Arguments: params,
	})
	if err != nil {
		return RawResponse{}, classifyCallError(err)
	}
	return RawResponse{Result: result}, nil
}
