package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

// Adapter opens connections to providers of one transport kind.
type Adapter interface {
	// Open spawns the provider described by desc and completes the handshake.
	Open(ctx context.Context, desc ServerDescriptor) (Conn, error)
}

// Conn is one live, handshaken provider connection. A Conn is not safe for
// concurrent requests: the owning session serializes access.
type Conn interface {
	Discover(ctx context.Context) ([]ToolSchema, error)
	Invoke(ctx context.Context, operation string, params map[string]any) (RawResponse, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	// Done is closed when the underlying process exits.
	Done() <-chan struct{}
}

// AdapterOptions carries the settings shared by the built-in adapters.
type AdapterOptions struct {
	ClientInfo      mcp.ClientInfo
	ProtocolVersion string
	Logger          *slog.Logger
	// CloseTimeout bounds how long Close waits for the process to be reaped.
	CloseTimeout time.Duration
}

func (o AdapterOptions) normalized() AdapterOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	return o
}

// DefaultAdapters returns the adapter set keyed by transport kind.
func DefaultAdapters(opts AdapterOptions) map[TransportKind]Adapter {
	return map[TransportKind]Adapter{
		TransportDirect:           NewDirectAdapter(opts),
		TransportSubprocessBridge: NewSubprocessBridgeAdapter(opts),
	}
}

// stdioSession is the process plumbing shared by both adapters.
type stdioSession struct {
	transport *mcp.StdioTransport
	client    *mcp.Client
	closeWait time.Duration
}

func openStdioSession(ctx context.Context, desc ServerDescriptor, opts AdapterOptions) (*stdioSession, error) {
	transport, err := mcp.NewStdioTransport(ctx, mcp.StdioTransportConfig{
		Command: desc.Command,
		Args:    desc.Args,
		Env:     desc.Env,
		Dir:     desc.Dir,
	})
	if err != nil {
		return nil, classifyOpenError(err)
	}
	client := mcp.NewClient(transport, mcp.Options{
		ProtocolVersion: opts.ProtocolVersion,
		ClientInfo:      opts.ClientInfo,
		Capabilities:    map[string]any{},
	})
	s := &stdioSession{transport: transport, client: client, closeWait: opts.CloseTimeout}
	if _, err := client.Initialize(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, classifyOpenError(err)
	}
	return s, nil
}

func (s *stdioSession) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return classifyCallError(err)
	}
	return nil
}

func (s *stdioSession) Done() <-chan struct{} {
	return s.transport.Done()
}

func (s *stdioSession) Close(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.closeWait)
		defer cancel()
	}
	return s.client.Close(ctx)
}
