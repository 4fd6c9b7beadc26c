package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

type fakeConn struct {
	tools    []ToolSchema
	invoke   func(ctx context.Context, operation string, params map[string]any) (RawResponse, error)
	ping     func(ctx context.Context) error
	discover func(ctx context.Context) ([]ToolSchema, error)

	invokes atomic.Int32
	closed  atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newFakeConn(tools ...string) *fakeConn {
	conn := &fakeConn{done: make(chan struct{})}
	for _, name := range tools {
		conn.tools = append(conn.tools, ToolSchema{Name: name})
	}
	return conn
}

func (c *fakeConn) Discover(ctx context.Context) ([]ToolSchema, error) {
	if c.discover != nil {
		return c.discover(ctx)
	}
	return cloneSchemas(c.tools), nil
}

func (c *fakeConn) Invoke(ctx context.Context, operation string, params map[string]any) (RawResponse, error) {
	c.invokes.Add(1)
	if c.invoke != nil {
		return c.invoke(ctx, operation, params)
	}
	return textResponse(`{"ok":true}`), nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.ping != nil {
		return c.ping(ctx)
	}
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.closed.Store(true)
	c.exit()
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) exit() {
	c.once.Do(func() { close(c.done) })
}

// fakeAdapter hands out connections from newConn and counts opens.
type fakeAdapter struct {
	opens   atomic.Int32
	newConn func(attempt int) (Conn, error)
}

func (a *fakeAdapter) Open(ctx context.Context, desc ServerDescriptor) (Conn, error) {
	attempt := int(a.opens.Add(1))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.newConn(attempt)
}

func adapterFor(build func(attempt int) *fakeConn) *fakeAdapter {
	return &fakeAdapter{newConn: func(attempt int) (Conn, error) {
		return build(attempt), nil
	}}
}

func textResponse(text string) RawResponse {
	return RawResponse{Result: mcp.ToolsCallResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
	}}
}

type recordingObserver struct {
	mu       sync.Mutex
	calls    []CallObservation
	retries  []RetryObservation
	sessions []SessionObservation
	health   []HealthObservation
}

func (o *recordingObserver) ObserveCall(obs CallObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, obs)
}

func (o *recordingObserver) ObserveRetry(obs RetryObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, obs)
}

func (o *recordingObserver) ObserveSession(obs SessionObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions = append(o.sessions, obs)
}

func (o *recordingObserver) ObserveHealth(obs HealthObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.health = append(o.health, obs)
}

func (o *recordingObserver) retryCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.retries)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeDescriptor(name string) ServerDescriptor {
	return ServerDescriptor{Name: name, Transport: TransportDirect, Command: "fake-" + name}
}

// newFakeBridge builds a bridge whose transports are all served by adapter.
func newFakeBridge(t *testing.T, adapter Adapter, descriptors ...ServerDescriptor) (*Bridge, *recordingObserver) {
	t.Helper()
	return newFakeBridgeWith(t, adapter, Options{}, descriptors...)
}

func newFakeBridgeWith(t *testing.T, adapter Adapter, opts Options, descriptors ...ServerDescriptor) (*Bridge, *recordingObserver) {
	t.Helper()
	registry, err := NewRegistry(descriptors...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	observer := &recordingObserver{}
	opts.Registry = registry
	opts.Adapters = map[TransportKind]Adapter{
		TransportDirect:           adapter,
		TransportSubprocessBridge: adapter,
	}
	opts.Logger = discardLogger()
	opts.Observer = observer
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, observer
}

// waitFor polls cond until it holds or the test gives up.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var errFakeIO = errors.New("fake: broken pipe")
