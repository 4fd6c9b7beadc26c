package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
)

const (
	defaultRecvQueue = 64
	maxFrameBytes    = 16 << 20
	stderrTailBytes  = 2048
)

// StdioTransportConfig configures a stdio transport.
type StdioTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// StdioTransport speaks newline-delimited JSON-RPC over the stdin/stdout
// pipes of a subprocess it owns.
type StdioTransport struct {
	mu     sync.Mutex
	cfg    StdioTransportConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	recvCh chan Message
	errCh  chan error
	// readDone is closed once stdout reached EOF or became unusable.
	readDone chan struct{}
	// exited is closed after cmd.Wait returned.
	exited chan struct{}
	stderr *tailBuffer
	closed bool
}

// NewStdioTransport starts the subprocess and returns a transport bound to it.
// The process is not tied to ctx: it lives until Close or until it exits.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", ErrSpawn)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &StdioTransport{
		cfg:      cfg,
		recvCh:   make(chan Message, defaultRecvQueue),
		errCh:    make(chan error, 1),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
		stderr:   &tailBuffer{limit: stderrTailBytes},
	}
	if err := t.start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *StdioTransport) start() error {
	args := slices.Clone(t.cfg.Args)
	// #nosec G204 -- command/args come from the static launch spec registry.
	cmd := exec.Command(t.cfg.Command, args...)
	cmd.Dir = t.cfg.Dir
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), FlattenEnv(t.cfg.Env)...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: open stdin: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: open stdout: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: open stderr: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.readLoop(stdout)
	go t.waitLoop(stderr)

	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.readDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var message Message
		if err := json.Unmarshal(line, &message); err != nil {
			t.sendErr(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
			return
		}
		// Notifications and provider-initiated requests are never answered
		// by this client; queueing them would only fill the receive buffer.
		if message.Method != "" {
			continue
		}
		select {
		case t.recvCh <- message:
		default:
			t.sendErr(errors.New("mcp: stdio receive queue is full"))
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		t.sendErr(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}
	// Plain EOF: waitLoop reports the exit once the process is reaped.
}

func (t *StdioTransport) waitLoop(stderr io.Reader) {
	_, _ = io.Copy(t.stderr, stderr)
	<-t.readDone

	err := t.cmd.Wait()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	close(t.exited)

	if !closed {
		t.sendErr(&ExitError{Err: err, Stderr: t.stderr.String()})
	}
}

// Send writes one JSON-RPC message followed by a newline.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.stdin == nil {
		return errors.New("mcp: stdio stdin is not available")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}
	data = append(data, '\n')

	if _, err := t.stdin.Write(data); err != nil {
		if t.hasExited() {
			return &ExitError{Err: err, Stderr: t.stderr.String()}
		}
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// Receive returns the next message from the subprocess stdout.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-t.recvCh:
		return message, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case err := <-t.errCh:
		// Keep the terminal error visible to later readers.
		t.sendErr(err)
		return Message{}, err
	case message := <-t.recvCh:
		return message, nil
	}
}

// Done is closed once the subprocess has exited.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.exited
}

// Close terminates the subprocess and waits for it to be reaped.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StdioTransport) hasExited() bool {
	select {
	case <-t.exited:
		return true
	default:
		return false
	}
}

func (t *StdioTransport) sendErr(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

// FlattenEnv renders an env map as sorted KEY=VALUE pairs.
func FlattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
