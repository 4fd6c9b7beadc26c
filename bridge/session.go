package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

// SessionState is the lifecycle state of a provider session.
type SessionState string

const (
	StateUninitialized SessionState = "Uninitialized"
	StateInitializing  SessionState = "Initializing"
	StateReady         SessionState = "Ready"
	StateDegraded      SessionState = "Degraded"
	StateClosed        SessionState = "Closed"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPoisonThreshold  = 3
)

// Session is the live connection state for one provider. It exclusively owns
// the provider process through its Conn.
type Session struct {
	id       string
	server   string
	openedAt time.Time

	// gate admits one in-flight request at a time, in arrival order.
	gate *callGate

	mu      sync.Mutex
	state   SessionState
	lastErr *Error
	conn    Conn
	// closing is set once the bridge itself tears the process down, so the
	// exit watcher does not count it as a crash.
	closing bool
}

func newSession(server string) *Session {
	return &Session{
		id:       uuid.NewString(),
		server:   server,
		openedAt: time.Now().UTC(),
		state:    StateUninitialized,
		gate:     newCallGate(),
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// Server returns the provider name.
func (s *Session) Server() string { return s.server }

// OpenedAt returns when the session was created.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the failure that moved the session out of Ready, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return nil
	}
	return s.lastErr
}

func (s *Session) connection() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	Registry         *Registry
	Adapters         map[TransportKind]Adapter
	Schemas          *SchemaCache
	Logger           *slog.Logger
	Observer         Observer
	HandshakeTimeout time.Duration
	// PoisonThreshold is the number of consecutive crashes after which a
	// provider is refused until ResetPoison. Zero uses the default; a
	// negative value disables poisoning.
	PoisonThreshold int
}

type providerSlot struct {
	desc ServerDescriptor

	// create serializes spawn/handshake for this provider.
	create sync.Mutex

	mu       sync.Mutex
	session  *Session
	crashes  int
	poisoned bool
}

func (p *providerSlot) current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// SessionManager owns one session per provider name and its lifecycle.
type SessionManager struct {
	adapters         map[TransportKind]Adapter
	schemas          *SchemaCache
	logger           *slog.Logger
	observer         Observer
	handshakeTimeout time.Duration
	poisonThreshold  int

	// slots is built once from the registry and never resized, so lookups
	// need no lock and unrelated providers never contend.
	slots  map[string]*providerSlot
	closed atomic.Bool
}

// NewSessionManager creates a session manager over a registry.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Registry == nil {
		return nil, errors.New("bridge: session manager registry is nil")
	}
	if cfg.Schemas == nil {
		cfg.Schemas = NewSchemaCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Adapters == nil {
		cfg.Adapters = DefaultAdapters(AdapterOptions{Logger: cfg.Logger})
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PoisonThreshold == 0 {
		cfg.PoisonThreshold = defaultPoisonThreshold
	}

	slots := make(map[string]*providerSlot, cfg.Registry.Len())
	for _, name := range cfg.Registry.Names() {
		desc, _ := cfg.Registry.Lookup(name)
		if _, ok := cfg.Adapters[desc.Transport]; !ok {
			return nil, fmt.Errorf("bridge: no adapter for transport %q (server %q)", desc.Transport, name)
		}
		slots[name] = &providerSlot{desc: desc}
	}

	return &SessionManager{
		adapters:         cfg.Adapters,
		schemas:          cfg.Schemas,
		logger:           cfg.Logger,
		observer:         cfg.Observer,
		handshakeTimeout: cfg.HandshakeTimeout,
		poisonThreshold:  cfg.PoisonThreshold,
		slots:            slots,
	}, nil
}

func (m *SessionManager) slot(name string) (*providerSlot, *Error) {
	slot, ok := m.slots[name]
	if !ok {
		return nil, &Error{
			Kind:    KindSessionUnavailable,
			Message: fmt.Sprintf("provider %q is not registered", name),
			Server:  name,
		}
	}
	return slot, nil
}

// Acquire returns the Ready session for name, spawning one when none exists
// or the current one is Degraded or Closed. Concurrent first callers wait for
// a single spawn; if it fails, the next waiter attempts its own.
func (m *SessionManager) Acquire(ctx context.Context, name string) (*Session, error) {
	slot, slotErr := m.slot(name)
	if slotErr != nil {
		return nil, slotErr
	}
	if s := slot.current(); s != nil && s.State() == StateReady {
		return s, nil
	}

	slot.create.Lock()
	defer slot.create.Unlock()

	if m.closed.Load() {
		return nil, &Error{Kind: KindSessionUnavailable, Message: "bridge is shut down", Server: name}
	}

	slot.mu.Lock()
	poisoned := slot.poisoned
	crashes := slot.crashes
	existing := slot.session
	slot.mu.Unlock()

	if poisoned {
		return nil, &Error{
			Kind:    KindProviderPoisoned,
			Message: fmt.Sprintf("provider %q crashed %d times in a row; reset required", name, crashes),
			Server:  name,
		}
	}
	if existing != nil {
		if existing.State() == StateReady {
			return existing, nil
		}
		m.discard(existing)
	}

	var lastErr *Error
	for attempt := 1; attempt <= 2; attempt++ {
		s, err := m.spawn(ctx, slot)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if attempt > 1 || (err.Kind != KindSpawnFailure && err.Kind != KindHandshakeTimeout) || ctx.Err() != nil {
			break
		}
		m.logger.Warn("session open failed, retrying once", "server", name, "kind", err.Kind, "error", err.Message)
	}
	return nil, lastErr.with(name, "")
}

func (m *SessionManager) spawn(ctx context.Context, slot *providerSlot) (*Session, *Error) {
	name := slot.desc.Name
	s := newSession(name)

	slot.mu.Lock()
	slot.session = s
	slot.mu.Unlock()

	m.transition(slot, s, StateInitializing, nil)

	hctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	conn, err := m.adapters[slot.desc.Transport].Open(hctx, slot.desc)
	if err != nil {
		openErr := classifyOpenError(err)
		m.degradeSlot(slot, s, openErr)
		return nil, openErr
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if _, populated := m.schemas.Get(name); !populated {
		schemas, err := conn.Discover(hctx)
		if err != nil {
			discoverErr := classifyOpenError(err)
			m.degradeSlot(slot, s, discoverErr)
			return nil, discoverErr
		}
		m.schemas.Put(name, schemas)
	}

	m.transition(slot, s, StateReady, nil)
	go m.watch(slot, s, conn)
	return s, nil
}

// watch degrades the session when its process exits on its own.
func (m *SessionManager) watch(slot *providerSlot, s *Session, conn Conn) {
	<-conn.Done()

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}
	m.degradeSlot(slot, s, newError(KindProcessCrashed, "provider process exited", mcp.ErrProcessExited))
}

// Degrade marks s Degraded and tears down its process. It is a no-op for a
// session that already left Ready or Initializing.
func (m *SessionManager) Degrade(s *Session, err *Error) {
	if s == nil {
		return
	}
	slot, slotErr := m.slot(s.server)
	if slotErr != nil {
		return
	}
	m.degradeSlot(slot, s, err)
}

func (m *SessionManager) degradeSlot(slot *providerSlot, s *Session, err *Error) {
	s.mu.Lock()
	if s.state == StateDegraded || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	m.transition(slot, s, StateDegraded, err)
	if err != nil && err.Kind == KindProcessCrashed {
		m.recordCrash(slot)
	}
	if conn != nil {
		if closeErr := conn.Close(context.Background()); closeErr != nil {
			m.logger.Debug("closing degraded session", "server", s.server, "session_id", s.id, "error", closeErr)
		}
	}
}

// discard drops a Degraded or Closed session before a respawn.
func (m *SessionManager) discard(s *Session) {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(context.Background())
	}
}

func (m *SessionManager) transition(slot *providerSlot, s *Session, to SessionState, err *Error) {
	s.mu.Lock()
	from := s.state
	if from == StateReady && to != StateReady {
		m.schemas.Invalidate(s.server)
	}
	s.state = to
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()

	slot.mu.Lock()
	crashes, poisoned := slot.crashes, slot.poisoned
	slot.mu.Unlock()

	observation := SessionObservation{
		Server:    s.server,
		SessionID: s.id,
		From:      from,
		To:        to,
		Crashes:   crashes,
		Poisoned:  poisoned,
	}
	attrs := []any{"server", s.server, "session_id", s.id, "from", from, "to", to}
	if err != nil {
		observation.ErrorKind = err.Kind
		attrs = append(attrs, "kind", err.Kind, "error", err.Message)
	}
	if to == StateDegraded {
		m.logger.Warn("session degraded", attrs...)
	} else {
		m.logger.Info("session state changed", attrs...)
	}
	m.observer.ObserveSession(observation)
}

func (m *SessionManager) recordCrash(slot *providerSlot) {
	slot.mu.Lock()
	slot.crashes++
	crashes := slot.crashes
	newlyPoisoned := m.poisonThreshold > 0 && crashes >= m.poisonThreshold && !slot.poisoned
	if newlyPoisoned {
		slot.poisoned = true
	}
	slot.mu.Unlock()

	if newlyPoisoned {
		m.logger.Error("provider poisoned after repeated crashes", "server", slot.desc.Name, "crashes", crashes)
	}
}

// RecordSuccess clears the consecutive crash count for name.
func (m *SessionManager) RecordSuccess(name string) {
	slot, err := m.slot(name)
	if err != nil {
		return
	}
	slot.mu.Lock()
	slot.crashes = 0
	slot.mu.Unlock()
}

// Release closes the session for name. It waits for an in-flight call to
// finish unless ctx ends first. Releasing an absent or closed session is a no-op.
func (m *SessionManager) Release(ctx context.Context, name string) error {
	slot, slotErr := m.slot(name)
	if slotErr != nil {
		return slotErr
	}

	slot.create.Lock()
	defer slot.create.Unlock()

	s := slot.current()
	if s == nil {
		return nil
	}

	gateErr := s.gate.Lock(ctx)
	if gateErr == nil {
		defer s.gate.Unlock()
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	m.transition(slot, s, StateClosed, nil)
	if conn == nil {
		return nil
	}
	closeCtx := ctx
	if gateErr != nil {
		closeCtx = context.Background()
	}
	if err := conn.Close(closeCtx); err != nil {
		return fmt.Errorf("bridge: release %q: %w", name, err)
	}
	return nil
}

// Invalidate forces the next Acquire for name to respawn.
func (m *SessionManager) Invalidate(ctx context.Context, name string) error {
	slot, slotErr := m.slot(name)
	if slotErr != nil {
		return slotErr
	}
	s := slot.current()
	if s == nil {
		return nil
	}
	if err := s.gate.Lock(ctx); err != nil {
		return err
	}
	defer s.gate.Unlock()
	m.degradeSlot(slot, s, &Error{Kind: KindSessionUnavailable, Message: "session invalidated", Server: name})
	return nil
}

// State reports the state of the current session for name.
func (m *SessionManager) State(name string) SessionState {
	slot, err := m.slot(name)
	if err != nil {
		return StateUninitialized
	}
	s := slot.current()
	if s == nil {
		return StateUninitialized
	}
	return s.State()
}

// Current returns the current session for name, whatever its state.
func (m *SessionManager) Current(name string) (*Session, bool) {
	slot, err := m.slot(name)
	if err != nil {
		return nil, false
	}
	s := slot.current()
	return s, s != nil
}

// Poisoned reports whether name is refused after repeated crashes.
func (m *SessionManager) Poisoned(name string) bool {
	slot, err := m.slot(name)
	if err != nil {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.poisoned
}

// ResetPoison clears the crash count and poisoned flag for name.
func (m *SessionManager) ResetPoison(name string) error {
	slot, slotErr := m.slot(name)
	if slotErr != nil {
		return slotErr
	}
	slot.mu.Lock()
	wasPoisoned := slot.poisoned
	slot.crashes = 0
	slot.poisoned = false
	slot.mu.Unlock()
	if wasPoisoned {
		m.logger.Info("provider poison reset", "server", name)
	}
	return nil
}

// ReadySessions returns a snapshot of sessions currently Ready.
func (m *SessionManager) ReadySessions() []*Session {
	out := make([]*Session, 0, len(m.slots))
	for _, slot := range m.slots {
		if s := slot.current(); s != nil && s.State() == StateReady {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll releases every session and refuses further Acquire calls.
func (m *SessionManager) CloseAll(ctx context.Context) error {
	m.closed.Store(true)
	var errs []error
	for name := range m.slots {
		if err := m.Release(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
