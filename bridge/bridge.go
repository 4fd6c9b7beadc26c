package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

const (
	// DefaultCallTimeout bounds a dispatched call when neither the caller nor
	// the descriptor sets one.
	DefaultCallTimeout = 30 * time.Second

	// maxStaleSessions bounds how often one call re-acquires after finding its
	// session left Ready while it waited in the queue.
	maxStaleSessions = 3
)

// Options configures a Bridge.
type Options struct {
	Registry *Registry
	// Adapters overrides the built-in adapter set, keyed by transport kind.
	Adapters         map[TransportKind]Adapter
	Logger           *slog.Logger
	Observer         Observer
	ClientInfo       mcp.ClientInfo
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	PoisonThreshold  int
	CacheSoftCap     int
	// ResponseStore is an optional durable tier behind the response cache.
	ResponseStore ResponseStore
	// ValidateParams rejects calls missing a required parameter before they
	// reach the provider.
	ValidateParams bool
}

// Bridge is the call dispatcher. It is safe for concurrent use.
type Bridge struct {
	registry       *Registry
	sessions       *SessionManager
	schemas        *SchemaCache
	responses      *ResponseCache
	logger         *slog.Logger
	observer       Observer
	callTimeout    time.Duration
	validateParams bool
}

// New builds a Bridge. No provider is spawned until its first call.
func New(opts Options) (*Bridge, error) {
	if opts.Registry == nil {
		return nil, errors.New("bridge: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = mcp.ClientInfo{Name: "toolbridge", Version: "dev"}
	}
	if opts.Adapters == nil {
		opts.Adapters = DefaultAdapters(AdapterOptions{
			ClientInfo: opts.ClientInfo,
			Logger:     opts.Logger,
		})
	}

	schemas := NewSchemaCache()
	sessions, err := NewSessionManager(SessionManagerConfig{
		Registry:         opts.Registry,
		Adapters:         opts.Adapters,
		Schemas:          schemas,
		Logger:           opts.Logger,
		Observer:         opts.Observer,
		HandshakeTimeout: opts.HandshakeTimeout,
		PoisonThreshold:  opts.PoisonThreshold,
	})
	if err != nil {
		return nil, err
	}

	return &Bridge{
		registry: opts.Registry,
		sessions: sessions,
		schemas:  schemas,
		responses: NewResponseCache(ResponseCacheConfig{
			SoftCap: opts.CacheSoftCap,
			Store:   opts.ResponseStore,
			Logger:  opts.Logger,
		}),
		logger:         opts.Logger,
		observer:       opts.Observer,
		callTimeout:    opts.CallTimeout,
		validateParams: opts.ValidateParams,
	}, nil
}

// CallError is the caller-facing failure of one call.
type CallError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *CallError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// CallResult is the uniform outcome of Invoke. Exactly one of Payload and
// Error is set.
type CallResult struct {
	Success         bool          `json:"success"`
	Payload         *Payload      `json:"payload,omitempty"`
	Error           *CallError    `json:"error,omitempty"`
	ServedFromCache bool          `json:"served_from_cache"`
	CallID          string        `json:"call_id"`
	Duration        time.Duration `json:"duration"`

	err *Error
}

// Err returns the structured failure, or nil on success.
func (r CallResult) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

type callConfig struct {
	timeout     time.Duration
	bypassCache bool
	callID      string
}

// CallOption customizes one Invoke.
type CallOption func(*callConfig)

// WithTimeout overrides the call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

// WithBypassCache skips the response cache lookup. A successful result is
// still stored.
func WithBypassCache() CallOption {
	return func(c *callConfig) { c.bypassCache = true }
}

// WithCallID sets the correlation ID reported in the result and logs.
func WithCallID(id string) CallOption {
	return func(c *callConfig) { c.callID = id }
}

// Invoke runs operation on server. It never returns an error value: every
// failure, including a recovered panic, is reported in the CallResult.
func (b *Bridge) Invoke(ctx context.Context, server, operation string, params map[string]any, opts ...CallOption) (result CallResult) {
	cfg := callConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.callID == "" {
		cfg.callID = uuid.NewString()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	attempts := 0
	logger := b.logger.With("server", server, "operation", operation, "call_id", cfg.callID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered panic in invoke", "panic", r, "stack", string(debug.Stack()))
			result = failedResult(newError(KindTransportError, fmt.Sprintf("internal failure: %v", r), nil).with(server, operation))
		}
		result.CallID = cfg.callID
		result.Duration = time.Since(start)

		desc, _ := b.registry.Lookup(server)
		observation := CallObservation{
			CallID:          cfg.callID,
			Server:          server,
			Operation:       operation,
			Transport:       desc.Transport,
			Attempts:        attempts,
			Duration:        result.Duration,
			Success:         result.Success,
			ServedFromCache: result.ServedFromCache,
		}
		if result.Error != nil {
			observation.ErrorKind = result.Error.Kind
			logger.Warn("tool call failed", "kind", result.Error.Kind, "error", result.Error.Message, "attempts", attempts, "duration", result.Duration)
		} else if result.ServedFromCache {
			logger.Debug("tool call served from cache")
		} else {
			logger.Debug("tool call completed", "attempts", attempts, "duration", result.Duration)
		}
		b.observer.ObserveCall(observation)
	}()

	payload, fromCache, err := b.dispatch(ctx, server, operation, params, cfg, &attempts, logger)
	if err != nil {
		return failedResult(err.with(server, operation))
	}
	return CallResult{Success: true, Payload: payload, ServedFromCache: fromCache}
}

func failedResult(err *Error) CallResult {
	return CallResult{
		Error: &CallError{Kind: err.Kind, Message: err.Message},
		err:   err,
	}
}

func (b *Bridge) dispatch(ctx context.Context, server, operation string, params map[string]any, cfg callConfig, attempts *int, logger *slog.Logger) (*Payload, bool, *Error) {
	desc, ok := b.registry.Lookup(server)
	if !ok {
		return nil, false, &Error{
			Kind:    KindSessionUnavailable,
			Message: fmt.Sprintf("provider %q is not registered", server),
			Cause:   newError(KindSpawnFailure, "no launch spec", nil),
		}
	}
	if operation == "" {
		return nil, false, newError(KindInvalidRequest, "operation name is required", nil)
	}

	var (
		fingerprint Fingerprint
		cacheable   bool
	)
	if rule, idempotent := desc.IdempotencyFor(operation); idempotent {
		fp, err := NewFingerprint(server, operation, params, rule.KeyFields)
		if err != nil {
			return nil, false, newError(KindInvalidRequest, "parameters are not JSON-encodable", err)
		}
		fingerprint, cacheable = fp, true
		if !cfg.bypassCache {
			if entry, hit := b.responses.Get(ctx, fp); hit {
				payload, err := decodePayload(entry.Payload)
				if err == nil {
					return payload, true, nil
				}
				logger.Warn("discarding undecodable cached response", "error", err)
			}
		}
	}

	// A known-absent operation is rejected without touching the provider.
	if _, found, populated := b.schemas.Lookup(server, operation); populated && !found {
		return nil, false, toolNotFound(server, operation)
	}

	timeout := b.timeoutFor(desc, cfg)
	var (
		raw     RawResponse
		callErr *Error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		*attempts = attempt
		raw, callErr = b.attempt(ctx, server, operation, params, timeout)
		if callErr == nil {
			break
		}
		if attempt == 1 && callErr.Kind == KindTransportError && !errors.Is(callErr, errDownstream) && ctx.Err() == nil {
			logger.Warn("retrying after transport error", "error", callErr.Message)
			b.observer.ObserveRetry(RetryObservation{
				CallID:    cfg.callID,
				Server:    server,
				Operation: operation,
				Attempt:   attempt + 1,
				ErrorKind: callErr.Kind,
			})
			continue
		}
		return nil, false, callErr
	}

	b.sessions.RecordSuccess(server)

	payload, normErr := normalizeResponse(raw)
	if normErr != nil {
		return nil, false, normErr
	}
	if !cacheable || len(payload.Warnings) > 0 {
		return payload, false, nil
	}

	encoded, err := encodePayload(payload)
	if err != nil {
		logger.Warn("response not cached", "error", err)
		return payload, false, nil
	}
	entry := b.responses.Put(ctx, fingerprint, encoded)
	// Return what a later cache hit would return, byte for byte.
	if stored, err := decodePayload(entry.Payload); err == nil {
		payload = stored
	}
	return payload, false, nil
}

func (b *Bridge) timeoutFor(desc ServerDescriptor, cfg callConfig) time.Duration {
	switch {
	case cfg.timeout > 0:
		return cfg.timeout
	case desc.Timeout > 0:
		return desc.Timeout
	default:
		return b.callTimeout
	}
}

// attempt acquires a session, waits for its call lock and performs one call.
func (b *Bridge) attempt(ctx context.Context, server, operation string, params map[string]any, timeout time.Duration) (RawResponse, *Error) {
	for stale := 0; ; stale++ {
		session, err := b.sessions.Acquire(ctx, server)
		if err != nil {
			return RawResponse{}, sessionError(err)
		}
		if err := session.gate.Lock(ctx); err != nil {
			return RawResponse{}, newError(KindSessionUnavailable, "gave up waiting for the provider", err)
		}

		conn := session.connection()
		if session.State() != StateReady || conn == nil {
			session.gate.Unlock()
			if stale+1 >= maxStaleSessions {
				return RawResponse{}, newError(KindSessionUnavailable, "provider session keeps failing", session.LastError())
			}
			continue
		}

		return b.callWithGate(ctx, session, conn, operation, params, timeout)
	}
}

func (b *Bridge) callWithGate(ctx context.Context, session *Session, conn Conn, operation string, params map[string]any, timeout time.Duration) (RawResponse, *Error) {
	defer session.gate.Unlock()
	return b.callLocked(ctx, session, conn, operation, params, timeout)
}

// callLocked runs with the session's call lock held. Once dispatched the call
// is bounded only by its timeout; cancelling ctx does not abort it.
func (b *Bridge) callLocked(ctx context.Context, session *Session, conn Conn, operation string, params map[string]any, timeout time.Duration) (RawResponse, *Error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	schema, found, populated := b.schemas.Lookup(session.server, operation)
	if !populated {
		if err := b.rediscover(callCtx, session, conn); err != nil {
			return RawResponse{}, err
		}
		schema, found, _ = b.schemas.Lookup(session.server, operation)
	}
	if !found {
		return RawResponse{}, toolNotFound(session.server, operation)
	}
	if b.validateParams {
		for _, name := range schema.RequiredParameters() {
			if _, ok := params[name]; !ok {
				return RawResponse{}, newError(KindInvalidRequest, fmt.Sprintf("missing required parameter %q", name), nil)
			}
		}
	}

	raw, err := conn.Invoke(callCtx, operation, params)
	if err == nil {
		return raw, nil
	}
	callErr := b.settle(session, conn, classifyCallError(err))
	return RawResponse{}, callErr
}

func (b *Bridge) rediscover(ctx context.Context, session *Session, conn Conn) *Error {
	schemas, err := conn.Discover(ctx)
	if err != nil {
		return b.settle(session, conn, classifyCallError(err))
	}
	b.schemas.Put(session.server, schemas)
	return nil
}

// settle reconciles a call failure with the session: a process that is gone
// is reported as a crash, and channel-breaking failures degrade the session.
func (b *Bridge) settle(session *Session, conn Conn, callErr *Error) *Error {
	if callErr.Kind == KindTransportError {
		select {
		case <-conn.Done():
			callErr = newError(KindProcessCrashed, "provider process exited", errors.Join(mcp.ErrProcessExited, callErr))
		default:
		}
	}
	if degradesSession(callErr) {
		b.sessions.Degrade(session, callErr)
	}
	return callErr
}

func sessionError(err error) *Error {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		switch bridgeErr.Kind {
		case KindSessionUnavailable, KindProviderPoisoned:
			return bridgeErr
		}
		// Spawn and handshake failures surface as the provider being
		// unavailable; the original kind stays reachable through Cause.
		return &Error{
			Kind:      KindSessionUnavailable,
			Message:   bridgeErr.Error(),
			Server:    bridgeErr.Server,
			Operation: bridgeErr.Operation,
			Cause:     bridgeErr,
		}
	}
	return newError(KindSessionUnavailable, "", err)
}

func toolNotFound(server, operation string) *Error {
	return &Error{
		Kind:      KindToolNotFound,
		Message:   fmt.Sprintf("operation %q is not offered by provider %q", operation, server),
		Server:    server,
		Operation: operation,
	}
}

// ListOperations returns the discovered operations for server, starting its
// session if needed.
func (b *Bridge) ListOperations(ctx context.Context, server string) ([]ToolSchema, error) {
	desc, ok := b.registry.Lookup(server)
	if !ok {
		return nil, &Error{Kind: KindSessionUnavailable, Message: fmt.Sprintf("provider %q is not registered", server), Server: server}
	}
	if schemas, ok := b.schemas.Get(server); ok {
		return schemas, nil
	}

	session, err := b.sessions.Acquire(ctx, server)
	if err != nil {
		return nil, sessionError(err)
	}
	if err := session.gate.Lock(ctx); err != nil {
		return nil, newError(KindSessionUnavailable, "gave up waiting for the provider", err).with(server, "")
	}
	defer session.gate.Unlock()

	if schemas, ok := b.schemas.Get(server); ok {
		return schemas, nil
	}
	conn := session.connection()
	if conn == nil || session.State() != StateReady {
		return nil, newError(KindSessionUnavailable, "provider session is not ready", session.LastError()).with(server, "")
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeoutFor(desc, callConfig{}))
	defer cancel()
	if err := b.rediscover(dctx, session, conn); err != nil {
		return nil, err.with(server, "")
	}
	schemas, _ := b.schemas.Get(server)
	return schemas, nil
}

// ProviderStatus summarizes one registered provider.
type ProviderStatus struct {
	Name            string        `json:"name"`
	Transport       TransportKind `json:"transport"`
	State           SessionState  `json:"state"`
	Poisoned        bool          `json:"poisoned"`
	Operations      int           `json:"operations"`
	SchemasCached   bool          `json:"schemas_cached"`
	CachedResponses int           `json:"cached_responses"`
	SessionID       string        `json:"session_id,omitempty"`
	OpenedAt        time.Time     `json:"opened_at,omitzero"`
}

// ListProviders reports every registered provider in name order.
func (b *Bridge) ListProviders() []ProviderStatus {
	names := b.registry.Names()
	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		desc, _ := b.registry.Lookup(name)
		schemas, cached := b.schemas.Get(name)
		status := ProviderStatus{
			Name:            name,
			Transport:       desc.Transport,
			State:           b.sessions.State(name),
			Poisoned:        b.sessions.Poisoned(name),
			Operations:      len(schemas),
			SchemasCached:   cached,
			CachedResponses: b.responses.Len(name),
		}
		if session, ok := b.sessions.Current(name); ok {
			status.SessionID = session.ID()
			status.OpenedAt = session.OpenedAt()
		}
		out = append(out, status)
	}
	return out
}

// Descriptor returns the redacted launch spec for server.
func (b *Bridge) Descriptor(server string) (ServerDescriptor, bool) {
	desc, ok := b.registry.Lookup(server)
	if !ok {
		return ServerDescriptor{}, false
	}
	return desc.Redacted(), true
}

// InvalidateCache clears the schema and response caches for server. The two
// clears are independent; failures come back as CacheInvalidationFailure
// errors and never affect the session.
func (b *Bridge) InvalidateCache(ctx context.Context, server string) []error {
	if _, ok := b.registry.Lookup(server); !ok {
		return []error{&Error{Kind: KindSessionUnavailable, Message: fmt.Sprintf("provider %q is not registered", server), Server: server}}
	}

	var errs []error
	run := func(what string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, &Error{Kind: KindCacheInvalidationFailure, Message: fmt.Sprintf("%s cache: %v", what, r), Server: server})
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, &Error{Kind: KindCacheInvalidationFailure, Message: fmt.Sprintf("%s cache: %v", what, err), Server: server, Cause: err})
		}
	}
	run("schema", func() error {
		b.schemas.Invalidate(server)
		return nil
	})
	run("response", func() error {
		return b.responses.Clear(ctx, server)
	})

	if len(errs) > 0 {
		b.logger.Warn("cache invalidation incomplete", "server", server, "error", errors.Join(errs...))
	} else {
		b.logger.Info("caches invalidated", "server", server)
	}
	return errs
}

// ResetProvider lifts the crash poisoning of server.
func (b *Bridge) ResetProvider(server string) error {
	return b.sessions.ResetPoison(server)
}

// ReleaseProvider closes the session for server; the next call respawns it.
func (b *Bridge) ReleaseProvider(ctx context.Context, server string) error {
	return b.sessions.Release(ctx, server)
}

// SessionState reports the session state for server.
func (b *Bridge) SessionState(server string) SessionState {
	return b.sessions.State(server)
}

// Providers returns the registered provider names.
func (b *Bridge) Providers() []string {
	return b.registry.Names()
}

// Close terminates every provider process and the durable response tier.
func (b *Bridge) Close(ctx context.Context) error {
	return errors.Join(b.sessions.CloseAll(ctx), b.responses.Close())
}
