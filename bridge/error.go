package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/toolbridge/bridge/mcp"
)

// ErrorKind is the stable, machine-readable failure tag callers branch on.
type ErrorKind string

const (
	// KindSpawnFailure is returned when the provider executable is missing or the OS rejects the launch.
	KindSpawnFailure ErrorKind = "SpawnFailure"
	// KindHandshakeTimeout is returned when initialize or discovery does not finish in time.
	KindHandshakeTimeout ErrorKind = "HandshakeTimeout"
	// KindProtocolViolation is returned for malformed framing or unexpected message shapes.
	KindProtocolViolation ErrorKind = "ProtocolViolation"
	// KindToolNotFound is returned when an operation is absent from the discovered schema set.
	KindToolNotFound ErrorKind = "ToolNotFound"
	// KindInvocationTimeout is returned when a call exceeds its timeout.
	KindInvocationTimeout ErrorKind = "InvocationTimeout"
	// KindProcessCrashed is returned when the provider exits mid-session.
	KindProcessCrashed ErrorKind = "ProcessCrashed"
	// KindTransportError is the generic I/O failure.
	KindTransportError ErrorKind = "TransportError"
	// KindCacheInvalidationFailure is reported by best-effort cache clears.
	KindCacheInvalidationFailure ErrorKind = "CacheInvalidationFailure"
	// KindSessionUnavailable is returned when no session can be obtained for a provider.
	KindSessionUnavailable ErrorKind = "SessionUnavailable"
	// KindProviderPoisoned is returned after repeated crashes until an explicit reset.
	KindProviderPoisoned ErrorKind = "ProviderPoisoned"
	// KindInvalidRequest is returned for requests rejected before reaching a provider.
	KindInvalidRequest ErrorKind = "InvalidRequest"
	// KindToolFailure is returned when the provider ran the operation and reported failure.
	KindToolFailure ErrorKind = "ToolFailure"
)

// Error is the structured failure flowing between adapters, the session
// manager and the dispatcher.
type Error struct {
	Kind      ErrorKind
	Message   string
	Server    string
	Operation string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindToolNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind != "" && t.Kind == e.Kind && t.Message == "" && t.Cause == nil
}

func newError(kind ErrorKind, message string, cause error) *Error {
	msg := strings.TrimSpace(message)
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Kind:      kind,
		Message:   msg,
		Retryable: kind == KindTransportError,
		Cause:     cause,
	}
}

func (e *Error) with(server, operation string) *Error {
	if e == nil {
		return nil
	}
	if e.Server == "" {
		e.Server = server
	}
	if e.Operation == "" {
		e.Operation = operation
	}
	return e
}

// KindOf returns the ErrorKind carried by err, or "" when err is not a bridge error.
func KindOf(err error) ErrorKind {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) && bridgeErr != nil {
		return bridgeErr.Kind
	}
	return ""
}

// degradesSession reports whether a failure leaves the channel untrustworthy.
// JSON-RPC error replies do not: the framing is intact.
func degradesSession(err *Error) bool {
	if err == nil || errors.Is(err, errDownstream) {
		return false
	}
	switch err.Kind {
	case KindInvocationTimeout, KindProcessCrashed, KindTransportError:
		return true
	case KindProtocolViolation:
		return errors.Is(err, mcp.ErrMalformedFrame)
	default:
		return false
	}
}

// classifyCallError maps a transport or protocol error raised during a call
// onto the taxonomy. Errors that already carry a kind pass through.
func classifyCallError(err error) *Error {
	if err == nil {
		return nil
	}
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return bridgeErr
	}
	var rpcErr *mcp.RPCError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindInvocationTimeout, "call timed out", err)
	case errors.Is(err, context.Canceled):
		return newError(KindTransportError, "call canceled", err)
	case errors.Is(err, mcp.ErrProcessExited):
		return newError(KindProcessCrashed, "", err)
	case errors.Is(err, mcp.ErrMalformedFrame):
		return newError(KindProtocolViolation, "", err)
	case errors.Is(err, mcp.ErrSpawn):
		return newError(KindSpawnFailure, "", err)
	case errors.As(err, &rpcErr):
		return classifyRPCError(rpcErr, err)
	default:
		return newError(KindTransportError, "", err)
	}
}

// classifyOpenError maps failures during spawn, handshake and initial
// discovery. Any deadline hit in that phase is a handshake timeout.
func classifyOpenError(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindHandshakeTimeout, "handshake timed out", err)
	}
	return classifyCallError(err)
}

func classifyRPCError(rpcErr *mcp.RPCError, cause error) *Error {
	switch rpcErr.Code {
	case mcp.CodeParseError, mcp.CodeInvalidRequest, mcp.CodeMethodNotFound:
		// The provider did not understand the envelope itself.
		return newError(KindProtocolViolation, rpcErr.Message, cause)
	case mcp.CodeInvalidParams:
		if looksLikeUnknownTool(rpcErr.Message) {
			return newError(KindToolNotFound, rpcErr.Message, cause)
		}
		return newError(KindInvalidRequest, rpcErr.Message, cause)
	default:
		return newError(KindToolFailure, rpcErr.Message, cause)
	}
}

func looksLikeUnknownTool(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "unknown tool") || strings.Contains(lower, "tool not found")
}
