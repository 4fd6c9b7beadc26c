package bridge

import "time"

// CallObservation captures one dispatcher call outcome.
type CallObservation struct {
	CallID          string
	Server          string
	Operation       string
	Transport       TransportKind
	Attempts        int
	Duration        time.Duration
	Success         bool
	ServedFromCache bool
	ErrorKind       ErrorKind
}

// RetryObservation captures the one automatic re-acquire-and-retry of a call.
type RetryObservation struct {
	CallID    string
	Server    string
	Operation string
	Attempt   int
	ErrorKind ErrorKind
}

// SessionObservation captures a session state transition.
type SessionObservation struct {
	Server    string
	SessionID string
	From      SessionState
	To        SessionState
	ErrorKind ErrorKind
	Crashes   int
	Poisoned  bool
}

// HealthObservation captures one health probe of a ready session.
type HealthObservation struct {
	Server    string
	SessionID string
	Healthy   bool
	Duration  time.Duration
	ErrorKind ErrorKind
}

// Observer receives bridge observability events. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	ObserveCall(observation CallObservation)
	ObserveRetry(observation RetryObservation)
	ObserveSession(observation SessionObservation)
	ObserveHealth(observation HealthObservation)
}

// NopObserver discards every observation.
type NopObserver struct{}

func (NopObserver) ObserveCall(CallObservation)       {}
func (NopObserver) ObserveRetry(RetryObservation)     {}
func (NopObserver) ObserveSession(SessionObservation) {}
func (NopObserver) ObserveHealth(HealthObservation)   {}
