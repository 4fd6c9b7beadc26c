package cli

import (
	"fmt"

	"github.com/petal-labs/toolbridge/bridge"
)

// Exit codes returned by toolbridge commands.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitInputParse   = 4
	exitProvider     = 5
	exitTimeout      = 10
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// exitCodeFor maps a bridge failure kind onto a process exit code.
func exitCodeFor(kind bridge.ErrorKind) int {
	switch kind {
	case bridge.KindInvocationTimeout, bridge.KindHandshakeTimeout:
		return exitTimeout
	case bridge.KindInvalidRequest:
		return exitValidation
	case "":
		return exitSuccess
	default:
		return exitProvider
	}
}
