package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrBusinessNotFound = errors.New("business not found")
	// ErrConfirmationRequired is raised by the strict execute policy when no
	// valid confirmation token accompanies the call.
	ErrConfirmationRequired = errors.New("execution requires confirmation")
)

// TimeoutError reports an adapter verb exceeding the configured deadline.
type TimeoutError struct {
	Verb     string
	Platform string
}

func (e *TimeoutError) Error() string {
	return "Adapter execution timed out"
}

// OperationError wraps an error thrown by the adapter itself. Messages are
// truncated so a misbehaving upstream cannot flood transaction rows.
type OperationError struct {
	Verb     string
	Platform string
	Message  string
}

const maxOperationErrorLength = 500

func NewOperationError(verb, platform string, cause error) *OperationError {
	msg := cause.Error()
	if len(msg) > maxOperationErrorLength {
		msg = msg[:maxOperationErrorLength]
	}
	return &OperationError{Verb: verb, Platform: platform, Message: msg}
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("adapter %s %s failed: %s", e.Platform, e.Verb, e.Message)
}
