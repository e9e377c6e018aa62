package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound is returned when an agent ID doesn't exist.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrDuplicateAgent is returned when registering an ID twice.
	ErrDuplicateAgent = errors.New("agent already registered")
)

// ErrorKind classifies agent failures.
type ErrorKind string

const (
	KindInvalidInput     ErrorKind = "invalid_input"
	KindModelError       ErrorKind = "model_error"
	KindTimeout          ErrorKind = "timeout"
	KindRateLimit        ErrorKind = "rate_limit"
	KindContextTooLarge  ErrorKind = "context_too_large"
	KindValidationFailed ErrorKind = "validation_failed"
	KindUnknown          ErrorKind = "unknown"
)

// Error is a failure attributed to one agent.
type Error struct {
	AgentID string
	Kind    ErrorKind
	Err     error
}

// NewError wraps err as a failure of agentID.
func NewError(agentID string, kind ErrorKind, err error) *Error {
	return &Error{AgentID: agentID, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("agent %s: %s: %v", e.AgentID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err. Context deadlines count as timeouts.
func KindOf(err error) ErrorKind {
	var ae *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae):
		return ae.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrAgentNotFound):
		return KindInvalidInput
	}
	return KindUnknown
}

// Retryable reports whether retrying err could help. Caller mistakes and
// shape problems are not transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindContextTooLarge, KindValidationFailed:
		return false
	}
	return true
}

// asAgentError attributes err to agentID, keeping an existing kind.
func asAgentError(agentID string, err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.AgentID == "" {
			return &Error{AgentID: agentID, Kind: ae.Kind, Err: ae.Err}
		}
		return ae
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(agentID, KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return NewError(agentID, KindUnknown, err)
	}
	return NewError(agentID, KindModelError, err)
}
