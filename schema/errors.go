package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownAction indicates a command action the server does not handle.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidAgent indicates an invalid agent identifier.
	ErrInvalidAgent = errors.New("invalid agent id")
	// ErrInvalidRepo indicates the repo path is missing or not a directory.
	ErrInvalidRepo = errors.New("invalid repo path")
	// ErrInvalidModel indicates an invalid model identifier.
	ErrInvalidModel = errors.New("invalid model")
	// ErrInvalidPermissionMode indicates an unsupported permission mode.
	ErrInvalidPermissionMode = errors.New("invalid permission mode")
	// ErrEmptyMessage indicates the message text was empty.
	ErrEmptyMessage = errors.New("empty message")
	// ErrAgentExists indicates an agent with the same id is already registered.
	ErrAgentExists = errors.New("agent already exists")
	// ErrAgentNotFound indicates the agent is not registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrBusy indicates a turn is already in flight for the process.
	ErrBusy = errors.New("agent is busy")
	// ErrNotRunning indicates the action requires a live child process.
	ErrNotRunning = errors.New("agent is not running")
	// ErrProcessExited indicates the process instance is terminal.
	ErrProcessExited = errors.New("process exited")
	// ErrIdleTimeout indicates the child produced no output for too long.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrHangTimeout indicates the child outlived its hang ceiling.
	ErrHangTimeout = errors.New("hang timeout")
	// ErrNoPermissionRequest indicates no permission prompt is pending.
	ErrNoPermissionRequest = errors.New("no pending permission request")
	// ErrSupervisorClosed indicates the supervisor is shutting down.
	ErrSupervisorClosed = errors.New("supervisor is closed")
)

// ProtocolError reports a malformed or unrecognized control message.
type ProtocolError struct {
	Op  string
	Err error
}

// NewProtocolError wraps err as a protocol error for op.
func NewProtocolError(op string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Err: err}
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "protocol error"
	}
	if e.Err == nil {
		return fmt.Sprintf("protocol error: %s", e.Op)
	}
	if e.Op == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorCode classifies err into a stable wire code.
func ErrorCode(err error) string {
	var protoErr *ProtocolError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &protoErr), errors.Is(err, ErrUnknownAction):
		return "protocol"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrNotRunning), errors.Is(err, ErrProcessExited), errors.Is(err, ErrSupervisorClosed):
		return "not_running"
	case errors.Is(err, ErrAgentExists):
		return "conflict"
	case errors.Is(err, ErrAgentNotFound):
		return "not_found"
	case errors.Is(err, ErrIdleTimeout), errors.Is(err, ErrHangTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidAgent),
		errors.Is(err, ErrInvalidRepo),
		errors.Is(err, ErrInvalidModel),
		errors.Is(err, ErrInvalidPermissionMode),
		errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrNoPermissionRequest):
		return "invalid"
	default:
		return "internal"
	}
}
