package core

import (
	"context"

	"pkt.systems/ccbridge/schema"
)

// Runner starts Claude Code child processes and exposes their event stream.
type Runner interface {
	Start(ctx context.Context, req StartRequest) (ProcessHandle, error)
}

// StartRequest describes a child invocation.
type StartRequest struct {
	Agent           schema.AgentID
	WorkingDir      string
	Model           schema.ModelID
	PermissionMode  schema.PermissionMode
	MaxTurns        int
	ResumeSessionID schema.SessionID
}

// ProcessHandle exposes the event stream, the framed stdin channel, and
// lifecycle controls of one child.
type ProcessHandle interface {
	PID() int
	Events() EventStream
	SendUserTurn(ctx context.Context, text string, sessionID schema.SessionID) error
	RespondPermission(ctx context.Context, requestID string, allow bool, message string) error
	Signal(ctx context.Context, sig ProcessSignal) error
	Wait(ctx context.Context) (RunResult, error)
	Close() error
}

// EventStream yields decoded events from the child's output.
type EventStream interface {
	Next(ctx context.Context) (schema.StreamEvent, error)
	Close() error
}

// RunResult describes the process outcome.
type RunResult struct {
	ExitCode int
	Signal   string
}

// ProcessSignal indicates which signal to send to the process.
type ProcessSignal string

const (
	// ProcessSignalINT interrupts the current turn.
	ProcessSignalINT ProcessSignal = "INT"
	// ProcessSignalTERM requests a termination signal.
	ProcessSignalTERM ProcessSignal = "TERM"
	// ProcessSignalKILL requests an immediate kill signal.
	ProcessSignalKILL ProcessSignal = "KILL"
)
