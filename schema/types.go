package schema

import "time"

// AgentID identifies a supervised agent.
type AgentID string

// SessionID identifies a Claude Code conversation session.
type SessionID string

// ModelID identifies an LLM model.
type ModelID string

// ClientID identifies a registered control-socket client.
type ClientID string

// RequestID correlates a control command with its response.
type RequestID string

// ChatID identifies a conversation on an external message surface.
type ChatID string

// MessageID identifies a message on an external message surface.
type MessageID string

// PermissionMode controls how the child handles tool permission prompts.
type PermissionMode string

const (
	// PermissionDefault prompts for every privileged tool call.
	PermissionDefault PermissionMode = "default"
	// PermissionAcceptEdits auto-approves file edits.
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	// PermissionBypass skips all permission prompts.
	PermissionBypass PermissionMode = "bypassPermissions"
	// PermissionPlan runs the child in planning mode.
	PermissionPlan PermissionMode = "plan"
)

// UserConfig is the per-agent configuration bound at creation time.
type UserConfig struct {
	Model          ModelID
	RepoPath       string
	MaxTurns       int
	IdleTimeout    time.Duration
	HangTimeout    time.Duration
	PermissionMode PermissionMode
}

// ProcessState is the lifecycle state of a CC process instance.
type ProcessState string

const (
	// StateIdle means no turn is in flight.
	StateIdle ProcessState = "idle"
	// StateSpawning means the child is being started.
	StateSpawning ProcessState = "spawning"
	// StateRunning means a turn is in flight.
	StateRunning ProcessState = "running"
	// StateWaitingPermission means the child is blocked on a permission prompt.
	StateWaitingPermission ProcessState = "waiting_permission"
	// StateError is terminal: the turn failed or stalled.
	StateError ProcessState = "error"
	// StateExited is terminal: the child is gone.
	StateExited ProcessState = "exited"
)

// Terminal reports whether no further work can run on this instance.
func (s ProcessState) Terminal() bool {
	return s == StateError || s == StateExited
}

// ProcessStatus is a snapshot of a CC process.
type ProcessStatus struct {
	Agent        AgentID      `json:"agent"`
	State        ProcessState `json:"state"`
	SessionID    SessionID    `json:"sessionId,omitempty"`
	PID          int          `json:"pid,omitempty"`
	SpawnedAt    time.Time    `json:"spawnedAt,omitempty"`
	TotalCostUSD float64      `json:"totalCostUsd"`
	Turns        int          `json:"turns"`
	LastError    string       `json:"lastError,omitempty"`
}

// AgentInfo describes a registered agent and its current process, if any.
type AgentInfo struct {
	Agent          AgentID        `json:"agent"`
	Model          ModelID        `json:"model,omitempty"`
	RepoPath       string         `json:"repo"`
	MaxTurns       int            `json:"maxTurns,omitempty"`
	IdleTimeoutMs  int64          `json:"idleTimeoutMs,omitempty"`
	HangTimeoutMs  int64          `json:"hangTimeoutMs,omitempty"`
	PermissionMode PermissionMode `json:"permissionMode,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	Process        *ProcessStatus `json:"process,omitempty"`
}

// SendOptions tunes a send_message dispatch.
type SendOptions struct {
	// Subscribe registers the caller for this turn's events.
	Subscribe bool
	// Fresh discards the previous session instead of continuing it.
	Fresh bool
}

// SendResult is returned once the child acknowledged the turn.
type SendResult struct {
	SessionID  SessionID    `json:"sessionId,omitempty"`
	State      ProcessState `json:"state"`
	Subscribed bool         `json:"subscribed"`
}
