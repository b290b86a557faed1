package schema

import (
	"encoding/json"
	"time"
)

// StreamEventKind tags the StreamEvent variant.
type StreamEventKind string

const (
	// KindMessageStart opens an assistant turn.
	KindMessageStart StreamEventKind = "message_start"
	// KindBlockStart opens the content block at Index.
	KindBlockStart StreamEventKind = "content_block_start"
	// KindBlockDelta extends the content block at Index.
	KindBlockDelta StreamEventKind = "content_block_delta"
	// KindBlockStop closes the content block at Index.
	KindBlockStop StreamEventKind = "content_block_stop"
	// KindMessageStop closes an assistant message.
	KindMessageStop StreamEventKind = "message_stop"
	// KindResult terminates a turn and carries cost accounting.
	KindResult StreamEventKind = "result"
	// KindSystemInit is emitted once per child and carries the session id.
	KindSystemInit StreamEventKind = "system_init"
	// KindAssistant carries a complete assistant message snapshot.
	KindAssistant StreamEventKind = "assistant"
	// KindUser carries tool results fed back to the model.
	KindUser StreamEventKind = "user"
	// KindControlRequest is a permission prompt from the child.
	KindControlRequest StreamEventKind = "control_request"
	// KindStderr carries a diagnostic line from the child's stderr or an undecodable stdout line.
	KindStderr StreamEventKind = "stderr"
	// KindUnrecognized carries a well-formed line with an unknown type tag.
	KindUnrecognized StreamEventKind = "unrecognized"
)

// BlockType identifies the kind of content block.
type BlockType string

const (
	// BlockText is visible assistant text.
	BlockText BlockType = "text"
	// BlockThinking is reasoning output.
	BlockThinking BlockType = "thinking"
	// BlockToolUse is a tool invocation.
	BlockToolUse BlockType = "tool_use"
	// BlockToolResult is the output of a tool invocation.
	BlockToolResult BlockType = "tool_result"
)

// DeltaType identifies the kind of content block delta.
type DeltaType string

const (
	// DeltaText appends to a text block.
	DeltaText DeltaType = "text_delta"
	// DeltaThinking appends to a thinking block.
	DeltaThinking DeltaType = "thinking_delta"
	// DeltaInputJSON appends a fragment of a tool_use input document.
	DeltaInputJSON DeltaType = "input_json_delta"
	// DeltaSignature carries a thinking signature and no renderable text.
	DeltaSignature DeltaType = "signature_delta"
)

// ContentBlock is the payload of content_block_start and of message snapshots.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Delta is the payload of content_block_delta.
type Delta struct {
	Type        DeltaType `json:"type"`
	Text        string    `json:"text,omitempty"`
	Thinking    string    `json:"thinking,omitempty"`
	PartialJSON string    `json:"partial_json,omitempty"`
}

// Fragment returns the text the delta appends to its block.
func (d Delta) Fragment() string {
	switch d.Type {
	case DeltaText:
		return d.Text
	case DeltaThinking:
		return d.Thinking
	case DeltaInputJSON:
		return d.PartialJSON
	default:
		return ""
	}
}

// ResultPayload terminates a turn.
type ResultPayload struct {
	Subtype    string    `json:"subtype,omitempty"`
	IsError    bool      `json:"is_error"`
	Text       string    `json:"text,omitempty"`
	CostUSD    *float64  `json:"cost_usd,omitempty"`
	SessionID  SessionID `json:"session_id,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	NumTurns   int       `json:"num_turns,omitempty"`
}

// PermissionRequest is a pending tool permission prompt.
type PermissionRequest struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// StreamEvent is one decoded line of the child's output stream.
// Kind selects which payload fields are meaningful.
type StreamEvent struct {
	Kind            StreamEventKind    `json:"kind"`
	Index           int                `json:"index,omitempty"`
	ParentToolUseID string             `json:"parent_tool_use_id,omitempty"`
	SessionID       SessionID          `json:"session_id,omitempty"`
	Model           ModelID            `json:"model,omitempty"`
	Block           *ContentBlock      `json:"block,omitempty"`
	Delta           *Delta             `json:"delta,omitempty"`
	Content         []ContentBlock     `json:"content,omitempty"`
	Result          *ResultPayload     `json:"result,omitempty"`
	Permission      *PermissionRequest `json:"permission,omitempty"`
	Text            string             `json:"text,omitempty"`
	Tag             string             `json:"tag,omitempty"`
	Raw             json.RawMessage    `json:"-"`
}

// TurnTerminal reports whether the event ends the turn.
func (e StreamEvent) TurnTerminal() bool {
	return e.Kind == KindResult
}

// ProcessExit describes how a child process ended.
type ProcessExit struct {
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AgentEvent is the unit published on the supervisor event bus.
// Exactly one of Event or Exit is meaningful; Exit is set for process exits.
type AgentEvent struct {
	Agent AgentID      `json:"agent"`
	Seq   uint64       `json:"seq"`
	Time  time.Time    `json:"time"`
	Event StreamEvent  `json:"event"`
	Exit  *ProcessExit `json:"exit,omitempty"`
}

// Terminal reports whether subscribers scoped to a turn should detach.
func (e AgentEvent) Terminal() bool {
	return e.Exit != nil || e.Event.TurnTerminal()
}
