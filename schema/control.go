package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates control-socket messages.
type MessageType string

const (
	// MsgRegisterSupervisor registers a client with the endpoint.
	MsgRegisterSupervisor MessageType = "register_supervisor"
	// MsgCommand carries a correlated request.
	MsgCommand MessageType = "command"
	// MsgMessage is the implicit-send shorthand.
	MsgMessage MessageType = "message"
	// MsgRegistered acknowledges registration.
	MsgRegistered MessageType = "registered"
	// MsgResponse answers a command.
	MsgResponse MessageType = "response"
	// MsgAck answers a fire-and-forget message.
	MsgAck MessageType = "ack"
	// MsgEvent is an asynchronous push for a subscribed agent.
	MsgEvent MessageType = "event"
	// MsgResult is the terminal convenience push for a turn.
	MsgResult MessageType = "result"
)

// Action names a command operation.
type Action string

const (
	ActionStatus            Action = "status"
	ActionListAgents        Action = "list_agents"
	ActionCreateAgent       Action = "create_agent"
	ActionRemoveAgent       Action = "remove_agent"
	ActionSendMessage       Action = "send_message"
	ActionSendToCC          Action = "send_to_cc"
	ActionRespondPermission Action = "respond_permission"
	ActionSubscribe         Action = "subscribe"
	ActionUnsubscribe       Action = "unsubscribe"
	ActionQueryLogs         Action = "query_logs"
	ActionStopAgent         Action = "stop_agent"
)

// EventName is the summarized event kind pushed to subscribers.
type EventName string

const (
	EventText        EventName = "text"
	EventThinking    EventName = "thinking"
	EventTool        EventName = "tool"
	EventError       EventName = "error"
	EventResult      EventName = "result"
	EventProcessExit EventName = "process_exit"
)

// ClientMessage is a decoded client-to-server message.
// Implementations: *RegisterSupervisor, *Command, *UserMessage, *UnrecognizedMessage.
type ClientMessage interface {
	clientMessage()
}

// ServerMessage is a decoded server-to-client message.
// Implementations: *Registered, *Response, *Ack, *EventMessage, *ResultMessage, *UnrecognizedMessage.
type ServerMessage interface {
	serverMessage()
}

// RegisterSupervisor registers the connection, optionally scoped to an agent.
type RegisterSupervisor struct {
	Type         MessageType `json:"type"`
	AgentID      AgentID     `json:"agentId,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
}

// Command is a correlated request.
type Command struct {
	Type      MessageType     `json:"type"`
	RequestID RequestID       `json:"requestId"`
	Action    Action          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	Subscribe bool            `json:"subscribe,omitempty"`
}

// UserMessage is the bare send shorthand accepted on agent sockets.
type UserMessage struct {
	Type      MessageType `json:"type"`
	Agent     AgentID     `json:"agent,omitempty"`
	Text      string      `json:"text"`
	Subscribe bool        `json:"subscribe,omitempty"`
}

// Registered acknowledges a registration.
type Registered struct {
	Type         MessageType `json:"type"`
	ClientID     ClientID    `json:"clientId"`
	AgentID      AgentID     `json:"agentId,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
}

// Response answers a Command. Error is set on failure.
type Response struct {
	Type      MessageType     `json:"type"`
	RequestID RequestID       `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
}

// Ack answers a UserMessage or a message that could not be decoded.
type Ack struct {
	Type      MessageType  `json:"type"`
	Agent     AgentID      `json:"agent,omitempty"`
	OK        bool         `json:"ok"`
	SessionID SessionID    `json:"sessionId,omitempty"`
	State     ProcessState `json:"state,omitempty"`
	Error     string       `json:"error,omitempty"`
	Code      string       `json:"code,omitempty"`
}

// EventMessage is a summarized stream event for a subscriber.
type EventMessage struct {
	Type            MessageType  `json:"type"`
	Agent           AgentID      `json:"agent"`
	Event           EventName    `json:"event"`
	Seq             uint64       `json:"seq"`
	Text            string       `json:"text,omitempty"`
	Tool            string       `json:"tool,omitempty"`
	ToolUseID       string       `json:"toolUseId,omitempty"`
	ParentToolUseID string       `json:"parentToolUseId,omitempty"`
	RequestID       string       `json:"requestId,omitempty"`
	SessionID       SessionID    `json:"sessionId,omitempty"`
	CostUSD         *float64     `json:"cost_usd,omitempty"`
	IsError         bool         `json:"is_error,omitempty"`
	Exit            *ProcessExit `json:"exit,omitempty"`
}

// ResultMessage is the terminal convenience push sent after a result event.
type ResultMessage struct {
	Type    MessageType `json:"type"`
	Agent   AgentID     `json:"agent"`
	Text    string      `json:"text"`
	CostUSD float64     `json:"cost_usd"`
	IsError bool        `json:"is_error,omitempty"`
}

// UnrecognizedMessage carries a well-formed message with an unknown type tag.
type UnrecognizedMessage struct {
	Type MessageType
	Raw  json.RawMessage
}

func (*RegisterSupervisor) clientMessage()  {}
func (*Command) clientMessage()             {}
func (*UserMessage) clientMessage()         {}
func (*UnrecognizedMessage) clientMessage() {}

func (*Registered) serverMessage()          {}
func (*Response) serverMessage()            {}
func (*Ack) serverMessage()                 {}
func (*EventMessage) serverMessage()        {}
func (*ResultMessage) serverMessage()       {}
func (*UnrecognizedMessage) serverMessage() {}

type envelope struct {
	Type MessageType `json:"type"`
}

// DecodeClientMessage decodes one line from a client.
func DecodeClientMessage(line []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, NewProtocolError("decode", err)
	}
	var msg ClientMessage
	switch env.Type {
	case MsgRegisterSupervisor:
		msg = &RegisterSupervisor{}
	case MsgCommand:
		msg = &Command{}
	case MsgMessage:
		msg = &UserMessage{}
	case "":
		return nil, NewProtocolError("decode", errors.New("missing type"))
	default:
		return &UnrecognizedMessage{Type: env.Type, Raw: append(json.RawMessage(nil), line...)}, nil
	}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, NewProtocolError(string(env.Type), err)
	}
	return msg, nil
}

// DecodeServerMessage decodes one line from the server.
func DecodeServerMessage(line []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, NewProtocolError("decode", err)
	}
	var msg ServerMessage
	switch env.Type {
	case MsgRegistered:
		msg = &Registered{}
	case MsgResponse:
		msg = &Response{}
	case MsgAck:
		msg = &Ack{}
	case MsgEvent:
		msg = &EventMessage{}
	case MsgResult:
		msg = &ResultMessage{}
	default:
		return &UnrecognizedMessage{Type: env.Type, Raw: append(json.RawMessage(nil), line...)}, nil
	}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, NewProtocolError(string(env.Type), err)
	}
	return msg, nil
}

// CreateAgentParams are the params of create_agent.
type CreateAgentParams struct {
	AgentID        AgentID        `json:"agentId,omitempty"`
	Repo           string         `json:"repo"`
	Model          ModelID        `json:"model,omitempty"`
	PermissionMode PermissionMode `json:"permissionMode,omitempty"`
	MaxTurns       int            `json:"maxTurns,omitempty"`
	IdleTimeoutMs  int64          `json:"idleTimeoutMs,omitempty"`
	HangTimeoutMs  int64          `json:"hangTimeoutMs,omitempty"`
}

// AgentParams are the params of actions scoped to one agent.
type AgentParams struct {
	Agent AgentID `json:"agent"`
}

// SendMessageParams are the params of send_message.
type SendMessageParams struct {
	Agent     AgentID `json:"agent"`
	Text      string  `json:"text"`
	Subscribe bool    `json:"subscribe,omitempty"`
	Fresh     bool    `json:"fresh,omitempty"`
}

// SendToCCParams are the params of send_to_cc.
type SendToCCParams struct {
	Agent AgentID `json:"agent"`
	Text  string  `json:"text"`
}

// RespondPermissionParams are the params of respond_permission.
type RespondPermissionParams struct {
	Agent     AgentID `json:"agent"`
	RequestID string  `json:"requestId"`
	Allow     bool    `json:"allow"`
	Message   string  `json:"message,omitempty"`
}

// SubscribeParams are the params of subscribe and unsubscribe.
type SubscribeParams struct {
	Agent      AgentID `json:"agent"`
	Persistent bool    `json:"persistent,omitempty"`
}

// QueryLogsParams are the params of query_logs.
type QueryLogsParams struct {
	Agent AgentID `json:"agent"`
	LogQuery
}

// DecodeParams unmarshals command params into out, reporting a protocol error on failure.
func DecodeParams(action Action, raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewProtocolError(string(action), fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	return nil
}
