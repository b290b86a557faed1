package claude

import (
	"encoding/json"

	"pkt.systems/ccbridge/schema"
)

type userTurnFrame struct {
	Type      string           `json:"type"`
	SessionID schema.SessionID `json:"session_id,omitempty"`
	Message   userTurnMessage  `json:"message"`
}

type userTurnMessage struct {
	Role    string                `json:"role"`
	Content []schema.ContentBlock `json:"content"`
}

type controlResponseFrame struct {
	Type     string          `json:"type"`
	Response controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype   string             `json:"subtype"`
	RequestID string             `json:"request_id"`
	Response  permissionDecision `json:"response"`
}

type permissionDecision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// encodeUserTurn frames one user turn as a single stdin line. A non-empty
// session id marks the turn as a continuation of that session.
func encodeUserTurn(text string, sessionID schema.SessionID) ([]byte, error) {
	frame := userTurnFrame{
		Type:      "user",
		SessionID: sessionID,
		Message: userTurnMessage{
			Role:    "user",
			Content: []schema.ContentBlock{{Type: schema.BlockText, Text: text}},
		},
	}
	return marshalLine(frame)
}

func encodePermissionReply(requestID string, allow bool, message string) ([]byte, error) {
	decision := permissionDecision{Behavior: "deny", Message: message}
	if allow {
		decision = permissionDecision{Behavior: "allow"}
	}
	return marshalLine(controlResponseFrame{
		Type: "control_response",
		Response: controlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  decision,
		},
	})
}

func marshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
