package control

import (
	"encoding/json"
	"strings"

	"pkt.systems/ccbridge/schema"
)

// EventMessages summarizes one agent event for control subscribers.
// Streaming deltas carry the top-level turn; sub-agent output arrives as
// message snapshots and is summarized from those.
func EventMessages(ev schema.AgentEvent) []schema.EventMessage {
	base := schema.EventMessage{
		Type:            schema.MsgEvent,
		Agent:           ev.Agent,
		Seq:             ev.Seq,
		ParentToolUseID: ev.Event.ParentToolUseID,
	}
	if ev.Exit != nil {
		exit := *ev.Exit
		msg := base
		msg.ParentToolUseID = ""
		msg.Event = schema.EventProcessExit
		msg.Text = exit.Reason
		msg.Exit = &exit
		return []schema.EventMessage{msg}
	}
	event := ev.Event
	with := func(name schema.EventName, fill func(*schema.EventMessage)) schema.EventMessage {
		msg := base
		msg.Event = name
		fill(&msg)
		return msg
	}
	switch event.Kind {
	case schema.KindBlockDelta:
		if event.Delta == nil {
			return nil
		}
		switch event.Delta.Type {
		case schema.DeltaText:
			return []schema.EventMessage{with(schema.EventText, func(m *schema.EventMessage) { m.Text = event.Delta.Text })}
		case schema.DeltaThinking:
			return []schema.EventMessage{with(schema.EventThinking, func(m *schema.EventMessage) { m.Text = event.Delta.Thinking })}
		}
	case schema.KindBlockStart:
		if event.Block != nil && event.Block.Type == schema.BlockToolUse {
			return []schema.EventMessage{with(schema.EventTool, func(m *schema.EventMessage) {
				m.Tool = event.Block.Name
				m.ToolUseID = event.Block.ID
			})}
		}
	case schema.KindAssistant:
		if event.ParentToolUseID == "" {
			return nil
		}
		var out []schema.EventMessage
		for _, block := range event.Content {
			switch block.Type {
			case schema.BlockText:
				if block.Text != "" {
					out = append(out, with(schema.EventText, func(m *schema.EventMessage) { m.Text = block.Text }))
				}
			case schema.BlockThinking:
				if block.Thinking != "" {
					out = append(out, with(schema.EventThinking, func(m *schema.EventMessage) { m.Text = block.Thinking }))
				}
			case schema.BlockToolUse:
				out = append(out, with(schema.EventTool, func(m *schema.EventMessage) {
					m.Tool = block.Name
					m.ToolUseID = block.ID
					m.Text = compact(block.Input)
				}))
			}
		}
		return out
	case schema.KindUser:
		var out []schema.EventMessage
		for _, block := range event.Content {
			if block.Type != schema.BlockToolResult || !block.IsError {
				continue
			}
			out = append(out, with(schema.EventError, func(m *schema.EventMessage) {
				m.ToolUseID = block.ToolUseID
				m.Text = toolResultText(block.Content)
			}))
		}
		return out
	case schema.KindControlRequest:
		if event.Permission == nil {
			return nil
		}
		return []schema.EventMessage{with(schema.EventTool, func(m *schema.EventMessage) {
			m.Tool = event.Permission.ToolName
			m.RequestID = event.Permission.RequestID
			m.Text = "permission requested"
		})}
	case schema.KindStderr:
		return []schema.EventMessage{with(schema.EventError, func(m *schema.EventMessage) { m.Text = event.Text })}
	case schema.KindResult:
		result := event.Result
		if result == nil {
			result = &schema.ResultPayload{}
		}
		return []schema.EventMessage{with(schema.EventResult, func(m *schema.EventMessage) {
			m.Text = result.Text
			m.CostUSD = result.CostUSD
			m.IsError = result.IsError
			m.SessionID = result.SessionID
		})}
	}
	return nil
}

// ResultMessage builds the terminal convenience push for a result event.
func ResultMessage(ev schema.AgentEvent) schema.ResultMessage {
	msg := schema.ResultMessage{Type: schema.MsgResult, Agent: ev.Agent}
	if result := ev.Event.Result; result != nil {
		msg.Text = result.Text
		msg.IsError = result.IsError
		if result.CostUSD != nil {
			msg.CostUSD = *result.CostUSD
		}
	}
	return msg
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// toolResultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
