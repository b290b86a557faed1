package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/ccbridge/schema"
)

const (
	maxToolInput  = 200
	maxToolResult = 500
)

// PlainRenderer formats agent events as log lines.
type PlainRenderer struct{}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatEvent converts an AgentEvent into log lines. Streaming deltas produce
// nothing; completed message snapshots carry the same content in full.
func (p *PlainRenderer) FormatEvent(event schema.AgentEvent) []schema.LogLine {
	if event.Exit != nil {
		return p.stamp(event, []schema.LogLine{formatExit(*event.Exit)})
	}
	ev := event.Event
	var lines []schema.LogLine
	switch ev.Kind {
	case schema.KindSystemInit:
		text := "session started"
		if ev.SessionID != "" {
			text += " " + string(ev.SessionID)
		}
		if ev.Model != "" {
			text += fmt.Sprintf(" (model %s)", ev.Model)
		}
		lines = append(lines, schema.LogLine{Type: schema.LogSystem, Text: text})
	case schema.KindAssistant:
		lines = append(lines, formatAssistant(ev)...)
	case schema.KindUser:
		lines = append(lines, formatToolResults(ev)...)
	case schema.KindResult:
		lines = append(lines, formatResult(ev.Result))
	case schema.KindControlRequest:
		tool := ""
		if ev.Permission != nil {
			tool = ev.Permission.ToolName
		}
		lines = append(lines, schema.LogLine{Type: schema.LogSystem, Text: fmt.Sprintf("permission requested: %s", labelOr(tool, "tool"))})
	case schema.KindStderr:
		if strings.TrimSpace(ev.Text) != "" {
			lines = append(lines, schema.LogLine{Type: schema.LogError, Text: ev.Text})
		}
	case schema.KindUnrecognized:
		lines = append(lines, schema.LogLine{Type: schema.LogSystem, Text: fmt.Sprintf("unrecognized event %s", labelOr(ev.Tag, "unknown"))})
	default:
		return nil
	}
	return p.stamp(event, lines)
}

// UserLine records an inbound user message.
func (p *PlainRenderer) UserLine(text string) schema.LogLine {
	return schema.LogLine{Type: schema.LogUser, Text: text}
}

func (p *PlainRenderer) stamp(event schema.AgentEvent, lines []schema.LogLine) []schema.LogLine {
	for i := range lines {
		lines[i].Time = event.Time
	}
	return lines
}

func formatAssistant(ev schema.StreamEvent) []schema.LogLine {
	lines := make([]schema.LogLine, 0, len(ev.Content))
	prefix := ""
	if ev.ParentToolUseID != "" {
		prefix = "[" + ev.ParentToolUseID + "] "
	}
	for _, block := range ev.Content {
		switch block.Type {
		case schema.BlockText:
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			lines = append(lines, schema.LogLine{Type: schema.LogText, Text: prefix + block.Text})
		case schema.BlockThinking:
			if strings.TrimSpace(block.Thinking) == "" {
				continue
			}
			lines = append(lines, schema.LogLine{Type: schema.LogThinking, Text: prefix + block.Thinking})
		case schema.BlockToolUse:
			lines = append(lines, schema.LogLine{Type: schema.LogTool, Text: prefix + formatToolUse(block)})
		}
	}
	return lines
}

func formatToolUse(block schema.ContentBlock) string {
	name := labelOr(block.Name, "tool")
	input := compactJSON(block.Input)
	if input == "" || input == "{}" {
		return name
	}
	return fmt.Sprintf("%s %s", name, truncate(input, maxToolInput))
}

func formatToolResults(ev schema.StreamEvent) []schema.LogLine {
	lines := []schema.LogLine{}
	for _, block := range ev.Content {
		if block.Type != schema.BlockToolResult {
			continue
		}
		text := truncate(toolResultText(block.Content), maxToolResult)
		if block.IsError {
			lines = append(lines, schema.LogLine{Type: schema.LogError, Text: fmt.Sprintf("tool %s failed: %s", block.ToolUseID, text)})
			continue
		}
		lines = append(lines, schema.LogLine{Type: schema.LogTool, Text: fmt.Sprintf("tool %s result: %s", block.ToolUseID, text)})
	}
	return lines
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if part.Text != "" {
				out = append(out, part.Text)
			}
		}
		return strings.Join(out, "\n")
	}
	return compactJSON(raw)
}

func formatResult(result *schema.ResultPayload) schema.LogLine {
	if result == nil {
		return schema.LogLine{Type: schema.LogSystem, Text: "turn completed"}
	}
	cost := "unknown"
	if result.CostUSD != nil {
		cost = fmt.Sprintf("$%.4f", *result.CostUSD)
	}
	if result.IsError {
		detail := labelOr(result.Text, labelOr(result.Subtype, "error"))
		return schema.LogLine{Type: schema.LogError, Text: fmt.Sprintf("turn failed: %s (cost %s)", detail, cost)}
	}
	return schema.LogLine{Type: schema.LogSystem, Text: fmt.Sprintf("turn completed (cost %s, turns %d)", cost, result.NumTurns)}
}

func formatExit(exit schema.ProcessExit) schema.LogLine {
	text := fmt.Sprintf("process exited: code %d", exit.ExitCode)
	if exit.Signal != "" {
		text += ", signal " + exit.Signal
	}
	if exit.Reason != "" {
		text += ", " + exit.Reason
	}
	if exit.ExitCode != 0 || exit.Signal != "" {
		return schema.LogLine{Type: schema.LogError, Text: text}
	}
	return schema.LogLine{Type: schema.LogSystem, Text: text}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

func labelOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
