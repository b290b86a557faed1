package format

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"pkt.systems/ccbridge/schema"
)

func TestFormatAssistantSplitsBlocks(t *testing.T) {
	r := NewPlainRenderer()
	at := time.Unix(1700000000, 0)
	lines := r.FormatEvent(schema.AgentEvent{
		Agent: "alpha",
		Time:  at,
		Event: schema.StreamEvent{
			Kind: schema.KindAssistant,
			Content: []schema.ContentBlock{
				{Type: schema.BlockThinking, Thinking: "pondering"},
				{Type: schema.BlockText, Text: "Hello world!"},
				{Type: schema.BlockToolUse, Name: "Bash", Input: json.RawMessage(`{ "command": "ls" }`)},
			},
		},
	})
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d (%+v)", len(lines), lines)
	}
	if lines[0].Type != schema.LogThinking || lines[1].Type != schema.LogText || lines[2].Type != schema.LogTool {
		t.Fatalf("unexpected types: %+v", lines)
	}
	if lines[2].Text != `Bash {"command":"ls"}` {
		t.Fatalf("unexpected tool line %q", lines[2].Text)
	}
	for _, line := range lines {
		if !line.Time.Equal(at) {
			t.Fatalf("expected event timestamp, got %v", line.Time)
		}
	}
}

func TestFormatDeltasProduceNothing(t *testing.T) {
	r := NewPlainRenderer()
	lines := r.FormatEvent(schema.AgentEvent{Event: schema.StreamEvent{
		Kind:  schema.KindBlockDelta,
		Delta: &schema.Delta{Type: schema.DeltaText, Text: "Hel"},
	}})
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %+v", lines)
	}
}

func TestFormatErrorResult(t *testing.T) {
	r := NewPlainRenderer()
	cost := 0.5
	lines := r.FormatEvent(schema.AgentEvent{Event: schema.StreamEvent{
		Kind:   schema.KindResult,
		Result: &schema.ResultPayload{IsError: true, Subtype: "error_max_turns", CostUSD: &cost},
	}})
	if len(lines) != 1 || lines[0].Type != schema.LogError {
		t.Fatalf("expected one error line, got %+v", lines)
	}
	if !strings.Contains(lines[0].Text, "error_max_turns") || !strings.Contains(lines[0].Text, "$0.5000") {
		t.Fatalf("unexpected text %q", lines[0].Text)
	}
}

func TestFormatToolResultError(t *testing.T) {
	r := NewPlainRenderer()
	lines := r.FormatEvent(schema.AgentEvent{Event: schema.StreamEvent{
		Kind: schema.KindUser,
		Content: []schema.ContentBlock{
			{Type: schema.BlockToolResult, ToolUseID: "tu_1", IsError: true, Content: json.RawMessage(`[{"type":"text","text":"boom"}]`)},
		},
	}})
	if len(lines) != 1 || lines[0].Type != schema.LogError || !strings.Contains(lines[0].Text, "boom") {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestFormatExit(t *testing.T) {
	r := NewPlainRenderer()
	lines := r.FormatEvent(schema.AgentEvent{Exit: &schema.ProcessExit{ExitCode: 0, Reason: "idle"}})
	if len(lines) != 1 || lines[0].Type != schema.LogSystem {
		t.Fatalf("expected system line for clean exit, got %+v", lines)
	}
	lines = r.FormatEvent(schema.AgentEvent{Exit: &schema.ProcessExit{ExitCode: -1, Signal: "killed", Reason: "hang timeout"}})
	if len(lines) != 1 || lines[0].Type != schema.LogError {
		t.Fatalf("expected error line for killed exit, got %+v", lines)
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	if got := truncate("ääää", 2); got != "ää..." {
		t.Fatalf("unexpected truncation %q", got)
	}
}
