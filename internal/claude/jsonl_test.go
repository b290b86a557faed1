package claude

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"pkt.systems/ccbridge/schema"
)

func TestDecodeEventPreservesRaw(t *testing.T) {
	line := []byte(`{"type":"stream_event","session_id":"s1","parent_tool_use_id":null,"event":{"type":"content_block_delta","index":2,"delta":{"type":"text_delta","text":"hello"}}}`)
	event, err := decodeEvent(line)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.Kind != schema.KindBlockDelta {
		t.Fatalf("unexpected kind: %s", event.Kind)
	}
	if len(event.Raw) == 0 {
		t.Fatalf("expected raw event")
	}
	if event.Index != 2 || event.Delta == nil || event.Delta.Fragment() != "hello" {
		t.Fatalf("unexpected delta: %+v", event)
	}
	if event.SessionID != "s1" {
		t.Fatalf("expected session id from wrapper, got %q", event.SessionID)
	}
	if event.ParentToolUseID != "" {
		t.Fatalf("expected empty parent tool use id, got %q", event.ParentToolUseID)
	}
}

func TestDecodeEventBareStreamEvents(t *testing.T) {
	event, err := decodeEvent([]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"dispatch_agent"}}`))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.Kind != schema.KindBlockStart || event.Block == nil {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Block.Type != schema.BlockToolUse || event.Block.ID != "toolu_1" || event.Block.Name != "dispatch_agent" {
		t.Fatalf("unexpected block: %+v", event.Block)
	}
	event, err = decodeEvent([]byte(`{"type":"message_stop"}`))
	if err != nil || event.Kind != schema.KindMessageStop {
		t.Fatalf("expected message_stop, got %+v (%v)", event, err)
	}
}

func TestDecodeEventParentToolUseID(t *testing.T) {
	line := []byte(`{"type":"stream_event","parent_tool_use_id":"toolu_9","event":{"type":"content_block_stop","index":1}}`)
	event, err := decodeEvent(line)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.ParentToolUseID != "toolu_9" || event.Kind != schema.KindBlockStop || event.Index != 1 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestDecodeEventResultCost(t *testing.T) {
	event, err := decodeEvent([]byte(`{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.0125,"session_id":"s1","num_turns":2}`))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.Kind != schema.KindResult || event.Result == nil {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Result.CostUSD == nil || *event.Result.CostUSD != 0.0125 {
		t.Fatalf("unexpected cost: %v", event.Result.CostUSD)
	}
	if event.Result.Text != "done" || event.Result.SessionID != "s1" || event.Result.NumTurns != 2 {
		t.Fatalf("unexpected result: %+v", event.Result)
	}
}

func TestDecodeEventResultMalformedCost(t *testing.T) {
	for _, line := range []string{
		`{"type":"result","total_cost_usd":"lots"}`,
		`{"type":"result","total_cost_usd":-1}`,
		`{"type":"result"}`,
	} {
		event, err := decodeEvent([]byte(line))
		if err != nil {
			t.Fatalf("decodeEvent(%s): %v", line, err)
		}
		if event.Result == nil || event.Result.CostUSD != nil {
			t.Fatalf("expected nil cost for %s, got %+v", line, event.Result)
		}
	}
}

func TestDecodeEventSystemInitAndUnknown(t *testing.T) {
	event, err := decodeEvent([]byte(`{"type":"system","subtype":"init","session_id":"abc","model":"claude-sonnet-4-5"}`))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.Kind != schema.KindSystemInit || event.SessionID != "abc" || event.Model != "claude-sonnet-4-5" {
		t.Fatalf("unexpected init: %+v", event)
	}
	event, err = decodeEvent([]byte(`{"type":"rate_limit","retry":3}`))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.Kind != schema.KindUnrecognized || event.Tag != "rate_limit" {
		t.Fatalf("expected unrecognized event, got %+v", event)
	}
}

func TestDecodeEventControlRequest(t *testing.T) {
	event, err := decodeEvent([]byte(`{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.Kind != schema.KindControlRequest || event.Permission == nil {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Permission.RequestID != "req-1" || event.Permission.ToolName != "Bash" {
		t.Fatalf("unexpected permission: %+v", event.Permission)
	}
}

func TestDecodeEventUserStringContent(t *testing.T) {
	event, err := decodeEvent([]byte(`{"type":"user","message":{"role":"user","content":"plain"}}`))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.Kind != schema.KindUser || len(event.Content) != 1 || event.Content[0].Text != "plain" {
		t.Fatalf("unexpected user event: %+v", event)
	}
}

func TestJSONLStreamReadsEvents(t *testing.T) {
	data := []byte("\n" +
		`{"type":"system","subtype":"init","session_id":"s1"}` + "\n" +
		`{"type":"stream_event","event":{"type":"message_start","message":{"model":"m"}}}` + "\n")
	stream := newJSONLStream(bytes.NewReader(data))

	event, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Kind != schema.KindSystemInit || event.SessionID != "s1" {
		t.Fatalf("unexpected first event: %+v", event)
	}

	event, err = stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next(2): %v", err)
	}
	if event.Kind != schema.KindMessageStart || event.Model != "m" {
		t.Fatalf("unexpected second event: %+v", event)
	}

	if _, err = stream.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestJSONLStreamReportsDecodeError(t *testing.T) {
	stream := newJSONLStream(bytes.NewReader([]byte("not json\n")))
	_, err := stream.Next(context.Background())
	var decodeErr *jsonlDecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if string(decodeErr.Line()) != "not json" {
		t.Fatalf("unexpected line: %q", decodeErr.Line())
	}
}
