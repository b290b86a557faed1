package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"

	"pkt.systems/ccbridge/schema"
)

const maxLineBytes = 8 * 1024 * 1024

type jsonlStream struct {
	reader *bufio.Reader
	closed bool
}

type jsonlDecodeError struct {
	line []byte
	err  error
}

func (e *jsonlDecodeError) Error() string {
	if e == nil || e.err == nil {
		return "jsonl decode error"
	}
	return e.err.Error()
}

func (e *jsonlDecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *jsonlDecodeError) Line() []byte {
	if e == nil {
		return nil
	}
	return e.line
}

func newJSONLStream(r io.Reader) *jsonlStream {
	return &jsonlStream{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *jsonlStream) Next(ctx context.Context) (schema.StreamEvent, error) {
	for {
		if ctx.Err() != nil {
			return schema.StreamEvent{}, ctx.Err()
		}
		line, err := s.readLine()
		if len(line) == 0 && err != nil {
			return schema.StreamEvent{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return schema.StreamEvent{}, err
			}
			continue
		}
		event, decodeErr := decodeEvent(line)
		if decodeErr != nil {
			return schema.StreamEvent{}, &jsonlDecodeError{line: append([]byte(nil), line...), err: decodeErr}
		}
		return event, nil
	}
}

// readLine reads one newline-terminated line, discarding the tail of lines
// longer than maxLineBytes so that a runaway line cannot exhaust memory.
func (s *jsonlStream) readLine() ([]byte, error) {
	var out []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(out)+len(chunk) <= maxLineBytes {
			out = append(out, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return out, err
	}
}

func (s *jsonlStream) Close() error {
	s.closed = true
	return nil
}

type rawLine struct {
	Type            string           `json:"type"`
	Subtype         string           `json:"subtype,omitempty"`
	SessionID       schema.SessionID `json:"session_id,omitempty"`
	Model           schema.ModelID   `json:"model,omitempty"`
	ParentToolUseID *string          `json:"parent_tool_use_id,omitempty"`
	Event           json.RawMessage  `json:"event,omitempty"`
	Message         json.RawMessage  `json:"message,omitempty"`
	Result          string           `json:"result,omitempty"`
	IsError         bool             `json:"is_error,omitempty"`
	TotalCostUSD    json.RawMessage  `json:"total_cost_usd,omitempty"`
	CostUSD         json.RawMessage  `json:"cost_usd,omitempty"`
	DurationMs      int64            `json:"duration_ms,omitempty"`
	NumTurns        int              `json:"num_turns,omitempty"`
	RequestID       string           `json:"request_id,omitempty"`
	Request         json.RawMessage  `json:"request,omitempty"`

	// Bare stream events carry these at the top level.
	Index        int             `json:"index,omitempty"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
}

type rawMessage struct {
	Model   schema.ModelID  `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type rawControlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

func decodeEvent(line []byte) (schema.StreamEvent, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return schema.StreamEvent{}, err
	}
	if raw.Type == "" {
		return schema.StreamEvent{}, errors.New("missing type")
	}
	event, err := decodeRaw(raw, line)
	if err != nil {
		return schema.StreamEvent{}, err
	}
	if raw.ParentToolUseID != nil && event.ParentToolUseID == "" {
		event.ParentToolUseID = *raw.ParentToolUseID
	}
	event.Raw = append([]byte(nil), line...)
	return event, nil
}

func decodeRaw(raw rawLine, line []byte) (schema.StreamEvent, error) {
	switch raw.Type {
	case "stream_event":
		if len(raw.Event) == 0 {
			return schema.StreamEvent{}, errors.New("stream_event without event")
		}
		var inner rawLine
		if err := json.Unmarshal(raw.Event, &inner); err != nil {
			return schema.StreamEvent{}, err
		}
		event, err := decodeStream(inner)
		if err != nil {
			return schema.StreamEvent{}, err
		}
		event.SessionID = raw.SessionID
		return event, nil
	case "message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_stop":
		return decodeStream(raw)
	case "system":
		if raw.Subtype == "init" {
			return schema.StreamEvent{Kind: schema.KindSystemInit, SessionID: raw.SessionID, Model: raw.Model}, nil
		}
		return unrecognized("system:"+raw.Subtype, raw), nil
	case "assistant", "user":
		kind := schema.KindAssistant
		if raw.Type == "user" {
			kind = schema.KindUser
		}
		var msg rawMessage
		if len(raw.Message) > 0 {
			if err := json.Unmarshal(raw.Message, &msg); err != nil {
				return schema.StreamEvent{}, err
			}
		}
		return schema.StreamEvent{
			Kind:      kind,
			SessionID: raw.SessionID,
			Model:     msg.Model,
			Content:   decodeContent(msg.Content),
		}, nil
	case "result":
		cost := parseCost(raw.TotalCostUSD)
		if cost == nil {
			cost = parseCost(raw.CostUSD)
		}
		return schema.StreamEvent{
			Kind:      schema.KindResult,
			SessionID: raw.SessionID,
			Result: &schema.ResultPayload{
				Subtype:    raw.Subtype,
				IsError:    raw.IsError,
				Text:       raw.Result,
				CostUSD:    cost,
				SessionID:  raw.SessionID,
				DurationMs: raw.DurationMs,
				NumTurns:   raw.NumTurns,
			},
		}, nil
	case "control_request":
		var req rawControlRequest
		if len(raw.Request) > 0 {
			if err := json.Unmarshal(raw.Request, &req); err != nil {
				return schema.StreamEvent{}, err
			}
		}
		if raw.RequestID == "" {
			return schema.StreamEvent{}, errors.New("control_request without request_id")
		}
		return schema.StreamEvent{
			Kind: schema.KindControlRequest,
			Permission: &schema.PermissionRequest{
				RequestID: raw.RequestID,
				ToolName:  req.ToolName,
				Input:     req.Input,
			},
			Tag: req.Subtype,
		}, nil
	default:
		return unrecognized(raw.Type, raw), nil
	}
}

func decodeStream(raw rawLine) (schema.StreamEvent, error) {
	switch raw.Type {
	case "message_start":
		var msg rawMessage
		if len(raw.Message) > 0 {
			_ = json.Unmarshal(raw.Message, &msg)
		}
		return schema.StreamEvent{Kind: schema.KindMessageStart, Model: msg.Model}, nil
	case "content_block_start":
		var block schema.ContentBlock
		if len(raw.ContentBlock) == 0 {
			return schema.StreamEvent{}, errors.New("content_block_start without content_block")
		}
		if err := json.Unmarshal(raw.ContentBlock, &block); err != nil {
			return schema.StreamEvent{}, err
		}
		return schema.StreamEvent{Kind: schema.KindBlockStart, Index: raw.Index, Block: &block}, nil
	case "content_block_delta":
		var delta schema.Delta
		if len(raw.Delta) == 0 {
			return schema.StreamEvent{}, errors.New("content_block_delta without delta")
		}
		if err := json.Unmarshal(raw.Delta, &delta); err != nil {
			return schema.StreamEvent{}, err
		}
		return schema.StreamEvent{Kind: schema.KindBlockDelta, Index: raw.Index, Delta: &delta}, nil
	case "content_block_stop":
		return schema.StreamEvent{Kind: schema.KindBlockStop, Index: raw.Index}, nil
	case "message_stop":
		return schema.StreamEvent{Kind: schema.KindMessageStop}, nil
	default:
		return unrecognized(raw.Type, raw), nil
	}
}

func unrecognized(tag string, raw rawLine) schema.StreamEvent {
	return schema.StreamEvent{Kind: schema.KindUnrecognized, Tag: tag, SessionID: raw.SessionID}
}

// decodeContent accepts either a content-block array or a bare string.
func decodeContent(raw json.RawMessage) []schema.ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []schema.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return []schema.ContentBlock{{Type: schema.BlockText, Text: text}}
	}
	return nil
}

// parseCost returns nil unless raw is a finite, non-negative number.
func parseCost(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	value, err := strconv.ParseFloat(string(bytes.TrimSpace(raw)), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return nil
	}
	return &value
}
