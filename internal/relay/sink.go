package relay

import (
	"context"
	"fmt"

	"pkt.systems/ccbridge/schema"
)

// ParseMode tells a sink how to interpret message text.
type ParseMode string

const (
	// ModePlain sends text verbatim.
	ModePlain ParseMode = "plain"
	// ModeMarkdown asks the sink to render markdown for its surface.
	ModeMarkdown ParseMode = "markdown"
)

// MessageSink is an outbound chat surface.
type MessageSink interface {
	SendMessage(ctx context.Context, chat schema.ChatID, text string, mode ParseMode) (schema.MessageID, error)
	EditMessage(ctx context.Context, chat schema.ChatID, id schema.MessageID, text string, mode ParseMode) error
	ReplyToMessage(ctx context.Context, chat schema.ChatID, text string, replyTo schema.MessageID, mode ParseMode) (schema.MessageID, error)
}

// RenderError reports a sink operation that failed. Turn processing
// continues after a render error.
type RenderError struct {
	Op  string
	Err error
}

// NewRenderError constructs a render error for op.
func NewRenderError(op string, err error) *RenderError {
	return &RenderError{Op: op, Err: err}
}

func (e *RenderError) Error() string {
	if e == nil {
		return "render error"
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("render %s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("render: %v", e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("render %s failed", e.Op)
	}
	return "render error"
}

func (e *RenderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
