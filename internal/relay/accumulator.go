package relay

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// Options tunes a StreamAccumulator.
type Options struct {
	// EditInterval is the minimum spacing between sink operations. Zero
	// flushes on every change.
	EditInterval time.Duration
	// IncludeThinking renders thinking blocks as quoted text.
	IncludeThinking bool
	Mode            ParseMode
	Logger          pslog.Logger
	Clock           func() time.Time
}

// Stats counts sink operations performed by an accumulator.
type Stats struct {
	Sends    int
	Edits    int
	Failures int
}

type blockKey struct {
	message int
	index   int
}

type blockBuffer struct {
	kind schema.BlockType
	text strings.Builder
	done bool
}

// StreamAccumulator turns the deltas of one turn into a single outbound
// message that is sent once and then edited, at most once per EditInterval.
// Sub-agent events (those with a parent tool use id) are ignored.
type StreamAccumulator struct {
	sink MessageSink
	chat schema.ChatID
	opts Options
	ctx  context.Context
	log  pslog.Logger
	now  func() time.Time

	flushMu sync.Mutex

	mu           sync.Mutex
	message      int
	blocks       map[blockKey]*blockBuffer
	messageID    schema.MessageID
	lastFlush    time.Time
	lastRendered string
	pending      bool
	timer        *time.Timer
	closed       bool
	stats        Stats
}

// NewStreamAccumulator constructs an accumulator bound to one chat.
func NewStreamAccumulator(sink MessageSink, chat schema.ChatID, opts Options) *StreamAccumulator {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if opts.Mode == "" {
		opts.Mode = ModeMarkdown
	}
	logger = logger.With("chat", chat)
	return &StreamAccumulator{
		sink:   sink,
		chat:   chat,
		opts:   opts,
		ctx:    pslog.ContextWithLogger(context.Background(), logger),
		log:    logger,
		now:    now,
		blocks: make(map[blockKey]*blockBuffer),
	}
}

// Handle applies one event of the turn.
func (a *StreamAccumulator) Handle(ev schema.StreamEvent) {
	if ev.ParentToolUseID != "" {
		return
	}
	switch ev.Kind {
	case schema.KindMessageStart:
		a.mu.Lock()
		if len(a.blocks) > 0 {
			a.message++
		}
		a.mu.Unlock()
	case schema.KindBlockStart:
		if ev.Block == nil || !a.tracks(ev.Block.Type) {
			return
		}
		a.mu.Lock()
		buf := &blockBuffer{kind: ev.Block.Type}
		switch ev.Block.Type {
		case schema.BlockText:
			buf.text.WriteString(ev.Block.Text)
		case schema.BlockThinking:
			buf.text.WriteString(ev.Block.Thinking)
		}
		a.blocks[blockKey{message: a.message, index: ev.Index}] = buf
		grew := buf.text.Len() > 0
		a.mu.Unlock()
		if grew {
			a.requestFlush()
		}
	case schema.KindBlockDelta:
		if ev.Delta == nil {
			return
		}
		fragment := ev.Delta.Fragment()
		if fragment == "" || ev.Delta.Type == schema.DeltaInputJSON {
			return
		}
		a.mu.Lock()
		buf := a.blocks[blockKey{message: a.message, index: ev.Index}]
		if buf == nil || buf.done {
			a.mu.Unlock()
			return
		}
		buf.text.WriteString(fragment)
		a.mu.Unlock()
		a.requestFlush()
	case schema.KindBlockStop:
		a.mu.Lock()
		if buf := a.blocks[blockKey{message: a.message, index: ev.Index}]; buf != nil {
			buf.done = true
		}
		a.mu.Unlock()
	case schema.KindMessageStop, schema.KindResult:
		a.forceFlush()
	}
}

// Text returns the current rendered turn text.
func (a *StreamAccumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.renderLocked()
}

// MessageID returns the id of the outbound message, empty until the first
// successful send.
func (a *StreamAccumulator) MessageID() schema.MessageID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.messageID
}

// Stats returns the sink operation counters.
func (a *StreamAccumulator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close stops any pending throttled flush.
func (a *StreamAccumulator) Close() {
	a.mu.Lock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = false
	a.mu.Unlock()
}

func (a *StreamAccumulator) tracks(kind schema.BlockType) bool {
	return kind == schema.BlockText || (kind == schema.BlockThinking && a.opts.IncludeThinking)
}

func (a *StreamAccumulator) requestFlush() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	interval := a.opts.EditInterval
	if interval <= 0 || a.lastFlush.IsZero() {
		a.mu.Unlock()
		a.flush()
		return
	}
	elapsed := a.now().Sub(a.lastFlush)
	if elapsed >= interval && a.timer == nil {
		a.mu.Unlock()
		a.flush()
		return
	}
	a.pending = true
	if a.timer == nil {
		a.timer = time.AfterFunc(interval-elapsed, a.timerFired)
	}
	a.mu.Unlock()
}

func (a *StreamAccumulator) timerFired() {
	a.mu.Lock()
	a.timer = nil
	if a.closed || !a.pending {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.flush()
}

func (a *StreamAccumulator) forceFlush() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	a.flush()
}

func (a *StreamAccumulator) flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	a.pending = false
	text := a.renderLocked()
	messageID := a.messageID
	if strings.TrimSpace(text) == "" || text == a.lastRendered {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	var err error
	if messageID == "" {
		var id schema.MessageID
		id, err = a.sink.SendMessage(a.ctx, a.chat, text, a.opts.Mode)
		if err == nil {
			messageID = id
		}
	} else {
		err = a.sink.EditMessage(a.ctx, a.chat, messageID, text, a.opts.Mode)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastFlush = a.now()
	if err != nil {
		op := "edit"
		if a.messageID == "" {
			op = "send"
		}
		a.stats.Failures++
		a.log.Warn("relay flush failed", "err", NewRenderError(op, err))
		return
	}
	if a.messageID == "" {
		a.messageID = messageID
		a.stats.Sends++
	} else {
		a.stats.Edits++
	}
	a.lastRendered = text
}

func (a *StreamAccumulator) renderLocked() string {
	if len(a.blocks) == 0 {
		return ""
	}
	keys := make([]blockKey, 0, len(a.blocks))
	for key := range a.blocks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].message != keys[j].message {
			return keys[i].message < keys[j].message
		}
		return keys[i].index < keys[j].index
	})
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		buf := a.blocks[key]
		text := buf.text.String()
		if strings.TrimSpace(text) == "" {
			continue
		}
		if buf.kind == schema.BlockThinking {
			text = quote(text)
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}

func quote(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}
