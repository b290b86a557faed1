package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// DefaultDispatchTools are the tool names that spawn a sub-agent.
var DefaultDispatchTools = []string{"dispatch_agent", "Task", "Agent"}

const (
	maxProgressLines = 8
	maxProgressChars = 300
)

// SubAgentStatus is the lifecycle of one tracked sub-agent.
type SubAgentStatus string

const (
	SubAgentSpawned SubAgentStatus = "spawned"
	SubAgentRunning SubAgentStatus = "running"
	SubAgentDone    SubAgentStatus = "done"
)

// TrackerOptions tunes a SubAgentTracker.
type TrackerOptions struct {
	DispatchTools []string
	Mode          ParseMode
	Logger        pslog.Logger
}

// SubAgentInfo is a snapshot of one tracked sub-agent.
type SubAgentInfo struct {
	ToolUseID   string
	Tool        string
	Description string
	ReplyID     schema.MessageID
	Status      SubAgentStatus
}

type subAgent struct {
	SubAgentInfo
	input        strings.Builder
	current      strings.Builder
	progress     []string
	streamed     bool
	lastRendered string
}

// SubAgentTracker follows sub-agent dispatches within a turn and renders each
// as its own reply thread anchored to the turn's main message.
type SubAgentTracker struct {
	sink   MessageSink
	chat   schema.ChatID
	mainID func() schema.MessageID
	tools  map[string]struct{}
	mode   ParseMode
	ctx    context.Context
	log    pslog.Logger

	mu      sync.Mutex
	agents  map[string]*subAgent
	byIndex map[int]*subAgent
	order   []string
	stats   Stats
}

// NewSubAgentTracker constructs a tracker. mainID resolves the message that
// spawn replies anchor to; it may return an empty id.
func NewSubAgentTracker(sink MessageSink, chat schema.ChatID, mainID func() schema.MessageID, opts TrackerOptions) *SubAgentTracker {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	names := opts.DispatchTools
	if len(names) == 0 {
		names = DefaultDispatchTools
	}
	tools := make(map[string]struct{}, len(names))
	for _, name := range names {
		tools[name] = struct{}{}
	}
	if mainID == nil {
		mainID = func() schema.MessageID { return "" }
	}
	if opts.Mode == "" {
		opts.Mode = ModeMarkdown
	}
	logger = logger.With("chat", chat)
	return &SubAgentTracker{
		sink:    sink,
		chat:    chat,
		mainID:  mainID,
		tools:   tools,
		mode:    opts.Mode,
		ctx:     pslog.ContextWithLogger(context.Background(), logger),
		log:     logger,
		agents:  make(map[string]*subAgent),
		byIndex: make(map[int]*subAgent),
	}
}

// Handle applies one event of the turn.
func (t *SubAgentTracker) Handle(ev schema.StreamEvent) {
	if ev.ParentToolUseID != "" {
		t.handleChild(ev)
		return
	}
	switch ev.Kind {
	case schema.KindMessageStart:
		t.mu.Lock()
		t.byIndex = make(map[int]*subAgent)
		t.mu.Unlock()
	case schema.KindBlockStart:
		if ev.Block == nil || ev.Block.Type != schema.BlockToolUse {
			return
		}
		if _, ok := t.tools[ev.Block.Name]; !ok {
			return
		}
		t.spawn(ev.Index, ev.Block)
	case schema.KindBlockDelta:
		if ev.Delta == nil || ev.Delta.Type != schema.DeltaInputJSON {
			return
		}
		t.mu.Lock()
		if sa := t.byIndex[ev.Index]; sa != nil {
			sa.input.WriteString(ev.Delta.PartialJSON)
		}
		t.mu.Unlock()
	case schema.KindBlockStop:
		t.mu.Lock()
		sa := t.byIndex[ev.Index]
		delete(t.byIndex, ev.Index)
		if sa == nil {
			t.mu.Unlock()
			return
		}
		if desc := describeInput(json.RawMessage(sa.input.String())); desc != "" {
			sa.Description = desc
		}
		if sa.Status == SubAgentSpawned {
			sa.Status = SubAgentRunning
		}
		t.mu.Unlock()
		t.update(sa)
	case schema.KindUser:
		for _, block := range ev.Content {
			if block.Type != schema.BlockToolResult {
				continue
			}
			t.finish(block.ToolUseID)
		}
	case schema.KindResult:
		t.Finish()
	}
}

// Finish marks every tracked sub-agent done.
func (t *SubAgentTracker) Finish() {
	t.mu.Lock()
	ids := append([]string(nil), t.order...)
	t.mu.Unlock()
	for _, id := range ids {
		t.finish(id)
	}
}

// Agents returns snapshots of the tracked sub-agents in spawn order.
func (t *SubAgentTracker) Agents() []SubAgentInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SubAgentInfo, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.agents[id].SubAgentInfo)
	}
	return out
}

// Stats returns the sink operation counters.
func (t *SubAgentTracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *SubAgentTracker) spawn(index int, block *schema.ContentBlock) {
	sa := &subAgent{SubAgentInfo: SubAgentInfo{ToolUseID: block.ID, Tool: block.Name, Status: SubAgentSpawned}}
	if desc := describeInput(block.Input); desc != "" {
		sa.Description = desc
	}
	t.mu.Lock()
	if _, exists := t.agents[block.ID]; exists && block.ID != "" {
		t.mu.Unlock()
		return
	}
	t.agents[block.ID] = sa
	t.byIndex[index] = sa
	t.order = append(t.order, block.ID)
	text := renderSubAgent(sa)
	t.mu.Unlock()

	var (
		id  schema.MessageID
		err error
		op  = "reply"
	)
	if anchor := t.mainID(); anchor != "" {
		id, err = t.sink.ReplyToMessage(t.ctx, t.chat, text, anchor, t.mode)
	} else {
		op = "send"
		id, err = t.sink.SendMessage(t.ctx, t.chat, text, t.mode)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.stats.Failures++
		t.log.Warn("relay subagent spawn failed", "tool_use", block.ID, "err", NewRenderError(op, err))
		return
	}
	t.stats.Sends++
	sa.ReplyID = id
	sa.lastRendered = text
	t.log.Debug("relay subagent spawned", "tool_use", block.ID, "tool", block.Name, "reply", id)
}

func (t *SubAgentTracker) handleChild(ev schema.StreamEvent) {
	t.mu.Lock()
	sa := t.agents[ev.ParentToolUseID]
	if sa == nil || sa.Status == SubAgentDone {
		t.mu.Unlock()
		return
	}
	if sa.Status == SubAgentSpawned {
		sa.Status = SubAgentRunning
	}
	changed := false
	switch ev.Kind {
	case schema.KindBlockStart:
		if ev.Block != nil && ev.Block.Type == schema.BlockToolUse {
			sa.progress = append(sa.progress, "→ "+ev.Block.Name)
			sa.streamed = true
			changed = true
		}
	case schema.KindBlockDelta:
		if ev.Delta != nil && ev.Delta.Type == schema.DeltaText {
			sa.current.WriteString(ev.Delta.Text)
			sa.streamed = true
		}
	case schema.KindBlockStop, schema.KindMessageStop:
		if text := strings.TrimSpace(sa.current.String()); text != "" {
			sa.progress = append(sa.progress, text)
			sa.current.Reset()
			changed = true
		}
	case schema.KindAssistant:
		if sa.streamed {
			break
		}
		for _, block := range ev.Content {
			switch block.Type {
			case schema.BlockText:
				if text := strings.TrimSpace(block.Text); text != "" {
					sa.progress = append(sa.progress, text)
					changed = true
				}
			case schema.BlockToolUse:
				sa.progress = append(sa.progress, "→ "+block.Name)
				changed = true
			}
		}
	}
	t.mu.Unlock()
	if changed {
		t.update(sa)
	}
}

func (t *SubAgentTracker) finish(toolUseID string) {
	t.mu.Lock()
	sa := t.agents[toolUseID]
	if sa == nil || sa.Status == SubAgentDone {
		t.mu.Unlock()
		return
	}
	if text := strings.TrimSpace(sa.current.String()); text != "" {
		sa.progress = append(sa.progress, text)
		sa.current.Reset()
	}
	sa.Status = SubAgentDone
	t.mu.Unlock()
	t.update(sa)
}

func (t *SubAgentTracker) update(sa *subAgent) {
	t.mu.Lock()
	text := renderSubAgent(sa)
	replyID := sa.ReplyID
	if replyID == "" || text == sa.lastRendered {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	err := t.sink.EditMessage(t.ctx, t.chat, replyID, text, t.mode)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.stats.Failures++
		t.log.Warn("relay subagent edit failed", "tool_use", sa.ToolUseID, "err", NewRenderError("edit", err))
		return
	}
	t.stats.Edits++
	sa.lastRendered = text
}

func renderSubAgent(sa *subAgent) string {
	var b strings.Builder
	switch sa.Status {
	case SubAgentDone:
		b.WriteString("✅ Sub-agent done")
	case SubAgentRunning:
		b.WriteString("⏳ Sub-agent running")
	default:
		b.WriteString("🤖 Sub-agent spawned")
	}
	if sa.Description != "" {
		b.WriteString(": ")
		b.WriteString(sa.Description)
	}
	lines := sa.progress
	if len(lines) > maxProgressLines {
		lines = lines[len(lines)-maxProgressLines:]
	}
	for _, line := range lines {
		b.WriteString("\n")
		b.WriteString(clip(line, maxProgressChars))
	}
	return b.String()
}

// describeInput extracts a short label from a dispatch tool's input.
func describeInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var input struct {
		Description  string `json:"description"`
		Prompt       string `json:"prompt"`
		SubagentType string `json:"subagent_type"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return ""
	}
	label := strings.TrimSpace(input.Description)
	if label == "" {
		label = strings.TrimSpace(input.Prompt)
	}
	label = clip(firstLine(label), maxProgressChars)
	if input.SubagentType != "" && label != "" {
		return fmt.Sprintf("%s (%s)", label, input.SubagentType)
	}
	return label
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}

func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
