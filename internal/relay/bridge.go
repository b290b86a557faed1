package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// BridgeConfig binds one agent to one chat.
type BridgeConfig struct {
	Agent           schema.AgentID
	Chat            schema.ChatID
	EditInterval    time.Duration
	IncludeThinking bool
	DispatchTools   []string
	Logger          pslog.Logger
}

// Bridge drives a StreamAccumulator and a SubAgentTracker per turn from the
// agent's event stream.
type Bridge struct {
	sink MessageSink
	cfg  BridgeConfig
	ctx  context.Context
	log  pslog.Logger

	acc     *StreamAccumulator
	tracker *SubAgentTracker
}

// NewBridge constructs a bridge for one chat binding.
func NewBridge(sink MessageSink, cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("agent", cfg.Agent, "chat", cfg.Chat)
	cfg.Logger = logger
	return &Bridge{
		sink: sink,
		cfg:  cfg,
		ctx:  pslog.ContextWithLogger(context.Background(), logger),
		log:  logger,
	}
}

// Run consumes events until the channel closes or ctx is done.
func (b *Bridge) Run(ctx context.Context, events <-chan schema.AgentEvent) error {
	defer b.endTurn()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.Handle(ev)
		}
	}
}

// Handle applies one agent event. It is not safe for concurrent use.
func (b *Bridge) Handle(ev schema.AgentEvent) {
	if ev.Agent != b.cfg.Agent {
		return
	}
	if ev.Exit != nil {
		b.endTurn()
		if exitIsFailure(*ev.Exit) {
			b.notice(fmt.Sprintf("⚠️ Agent %s stopped: %s", b.cfg.Agent, describeExit(*ev.Exit)))
		}
		return
	}
	event := ev.Event
	switch event.Kind {
	case schema.KindMessageStart:
		if event.ParentToolUseID == "" && b.acc == nil {
			b.beginTurn()
		}
	case schema.KindControlRequest:
		if event.Permission != nil {
			b.notice(fmt.Sprintf("🔐 Permission requested for %s (request %s). Reply /allow or /deny.",
				labelOr(event.Permission.ToolName, "a tool"), event.Permission.RequestID))
		}
		return
	case schema.KindStderr, schema.KindUnrecognized, schema.KindSystemInit:
		return
	}
	if b.acc == nil {
		if event.Kind != schema.KindResult {
			return
		}
		b.beginTurn()
	}
	b.acc.Handle(event)
	b.tracker.Handle(event)
	if event.Kind == schema.KindResult {
		if event.Result != nil && event.Result.IsError && b.acc.MessageID() == "" {
			b.notice("❌ Turn failed: " + labelOr(event.Result.Text, labelOr(event.Result.Subtype, "error")))
		}
		b.endTurn()
	}
}

func (b *Bridge) beginTurn() {
	b.acc = NewStreamAccumulator(b.sink, b.cfg.Chat, Options{
		EditInterval:    b.cfg.EditInterval,
		IncludeThinking: b.cfg.IncludeThinking,
		Logger:          b.log,
	})
	b.tracker = NewSubAgentTracker(b.sink, b.cfg.Chat, b.acc.MessageID, TrackerOptions{
		DispatchTools: b.cfg.DispatchTools,
		Logger:        b.log,
	})
	b.log.Trace("relay turn begin")
}

func (b *Bridge) endTurn() {
	if b.acc == nil {
		return
	}
	b.acc.Close()
	b.tracker.Finish()
	stats := b.acc.Stats()
	b.log.Debug("relay turn end", "sends", stats.Sends, "edits", stats.Edits, "failures", stats.Failures)
	b.acc = nil
	b.tracker = nil
}

func (b *Bridge) notice(text string) {
	if _, err := b.sink.SendMessage(b.ctx, b.cfg.Chat, text, ModePlain); err != nil {
		b.log.Warn("relay notice failed", "err", NewRenderError("send", err))
	}
}

func exitIsFailure(exit schema.ProcessExit) bool {
	switch exit.Reason {
	case "idle", "destroyed":
		return false
	}
	return exit.ExitCode != 0 || exit.Signal != "" || strings.Contains(exit.Reason, "timeout") || strings.Contains(exit.Reason, "failed")
}

func describeExit(exit schema.ProcessExit) string {
	parts := []string{}
	if exit.Reason != "" {
		parts = append(parts, exit.Reason)
	}
	if exit.Signal != "" {
		parts = append(parts, "signal "+exit.Signal)
	} else if exit.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("exit code %d", exit.ExitCode))
	}
	if len(parts) == 0 {
		return "exited"
	}
	return strings.Join(parts, ", ")
}

func labelOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
