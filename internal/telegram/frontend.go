package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"pkt.systems/ccbridge/core"
	"pkt.systems/ccbridge/internal/relay"
	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// Subscriber hands out per-agent event streams that deliver every event in
// publish order.
type Subscriber interface {
	SubscribeOrdered(agent schema.AgentID) (<-chan schema.AgentEvent, func())
}

// FrontendConfig configures chat routing.
type FrontendConfig struct {
	// AllowedChats lists the chat ids that may talk to agents. Messages from
	// any other chat are ignored.
	AllowedChats    []int64
	DefaultRepo     string
	DefaultModel    schema.ModelID
	AgentPrefix     string
	EditInterval    time.Duration
	IncludeThinking bool
	DispatchTools   []string
}

// FrontendDeps wires the front-end to the supervisor.
type FrontendDeps struct {
	Supervisor core.Supervisor
	Events     Subscriber
	Sink       relay.MessageSink
	Logger     pslog.Logger
}

type binding struct {
	agent  schema.AgentID
	fresh  bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Frontend routes chat text to agents and relays agent output back through
// one relay.Bridge per chat.
type Frontend struct {
	cfg     FrontendConfig
	sup     core.Supervisor
	events  Subscriber
	sink    relay.MessageSink
	log     pslog.Logger
	allowed map[int64]struct{}

	mu       sync.Mutex
	bindings map[schema.ChatID]*binding
	closed   bool
}

// NewFrontend constructs a front-end. deps.Sink may be set later with
// SetSink when the sink depends on the bot that will call Handle.
func NewFrontend(cfg FrontendConfig, deps FrontendDeps) *Frontend {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if cfg.AgentPrefix == "" {
		cfg.AgentPrefix = "tg"
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[id] = struct{}{}
	}
	return &Frontend{
		cfg:      cfg,
		sup:      deps.Supervisor,
		events:   deps.Events,
		sink:     deps.Sink,
		log:      logger,
		allowed:  allowed,
		bindings: make(map[schema.ChatID]*binding),
	}
}

// SetSink sets the outbound sink.
func (f *Frontend) SetSink(sink relay.MessageSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

// Handle is a bot.HandlerFunc for every update.
func (f *Frontend) Handle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil || update.Message == nil || update.Message.Text == "" {
		return
	}
	f.HandleText(ctx, update.Message.Chat.ID, update.Message.Text)
}

// HandleText processes one text message from chatID.
func (f *Frontend) HandleText(ctx context.Context, chatID int64, text string) {
	chat := schema.ChatID(strconv.FormatInt(chatID, 10))
	logger := f.log.With("chat", chat)
	if _, ok := f.allowed[chatID]; !ok {
		logger.Warn("telegram chat rejected")
		return
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		f.command(ctx, chat, text)
		return
	}
	f.forward(ctx, chat, text)
}

// Close stops every chat bridge.
func (f *Frontend) Close() {
	f.mu.Lock()
	f.closed = true
	var pending []chan struct{}
	for _, b := range f.bindings {
		b.stopLocked()
		if b.done != nil {
			pending = append(pending, b.done)
		}
	}
	f.mu.Unlock()
	for _, done := range pending {
		<-done
	}
}

// AgentFor returns the agent bound to the chat.
func (f *Frontend) AgentFor(chat schema.ChatID) schema.AgentID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.bindings[chat]; b != nil {
		return b.agent
	}
	return f.defaultAgent(chat)
}

func (f *Frontend) defaultAgent(chat schema.ChatID) schema.AgentID {
	return schema.AgentID(f.cfg.AgentPrefix + "-" + string(chat))
}

func (f *Frontend) forward(ctx context.Context, chat schema.ChatID, text string) {
	agent := f.AgentFor(chat)
	if err := f.ensureAgent(ctx, agent); err != nil {
		f.reply(ctx, chat, "❌ "+describeError(err))
		return
	}
	fresh := f.bind(chat, agent)
	result, err := f.sup.SendMessage(ctx, agent, text, schema.SendOptions{Fresh: fresh})
	if err != nil {
		pslog.Ctx(ctx).Warn("telegram send failed", "agent", agent, "err", err)
		if fresh {
			f.markFresh(chat)
		}
		f.reply(ctx, chat, "❌ "+describeError(err))
		return
	}
	pslog.Ctx(ctx).Debug("telegram message forwarded", "agent", agent, "state", result.State, "session", result.SessionID)
}

func (f *Frontend) ensureAgent(ctx context.Context, agent schema.AgentID) error {
	_, err := f.sup.Status(ctx, agent)
	if err == nil {
		return nil
	}
	if !errors.Is(err, schema.ErrAgentNotFound) {
		return err
	}
	if f.cfg.DefaultRepo == "" {
		return fmt.Errorf("%w: no default repo configured for chat agents", schema.ErrInvalidRepo)
	}
	_, err = f.sup.CreateAgent(ctx, schema.CreateAgentParams{
		AgentID: agent,
		Repo:    f.cfg.DefaultRepo,
		Model:   f.cfg.DefaultModel,
	})
	if errors.Is(err, schema.ErrAgentExists) {
		return nil
	}
	if err == nil {
		pslog.Ctx(ctx).Info("telegram agent created", "agent", agent, "repo", f.cfg.DefaultRepo)
	}
	return err
}

// bind attaches a bridge for agent to the chat and returns whether the next
// message should start a fresh session. The fresh flag is consumed.
func (f *Frontend) bind(chat schema.ChatID, agent schema.AgentID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bindings[chat]
	if b != nil && b.agent == agent && b.cancel != nil {
		fresh := b.fresh
		b.fresh = false
		return fresh
	}
	fresh := false
	if b != nil {
		fresh = b.fresh
		b.stopLocked()
	}
	b = &binding{agent: agent}
	f.bindings[chat] = b
	if f.closed || f.events == nil || f.sink == nil {
		return fresh
	}
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), f.log))
	events, unsubscribe := f.events.SubscribeOrdered(agent)
	bridge := relay.NewBridge(f.sink, relay.BridgeConfig{
		Agent:           agent,
		Chat:            chat,
		EditInterval:    f.cfg.EditInterval,
		IncludeThinking: f.cfg.IncludeThinking,
		DispatchTools:   f.cfg.DispatchTools,
		Logger:          f.log,
	})
	b.cancel = cancel
	b.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		defer unsubscribe()
		_ = bridge.Run(ctx, events)
	}(b.done)
	f.log.Debug("telegram chat bound", "chat", chat, "agent", agent)
	return fresh
}

func (f *Frontend) markFresh(chat schema.ChatID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bindings[chat]
	if b == nil {
		b = &binding{agent: f.defaultAgent(chat)}
		f.bindings[chat] = b
	}
	b.fresh = true
}

func (f *Frontend) rebind(chat schema.ChatID, agent schema.AgentID) {
	f.mu.Lock()
	if b := f.bindings[chat]; b != nil {
		b.stopLocked()
	}
	f.bindings[chat] = &binding{agent: agent}
	f.mu.Unlock()
	f.bind(chat, agent)
}

func (b *binding) stopLocked() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (f *Frontend) command(ctx context.Context, chat schema.ChatID, text string) {
	fields := strings.Fields(text)
	name := strings.ToLower(fields[0])
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	args := fields[1:]
	agent := f.AgentFor(chat)
	logger := pslog.Ctx(ctx).With("agent", agent)
	logger.Debug("telegram command", "command", name)

	switch name {
	case "/start", "/help":
		f.reply(ctx, chat, helpText)
	case "/status":
		info, err := f.sup.Status(ctx, agent)
		if err != nil {
			f.reply(ctx, chat, "❌ "+describeError(err))
			return
		}
		f.reply(ctx, chat, describeAgent(info))
	case "/stop":
		if err := f.sup.StopAgent(ctx, agent); err != nil {
			f.reply(ctx, chat, "❌ "+describeError(err))
			return
		}
		f.reply(ctx, chat, "⏹ Agent "+string(agent)+" stopped.")
	case "/new":
		f.markFresh(chat)
		f.reply(ctx, chat, "🆕 The next message starts a new session.")
	case "/allow", "/deny":
		requestID := ""
		if len(args) > 0 {
			requestID = args[0]
		}
		allow := name == "/allow"
		if err := f.sup.RespondPermission(ctx, agent, requestID, allow, ""); err != nil {
			f.reply(ctx, chat, "❌ "+describeError(err))
			return
		}
		if allow {
			f.reply(ctx, chat, "✅ Allowed.")
		} else {
			f.reply(ctx, chat, "🚫 Denied.")
		}
	case "/agent":
		if len(args) == 0 {
			f.reply(ctx, chat, "Bound to agent "+string(agent)+".")
			return
		}
		target := schema.AgentID(args[0])
		if _, err := f.sup.Status(ctx, target); err != nil {
			f.reply(ctx, chat, "❌ "+describeError(err))
			return
		}
		f.rebind(chat, target)
		logger.Info("telegram chat rebound", "target", target)
		f.reply(ctx, chat, "🔗 Bound to agent "+string(target)+".")
	default:
		f.reply(ctx, chat, "Unknown command "+name+". Try /help.")
	}
}

func (f *Frontend) reply(ctx context.Context, chat schema.ChatID, text string) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink == nil {
		return
	}
	if _, err := sink.SendMessage(ctx, chat, text, relay.ModePlain); err != nil {
		pslog.Ctx(ctx).Warn("telegram reply failed", "err", err)
	}
}

const helpText = `Messages are forwarded to the agent bound to this chat.
/status shows the agent state
/stop stops the running turn
/new starts a new session with the next message
/allow [id] or /deny [id] answers a permission prompt
/agent [id] shows or changes the bound agent`

func describeAgent(info schema.AgentInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s", info.Agent)
	if info.Model != "" {
		fmt.Fprintf(&b, " (%s)", info.Model)
	}
	if info.RepoPath != "" {
		fmt.Fprintf(&b, "\nRepo: %s", info.RepoPath)
	}
	if info.Process == nil {
		b.WriteString("\nState: no process")
		return b.String()
	}
	proc := info.Process
	fmt.Fprintf(&b, "\nState: %s", proc.State)
	if proc.SessionID != "" {
		fmt.Fprintf(&b, "\nSession: %s", proc.SessionID)
	}
	fmt.Fprintf(&b, "\nTurns: %d\nCost: $%.4f", proc.Turns, proc.TotalCostUSD)
	if proc.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", proc.LastError)
	}
	return b.String()
}

func describeError(err error) string {
	switch {
	case errors.Is(err, schema.ErrBusy):
		return "The agent is busy with another turn. Wait for it or /stop it."
	case errors.Is(err, schema.ErrNotRunning):
		return "The agent is not running."
	case errors.Is(err, schema.ErrNoPermissionRequest):
		return "No permission prompt is pending."
	case errors.Is(err, schema.ErrAgentNotFound):
		return "Unknown agent."
	default:
		return err.Error()
	}
}
