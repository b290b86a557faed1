package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/ccbridge/internal/format"
	"pkt.systems/ccbridge/internal/logx"
	"pkt.systems/ccbridge/internal/persist"
	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// supervisor implements the agent registry and command surface.
type supervisor struct {
	cfg      schema.SupervisorConfig
	runner   Runner
	renderer Renderer
	sink     EventSink
	store    *persist.Store
	newID    func() string
	logger   pslog.Logger

	mu     sync.RWMutex
	agents map[schema.AgentID]*agentEntry
	locks  map[schema.AgentID]*sync.Mutex
	closed bool

	obsMu     sync.RWMutex
	observers []RegistryObserver
}

type agentEntry struct {
	id        schema.AgentID
	cfg       schema.UserConfig
	createdAt time.Time
	buffer    *EventBuffer
	seq       atomic.Uint64

	mu          sync.Mutex
	proc        *CCProcess
	lastSession schema.SessionID
	totalCost   float64
}

// NewSupervisor constructs the supervisor implementation.
func NewSupervisor(cfg schema.SupervisorConfig, deps SupervisorDeps) (Supervisor, error) {
	normalized, err := schema.NormalizeSupervisorConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if deps.Renderer == nil {
		deps.Renderer = format.NewPlainRenderer()
	}
	if deps.NewID == nil {
		deps.NewID = newAgentID
	}
	var store *persist.Store
	if cfg.StateDir != "" {
		store, err = persist.NewStoreWithLogger(cfg.StateDir, deps.Logger)
		if err != nil {
			return nil, err
		}
		if cfg.ClaudeHome != "" {
			store.SetClaudeHome(cfg.ClaudeHome)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &supervisor{
		cfg:      cfg,
		runner:   deps.Runner,
		renderer: deps.Renderer,
		sink:     deps.EventSink,
		store:    store,
		newID:    deps.NewID,
		logger:   logger,
		agents:   make(map[schema.AgentID]*agentEntry),
		locks:    make(map[schema.AgentID]*sync.Mutex),
	}, nil
}

func (s *supervisor) AddObserver(observer RegistryObserver) {
	if observer == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, observer)
	s.obsMu.Unlock()
}

func (s *supervisor) CreateAgent(ctx context.Context, req schema.CreateAgentParams) (schema.AgentInfo, error) {
	id := schema.AgentID(strings.TrimSpace(string(req.AgentID)))
	if id == "" {
		id = schema.AgentID(s.newID())
	}
	if err := schema.ValidateAgentID(id); err != nil {
		return schema.AgentInfo{}, err
	}
	log := logx.WithAgent(ctx, id)
	cfg, err := s.userConfig(req)
	if err != nil {
		log.Warn("supervisor agent create failed", "err", err)
		return schema.AgentInfo{}, err
	}

	lock := s.agentLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return schema.AgentInfo{}, schema.ErrSupervisorClosed
	}
	if _, ok := s.agents[id]; ok {
		s.mu.Unlock()
		log.Info("supervisor agent create conflict")
		return schema.AgentInfo{}, fmt.Errorf("%w: %s", schema.ErrAgentExists, id)
	}
	entry := &agentEntry{
		id:        id,
		cfg:       cfg,
		createdAt: time.Now().UTC(),
		buffer:    NewEventBuffer(s.cfg.LogCapacity),
	}
	s.agents[id] = entry
	s.mu.Unlock()

	s.persist(entry)
	info := entry.info()
	s.notifyCreated(info)
	log.Info("supervisor agent created", "repo", cfg.RepoPath, "model", cfg.Model, "permission_mode", cfg.PermissionMode)
	return info, nil
}

func (s *supervisor) RemoveAgent(ctx context.Context, id schema.AgentID) error {
	lock := s.agentLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	entry, ok := s.agents[id]
	if ok {
		delete(s.agents, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrAgentNotFound, id)
	}

	entry.mu.Lock()
	proc := entry.proc
	entry.proc = nil
	entry.mu.Unlock()
	if proc != nil {
		proc.Destroy()
	}
	if s.store != nil {
		_ = s.store.DeleteAgent(id)
	}
	s.notifyRemoved(id)
	logx.WithAgent(ctx, id).Info("supervisor agent removed")
	return nil
}

func (s *supervisor) ListAgents(ctx context.Context) ([]schema.AgentInfo, error) {
	s.mu.RLock()
	entries := make([]*agentEntry, 0, len(s.agents))
	for _, entry := range s.agents {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].id < entries[j].id
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	out := make([]schema.AgentInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.info())
	}
	return out, nil
}

func (s *supervisor) Status(ctx context.Context, id schema.AgentID) (schema.AgentInfo, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return schema.AgentInfo{}, err
	}
	return entry.info(), nil
}

func (s *supervisor) SendMessage(ctx context.Context, id schema.AgentID, text string, opts schema.SendOptions) (schema.SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return schema.SendResult{}, schema.ErrEmptyMessage
	}
	entry, err := s.lookup(id)
	if err != nil {
		return schema.SendResult{}, err
	}
	log := logx.WithAgent(ctx, id)
	proc, err := s.processFor(entry, opts.Fresh)
	if err != nil {
		log.Info("supervisor send rejected", "err", err)
		return schema.SendResult{}, err
	}
	entry.buffer.Push(schema.LogLine{Type: schema.LogUser, Text: text})
	res, err := proc.SendMessage(logx.ContextWithAgent(ctx, id), text, opts)
	if err != nil {
		entry.buffer.Push(schema.LogLine{Type: schema.LogError, Text: "send failed: " + err.Error()})
		log.Info("supervisor send failed", "err", err)
		return res, err
	}
	logx.WithSession(log, res.SessionID).Info("supervisor send ok", "state", res.State, "subscribe", opts.Subscribe)
	return res, nil
}

func (s *supervisor) SendToCC(ctx context.Context, id schema.AgentID, text string) error {
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	proc := entry.proc
	entry.mu.Unlock()
	if proc == nil {
		return schema.ErrNotRunning
	}
	if err := proc.SendToCC(logx.ContextWithAgent(ctx, id), text); err != nil {
		return err
	}
	entry.buffer.Push(schema.LogLine{Type: schema.LogUser, Text: text})
	return nil
}

func (s *supervisor) RespondPermission(ctx context.Context, id schema.AgentID, requestID string, allow bool, message string) error {
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	proc := entry.proc
	entry.mu.Unlock()
	if proc == nil {
		return schema.ErrNoPermissionRequest
	}
	if err := proc.RespondPermission(logx.ContextWithAgent(ctx, id), requestID, allow, message); err != nil {
		return err
	}
	verdict := "denied"
	if allow {
		verdict = "allowed"
	}
	entry.buffer.Push(schema.LogLine{Type: schema.LogSystem, Text: fmt.Sprintf("permission %s %s", requestID, verdict)})
	return nil
}

// StopAgent tears down the agent's child. The agent stays registered and
// its next message continues the last session in a new child.
func (s *supervisor) StopAgent(ctx context.Context, id schema.AgentID) error {
	lock := s.agentLock(id)
	lock.Lock()
	defer lock.Unlock()
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	proc := entry.proc
	entry.mu.Unlock()
	if proc == nil || proc.State().Terminal() {
		return schema.ErrNotRunning
	}
	proc.Destroy()
	logx.WithAgent(ctx, id).Info("supervisor agent stopped")
	return nil
}

func (s *supervisor) QueryLogs(ctx context.Context, id schema.AgentID, query schema.LogQuery) (schema.LogQueryResult, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return schema.LogQueryResult{}, err
	}
	return entry.buffer.Query(query), nil
}

// Restore registers agents recorded by a previous run. Their processes are
// not started; the first message continues the recorded session.
func (s *supervisor) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	records, err := s.store.ListAgents()
	if err != nil {
		return 0, err
	}
	log := pslog.Ctx(ctx)
	restored := 0
	for _, record := range records {
		if err := schema.ValidateAgentID(record.Agent); err != nil {
			log.Warn("supervisor restore skip", "agent", record.Agent, "err", err)
			continue
		}
		cfg, err := s.userConfig(schema.CreateAgentParams{
			Repo:           record.RepoPath,
			Model:          record.Model,
			PermissionMode: record.PermissionMode,
			MaxTurns:       record.MaxTurns,
			IdleTimeoutMs:  record.IdleTimeoutMs,
			HangTimeoutMs:  record.HangTimeoutMs,
		})
		if err != nil {
			log.Warn("supervisor restore skip", "agent", record.Agent, "err", err)
			continue
		}
		entry := &agentEntry{
			id:          record.Agent,
			cfg:         cfg,
			createdAt:   record.CreatedAt,
			buffer:      NewEventBuffer(s.cfg.LogCapacity),
			lastSession: record.SessionID,
			totalCost:   record.TotalCostUSD,
		}
		s.mu.Lock()
		if _, exists := s.agents[record.Agent]; exists || s.closed {
			s.mu.Unlock()
			continue
		}
		s.agents[record.Agent] = entry
		s.mu.Unlock()
		s.notifyCreated(entry.info())
		restored++
	}
	if restored > 0 {
		log.Info("supervisor restore ok", "agents", restored)
	}
	return restored, nil
}

func (s *supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := make([]*agentEntry, 0, len(s.agents))
	for _, entry := range s.agents {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		entry.mu.Lock()
		proc := entry.proc
		entry.mu.Unlock()
		if proc == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc.Destroy()
		}()
	}
	wg.Wait()
	s.logger.Info("supervisor closed", "agents", len(entries))
	return nil
}

// processFor returns the instance that should take the next turn, replacing
// a terminal one. A fresh request discards the previous session and, when a
// warm child is idle, that child too.
func (s *supervisor) processFor(entry *agentEntry, fresh bool) (*CCProcess, error) {
	lock := s.agentLock(entry.id)
	lock.Lock()
	defer lock.Unlock()

	entry.mu.Lock()
	if s.isClosed() {
		entry.mu.Unlock()
		return nil, schema.ErrSupervisorClosed
	}
	proc := entry.proc
	var retired *CCProcess
	replace := proc == nil || proc.State().Terminal()
	if fresh && !replace {
		if proc.State() != schema.StateIdle {
			entry.mu.Unlock()
			return nil, schema.ErrBusy
		}
		retired = proc
		replace = true
	}
	if fresh {
		entry.lastSession = ""
	}
	if replace && entry.lastSession != "" && s.cfg.ClaudeHome != "" && s.store != nil &&
		!s.store.SessionLogExists(entry.cfg.RepoPath, entry.lastSession) {
		s.logger.With("agent", entry.id).Warn("supervisor session log missing", "session_id", entry.lastSession)
		entry.lastSession = ""
	}
	if replace {
		proc = NewCCProcess(entry.id, entry.cfg, ProcessDeps{
			Runner:          s.runner,
			Publish:         s.publisher(entry),
			Logger:          s.logger,
			AckTimeout:      s.cfg.AckTimeout,
			ResumeSessionID: entry.lastSession,
		})
		entry.proc = proc
	}
	entry.mu.Unlock()

	if retired != nil {
		retired.Destroy()
	}
	return proc, nil
}

func (s *supervisor) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *supervisor) publisher(entry *agentEntry) func(schema.AgentEvent) {
	return func(event schema.AgentEvent) {
		event.Agent = entry.id
		event.Seq = entry.seq.Add(1)
		if lines := s.renderer.FormatEvent(event); len(lines) > 0 {
			entry.buffer.Push(lines...)
		}
		s.track(entry, event)
		if s.sink != nil {
			s.sink.OnAgentEvent(event)
		}
	}
}

// track records continuation state and persists it at turn boundaries.
func (s *supervisor) track(entry *agentEntry, event schema.AgentEvent) {
	ev := event.Event
	switch {
	case event.Exit != nil:
		return
	case ev.Kind == schema.KindSystemInit && ev.SessionID != "":
		entry.mu.Lock()
		entry.lastSession = ev.SessionID
		entry.mu.Unlock()
	case ev.Kind == schema.KindResult && ev.Result != nil:
		entry.mu.Lock()
		if ev.Result.SessionID != "" {
			entry.lastSession = ev.Result.SessionID
		}
		if ev.Result.CostUSD != nil {
			entry.totalCost += *ev.Result.CostUSD
		}
		entry.mu.Unlock()
		s.persist(entry)
	}
}

func (s *supervisor) persist(entry *agentEntry) {
	if s.store == nil {
		return
	}
	entry.mu.Lock()
	record := persist.AgentRecord{
		Agent:          entry.id,
		Model:          entry.cfg.Model,
		RepoPath:       entry.cfg.RepoPath,
		PermissionMode: entry.cfg.PermissionMode,
		MaxTurns:       entry.cfg.MaxTurns,
		IdleTimeoutMs:  entry.cfg.IdleTimeout.Milliseconds(),
		HangTimeoutMs:  entry.cfg.HangTimeout.Milliseconds(),
		SessionID:      entry.lastSession,
		TotalCostUSD:   entry.totalCost,
		CreatedAt:      entry.createdAt,
	}
	entry.mu.Unlock()
	_ = s.store.SaveAgent(record)
}

func (s *supervisor) userConfig(req schema.CreateAgentParams) (schema.UserConfig, error) {
	repo, err := ResolveRepoPath(req.Repo, s.cfg.DefaultRepo)
	if err != nil {
		return schema.UserConfig{}, err
	}
	cfg := schema.UserConfig{
		RepoPath:       repo,
		Model:          s.cfg.DefaultModel,
		MaxTurns:       s.cfg.MaxTurns,
		IdleTimeout:    s.cfg.IdleTimeout,
		HangTimeout:    s.cfg.HangTimeout,
		PermissionMode: s.cfg.PermissionMode,
	}
	if strings.TrimSpace(string(req.Model)) != "" {
		model, err := schema.NormalizeModelID(string(req.Model))
		if err != nil {
			return schema.UserConfig{}, err
		}
		cfg.Model = model
	}
	if strings.TrimSpace(string(req.PermissionMode)) != "" {
		mode, err := schema.NormalizePermissionMode(string(req.PermissionMode))
		if err != nil {
			return schema.UserConfig{}, err
		}
		cfg.PermissionMode = mode
	}
	if req.MaxTurns < 0 || req.IdleTimeoutMs < 0 || req.HangTimeoutMs < 0 {
		return schema.UserConfig{}, fmt.Errorf("%w: limits must not be negative", schema.ErrInvalidRequest)
	}
	if req.MaxTurns > 0 {
		cfg.MaxTurns = req.MaxTurns
	}
	if req.IdleTimeoutMs > 0 {
		cfg.IdleTimeout = time.Duration(req.IdleTimeoutMs) * time.Millisecond
	}
	if req.HangTimeoutMs > 0 {
		cfg.HangTimeout = time.Duration(req.HangTimeoutMs) * time.Millisecond
	}
	if cfg.HangTimeout < cfg.IdleTimeout {
		return schema.UserConfig{}, fmt.Errorf("%w: hang timeout must not be shorter than idle timeout", schema.ErrInvalidRequest)
	}
	return cfg, nil
}

func (s *supervisor) lookup(id schema.AgentID) (*agentEntry, error) {
	s.mu.RLock()
	entry, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrAgentNotFound, id)
	}
	return entry, nil
}

func (s *supervisor) agentLock(id schema.AgentID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.locks[id]
	if lock == nil {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *supervisor) notifyCreated(info schema.AgentInfo) {
	s.obsMu.RLock()
	observers := append([]RegistryObserver(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, observer := range observers {
		observer.AgentCreated(info)
	}
}

func (s *supervisor) notifyRemoved(id schema.AgentID) {
	s.obsMu.RLock()
	observers := append([]RegistryObserver(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, observer := range observers {
		observer.AgentRemoved(id)
	}
}

func (e *agentEntry) info() schema.AgentInfo {
	info := schema.AgentInfo{
		Agent:          e.id,
		Model:          e.cfg.Model,
		RepoPath:       e.cfg.RepoPath,
		MaxTurns:       e.cfg.MaxTurns,
		IdleTimeoutMs:  e.cfg.IdleTimeout.Milliseconds(),
		HangTimeoutMs:  e.cfg.HangTimeout.Milliseconds(),
		PermissionMode: e.cfg.PermissionMode,
		CreatedAt:      e.createdAt,
	}
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		status := proc.Status()
		info.Process = &status
	}
	return info
}
