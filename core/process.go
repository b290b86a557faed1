package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/ccbridge/internal/logx"
	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

const (
	killGrace      = 2 * time.Second
	destroyTimeout = 5 * time.Second
)

// ProcessDeps wires a CCProcess to its collaborators.
type ProcessDeps struct {
	Runner  Runner
	Publish func(schema.AgentEvent)
	Logger  pslog.Logger
	Clock   func() time.Time
	// AckTimeout bounds how long SendMessage waits for the child to start a turn.
	AckTimeout time.Duration
	// ResumeSessionID continues a previous session on first spawn.
	ResumeSessionID schema.SessionID
}

// CCProcess owns one Claude Code child: spawn, turn framing, timers, cost
// accounting, and termination. Once it reaches a terminal state it is never
// reused.
type CCProcess struct {
	agent      schema.AgentID
	cfg        schema.UserConfig
	runner     Runner
	publish    func(schema.AgentEvent)
	log        pslog.Logger
	now        func() time.Time
	ackTimeout time.Duration

	mu         sync.Mutex
	state      schema.ProcessState
	handle     ProcessHandle
	resumeID   schema.SessionID
	sessionID  schema.SessionID
	totalCost  float64
	turns      int
	pid        int
	spawnedAt  time.Time
	lastErr    error
	exitReason string
	pending    string
	ack        chan struct{}
	ackState   schema.ProcessState
	gen        uint64
	idleSeq    uint64
	idleTimer  *time.Timer
	hangTimer  *time.Timer
	readerDone chan struct{}
	destroyed  bool
}

// NewCCProcess constructs an idle process for the agent. No child is started
// until the first SendMessage.
func NewCCProcess(agent schema.AgentID, cfg schema.UserConfig, deps ProcessDeps) *CCProcess {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	ackTimeout := deps.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = schema.DefaultAckTimeout
	}
	publish := deps.Publish
	if publish == nil {
		publish = func(schema.AgentEvent) {}
	}
	return &CCProcess{
		agent:      agent,
		cfg:        cfg,
		runner:     deps.Runner,
		publish:    publish,
		log:        logger.With("agent", agent),
		now:        now,
		ackTimeout: ackTimeout,
		state:      schema.StateIdle,
		resumeID:   deps.ResumeSessionID,
	}
}

// State returns the current lifecycle state.
func (p *CCProcess) State() schema.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SessionID returns the session id, or the continuation id if the child has
// not reported one yet.
func (p *CCProcess) SessionID() schema.SessionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionID != "" {
		return p.sessionID
	}
	return p.resumeID
}

// Status returns a snapshot of the process.
func (p *CCProcess) Status() schema.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := schema.ProcessStatus{
		Agent:        p.agent,
		State:        p.state,
		SessionID:    p.sessionID,
		PID:          p.pid,
		SpawnedAt:    p.spawnedAt,
		TotalCostUSD: p.totalCost,
		Turns:        p.turns,
	}
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}
	return status
}

// SendMessage starts a turn. An idle instance without a child spawns one; an
// idle instance with a warm child reuses it. The call returns once the child
// acknowledges the turn or the ack deadline passes.
func (p *CCProcess) SendMessage(ctx context.Context, text string, opts schema.SendOptions) (schema.SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return schema.SendResult{}, schema.ErrEmptyMessage
	}
	log := logx.WithAgent(ctx, p.agent)

	p.mu.Lock()
	switch p.state {
	case schema.StateRunning, schema.StateWaitingPermission, schema.StateSpawning:
		state := p.state
		p.mu.Unlock()
		log.Debug("process busy", "state", state)
		return schema.SendResult{State: state}, schema.ErrBusy
	case schema.StateError, schema.StateExited:
		p.mu.Unlock()
		return schema.SendResult{}, schema.ErrProcessExited
	}
	handle := p.handle
	if handle == nil {
		p.state = schema.StateSpawning
	} else {
		p.stopIdleLocked()
		p.state = schema.StateRunning
	}
	ack := make(chan struct{})
	p.ack = ack
	p.ackState = ""
	p.mu.Unlock()

	if handle == nil {
		var err error
		handle, err = p.spawn(ctx)
		if err != nil {
			return schema.SendResult{State: p.State()}, err
		}
	}

	p.mu.Lock()
	sessionID := p.sessionID
	if sessionID == "" {
		sessionID = p.resumeID
	}
	p.mu.Unlock()

	if err := handle.SendUserTurn(ctx, text, sessionID); err != nil {
		log.Warn("process send failed", "err", err)
		p.mu.Lock()
		if p.handle == handle && !p.state.Terminal() {
			p.state = schema.StateError
			p.lastErr = err
			p.exitReason = "stdin write failed"
		}
		p.signalAckLocked()
		p.mu.Unlock()
		_ = handle.Signal(context.Background(), ProcessSignalKILL)
		return schema.SendResult{State: schema.StateError}, err
	}

	p.mu.Lock()
	p.turns++
	p.armIdleLocked()
	p.mu.Unlock()
	log.Debug("process turn sent", "session", sessionID, "chars", len(text))

	timer := time.NewTimer(p.ackTimeout)
	defer timer.Stop()
	acked := false
	select {
	case <-ack:
		acked = true
	case <-timer.C:
		log.Debug("process ack timeout", "timeout", p.ackTimeout)
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	result := schema.SendResult{SessionID: p.sessionID, State: p.state, Subscribed: opts.Subscribe}
	if acked && p.ackState != "" {
		result.State = p.ackState
	}
	if !acked && !p.state.Terminal() {
		result.State = schema.StateRunning
	}
	return result, nil
}

// SendToCC writes a follow-up directly to the live child's stdin. It never
// spawns a child.
func (p *CCProcess) SendToCC(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return schema.ErrEmptyMessage
	}
	p.mu.Lock()
	handle := p.handle
	if handle == nil || p.state.Terminal() || p.state == schema.StateSpawning {
		p.mu.Unlock()
		return schema.ErrNotRunning
	}
	sessionID := p.sessionID
	if sessionID == "" {
		sessionID = p.resumeID
	}
	p.mu.Unlock()

	if err := handle.SendUserTurn(ctx, text, sessionID); err != nil {
		return err
	}
	p.mu.Lock()
	if p.handle == handle && p.state == schema.StateIdle {
		p.state = schema.StateRunning
		p.turns++
	}
	if p.state == schema.StateRunning {
		p.armIdleLocked()
	}
	p.mu.Unlock()
	logx.WithAgent(ctx, p.agent).Debug("process follow-up sent", "chars", len(text))
	return nil
}

// RespondPermission answers the pending permission prompt. An empty
// requestID answers whichever prompt is pending.
func (p *CCProcess) RespondPermission(ctx context.Context, requestID string, allow bool, message string) error {
	p.mu.Lock()
	handle := p.handle
	if handle == nil || p.state != schema.StateWaitingPermission || p.pending == "" {
		p.mu.Unlock()
		return schema.ErrNoPermissionRequest
	}
	if requestID == "" {
		requestID = p.pending
	}
	if requestID != p.pending {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", schema.ErrNoPermissionRequest, requestID)
	}
	p.mu.Unlock()

	if err := handle.RespondPermission(ctx, requestID, allow, message); err != nil {
		return err
	}
	p.mu.Lock()
	if p.handle == handle && p.state == schema.StateWaitingPermission && p.pending == requestID {
		p.pending = ""
		p.state = schema.StateRunning
		p.armIdleLocked()
	}
	p.mu.Unlock()
	logx.WithAgent(ctx, p.agent).Info("process permission answered", "request", requestID, "allow", allow)
	return nil
}

// Destroy kills the child, stops the timers, and waits for the output reader
// to finish. It is safe to call more than once.
func (p *CCProcess) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		done := p.readerDone
		p.mu.Unlock()
		waitDone(done, destroyTimeout)
		return
	}
	p.destroyed = true
	p.gen++
	p.stopTimersLocked()
	handle := p.handle
	done := p.readerDone
	p.state = schema.StateExited
	if p.exitReason == "" {
		p.exitReason = "destroyed"
	}
	p.signalAckLocked()
	p.mu.Unlock()

	if handle != nil {
		_ = handle.Signal(context.Background(), ProcessSignalKILL)
		_ = handle.Close()
	}
	if !waitDone(done, destroyTimeout) {
		p.log.Warn("process destroy timed out waiting for reader")
	}
	p.log.Debug("process destroyed")
}

func (p *CCProcess) spawn(ctx context.Context) (ProcessHandle, error) {
	log := logx.WithAgent(ctx, p.agent)
	if p.runner == nil {
		err := NewSpawnError("start", errors.New("runner is not configured"))
		p.failSpawn(err)
		return nil, err
	}
	p.mu.Lock()
	resume := p.resumeID
	p.mu.Unlock()
	req := StartRequest{
		Agent:           p.agent,
		WorkingDir:      p.cfg.RepoPath,
		Model:           p.cfg.Model,
		PermissionMode:  p.cfg.PermissionMode,
		MaxTurns:        p.cfg.MaxTurns,
		ResumeSessionID: resume,
	}
	handle, err := p.runner.Start(ctx, req)
	if err != nil {
		var spawnErr *SpawnError
		if !errors.As(err, &spawnErr) {
			err = NewSpawnError("start", err)
		}
		log.Warn("process spawn failed", "err", err)
		p.failSpawn(err)
		return nil, err
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		_ = handle.Signal(context.Background(), ProcessSignalKILL)
		_ = handle.Close()
		return nil, schema.ErrProcessExited
	}
	p.gen++
	gen := p.gen
	p.handle = handle
	p.pid = handle.PID()
	p.spawnedAt = p.now()
	p.state = schema.StateRunning
	p.readerDone = make(chan struct{})
	done := p.readerDone
	if p.cfg.HangTimeout > 0 {
		p.hangTimer = time.AfterFunc(p.cfg.HangTimeout, func() { p.onHangTimeout(gen) })
	}
	p.mu.Unlock()

	logx.WithSession(log, resume).Info("process spawned", "pid", handle.PID(), "repo", p.cfg.RepoPath, "model", p.cfg.Model)
	go p.readLoop(handle, gen, done)
	return handle, nil
}

func (p *CCProcess) failSpawn(err error) {
	p.mu.Lock()
	p.state = schema.StateError
	p.lastErr = err
	p.signalAckLocked()
	p.mu.Unlock()
	now := p.now()
	p.publish(schema.AgentEvent{Agent: p.agent, Time: now, Event: schema.StreamEvent{Kind: schema.KindStderr, Text: err.Error()}})
	p.publish(schema.AgentEvent{Agent: p.agent, Time: now, Exit: &schema.ProcessExit{ExitCode: -1, Reason: "spawn failed"}})
}

func (p *CCProcess) readLoop(handle ProcessHandle, gen uint64, done chan struct{}) {
	defer close(done)
	stream := handle.Events()
	ctx := pslog.ContextWithLogger(context.Background(), p.log)
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			break
		}
		p.observe(event, gen)
		p.publish(schema.AgentEvent{Agent: p.agent, Time: p.now(), Event: event})
	}
	result, waitErr := handle.Wait(ctx)
	_ = handle.Close()
	p.finish(handle, result, waitErr)
}

func (p *CCProcess) observe(event schema.StreamEvent, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	switch event.Kind {
	case schema.KindStderr, schema.KindUnrecognized:
		if event.Kind == schema.KindStderr {
			p.log.Debug("process stderr", "line", event.Text)
		}
		return
	}
	if p.state == schema.StateRunning {
		p.armIdleLocked()
	}
	switch event.Kind {
	case schema.KindSystemInit:
		p.setSessionLocked(event.SessionID)
		p.signalAckLocked()
	case schema.KindMessageStart:
		p.signalAckLocked()
	case schema.KindControlRequest:
		if event.Permission == nil || p.state.Terminal() {
			return
		}
		p.pending = event.Permission.RequestID
		p.state = schema.StateWaitingPermission
		p.stopIdleLocked()
		p.signalAckLocked()
		p.log.Info("process waiting permission", "request", event.Permission.RequestID, "tool", event.Permission.ToolName)
	case schema.KindResult:
		if event.Result != nil {
			p.setSessionLocked(event.Result.SessionID)
			if event.Result.CostUSD != nil {
				p.totalCost += *event.Result.CostUSD
			}
			if event.Result.IsError {
				p.lastErr = fmt.Errorf("turn failed: %s", firstNonEmpty(event.Result.Text, event.Result.Subtype, "error"))
			}
		}
		p.signalAckLocked()
		if p.state == schema.StateRunning || p.state == schema.StateWaitingPermission {
			p.state = schema.StateIdle
			p.pending = ""
			// The idle timer now bounds how long the warm child stays attached.
			p.armIdleLocked()
		}
		logx.WithSession(p.log, p.sessionID).Info("process turn completed", "total_cost_usd", p.totalCost, "turns", p.turns)
	default:
		if event.SessionID != "" {
			p.setSessionLocked(event.SessionID)
		}
		p.signalAckLocked()
	}
}

func (p *CCProcess) finish(handle ProcessHandle, result RunResult, waitErr error) {
	p.mu.Lock()
	if p.handle == handle {
		p.handle = nil
	}
	prev := p.state
	p.stopTimersLocked()
	if !p.state.Terminal() {
		p.state = schema.StateExited
	}
	reason := p.exitReason
	if reason == "" {
		switch prev {
		case schema.StateRunning, schema.StateWaitingPermission:
			reason = "exited during turn"
		default:
			reason = "exited"
		}
	}
	if waitErr != nil && p.lastErr == nil && !errors.Is(waitErr, context.Canceled) {
		p.lastErr = waitErr
	}
	p.pending = ""
	p.signalAckLocked()
	p.mu.Unlock()

	p.log.Info("process exited", "exit_code", result.ExitCode, "signal", result.Signal, "reason", reason)
	p.publish(schema.AgentEvent{
		Agent: p.agent,
		Time:  p.now(),
		Exit:  &schema.ProcessExit{ExitCode: result.ExitCode, Signal: result.Signal, Reason: reason},
	})
}

func (p *CCProcess) onIdleTimeout(gen, seq uint64) {
	p.mu.Lock()
	if gen != p.gen || seq != p.idleSeq || p.handle == nil {
		p.mu.Unlock()
		return
	}
	handle := p.handle
	switch p.state {
	case schema.StateRunning:
		p.state = schema.StateError
		p.lastErr = schema.ErrIdleTimeout
		p.exitReason = "idle timeout"
		p.mu.Unlock()
		p.log.Warn("process idle timeout", "timeout", p.cfg.IdleTimeout)
		p.terminate(handle)
	case schema.StateIdle:
		p.exitReason = "idle"
		p.mu.Unlock()
		p.log.Debug("process warm child released")
		_ = handle.Close()
		p.terminate(handle)
	default:
		p.mu.Unlock()
	}
}

func (p *CCProcess) onHangTimeout(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.handle == nil {
		p.mu.Unlock()
		return
	}
	handle := p.handle
	p.state = schema.StateExited
	p.lastErr = schema.ErrHangTimeout
	p.exitReason = "hang timeout"
	p.mu.Unlock()
	p.log.Warn("process hang timeout", "timeout", p.cfg.HangTimeout)
	_ = handle.Signal(context.Background(), ProcessSignalKILL)
}

// terminate sends SIGTERM and escalates to SIGKILL if the reader is still
// running after the grace period.
func (p *CCProcess) terminate(handle ProcessHandle) {
	_ = handle.Signal(context.Background(), ProcessSignalTERM)
	p.mu.Lock()
	done := p.readerDone
	p.mu.Unlock()
	time.AfterFunc(killGrace, func() {
		select {
		case <-done:
		default:
			_ = handle.Signal(context.Background(), ProcessSignalKILL)
		}
	})
}

func (p *CCProcess) setSessionLocked(id schema.SessionID) {
	if id == "" || p.sessionID != "" {
		return
	}
	p.sessionID = id
	p.log.Debug("process session bound", "session", id)
}

func (p *CCProcess) signalAckLocked() {
	if p.ack == nil {
		return
	}
	p.ackState = p.state
	close(p.ack)
	p.ack = nil
}

func (p *CCProcess) armIdleLocked() {
	p.stopIdleLocked()
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	p.idleSeq++
	gen, seq := p.gen, p.idleSeq
	p.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() { p.onIdleTimeout(gen, seq) })
}

func (p *CCProcess) stopIdleLocked() {
	p.idleSeq++
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *CCProcess) stopTimersLocked() {
	p.stopIdleLocked()
	if p.hangTimer != nil {
		p.hangTimer.Stop()
		p.hangTimer = nil
	}
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	if done == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
