package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pkt.systems/ccbridge/schema"
)

type fakeRunner struct {
	mu      sync.Mutex
	starts  []StartRequest
	handles []*fakeHandle
	err     error
	onTurn  func(h *fakeHandle, text string)
}

func (r *fakeRunner) Start(ctx context.Context, req StartRequest) (ProcessHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, req)
	if r.err != nil {
		return nil, r.err
	}
	h := newFakeHandle(1000+len(r.handles), r.onTurn)
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func (r *fakeRunner) lastStart() StartRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.starts) == 0 {
		return StartRequest{}
	}
	return r.starts[len(r.starts)-1]
}

func (r *fakeRunner) handle(i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.handles) {
		return nil
	}
	return r.handles[i]
}

type fakeHandle struct {
	pid    int
	events chan schema.StreamEvent
	exited chan struct{}
	once   sync.Once
	onTurn func(h *fakeHandle, text string)

	mu          sync.Mutex
	turns       []string
	sessions    []schema.SessionID
	permissions []string
	signals     []ProcessSignal
	result      RunResult
	sendDelay   time.Duration
}

func newFakeHandle(pid int, onTurn func(h *fakeHandle, text string)) *fakeHandle {
	return &fakeHandle{
		pid:    pid,
		events: make(chan schema.StreamEvent, 64),
		exited: make(chan struct{}),
		onTurn: onTurn,
	}
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Events() EventStream { return fakeStream{h: h} }

func (h *fakeHandle) SendUserTurn(ctx context.Context, text string, sessionID schema.SessionID) error {
	select {
	case <-h.exited:
		return schema.ErrNotRunning
	default:
	}
	h.mu.Lock()
	h.turns = append(h.turns, text)
	h.sessions = append(h.sessions, sessionID)
	delay := h.sendDelay
	h.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if h.onTurn != nil {
		go h.onTurn(h, text)
	}
	return nil
}

func (h *fakeHandle) RespondPermission(ctx context.Context, requestID string, allow bool, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.permissions = append(h.permissions, requestID)
	return nil
}

func (h *fakeHandle) Signal(ctx context.Context, sig ProcessSignal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	h.exit(RunResult{ExitCode: -1, Signal: "signal " + string(sig)})
	return nil
}

func (h *fakeHandle) Wait(ctx context.Context) (RunResult, error) {
	select {
	case <-h.exited:
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, nil
}

func (h *fakeHandle) Close() error {
	h.exit(RunResult{})
	return nil
}

func (h *fakeHandle) emit(events ...schema.StreamEvent) {
	for _, ev := range events {
		select {
		case h.events <- ev:
		case <-h.exited:
			return
		}
	}
}

func (h *fakeHandle) exit(result RunResult) {
	h.once.Do(func() {
		h.mu.Lock()
		h.result = result
		h.mu.Unlock()
		close(h.exited)
	})
}

func (h *fakeHandle) turnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

func (h *fakeHandle) sessionAt(i int) schema.SessionID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.sessions) {
		return ""
	}
	return h.sessions[i]
}

func (h *fakeHandle) permissionRequests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.permissions...)
}

type fakeStream struct {
	h *fakeHandle
}

func (s fakeStream) Next(ctx context.Context) (schema.StreamEvent, error) {
	select {
	case ev := <-s.h.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.h.events:
		return ev, nil
	case <-s.h.exited:
		return schema.StreamEvent{}, io.EOF
	case <-ctx.Done():
		return schema.StreamEvent{}, ctx.Err()
	}
}

func (s fakeStream) Close() error { return nil }

type eventRecorder struct {
	mu     sync.Mutex
	events []schema.AgentEvent
}

func (r *eventRecorder) publish(ev schema.AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) OnAgentEvent(ev schema.AgentEvent) {
	r.publish(ev)
}

func (r *eventRecorder) snapshot() []schema.AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.AgentEvent(nil), r.events...)
}

func (r *eventRecorder) exits() []schema.ProcessExit {
	out := []schema.ProcessExit{}
	for _, ev := range r.snapshot() {
		if ev.Exit != nil {
			out = append(out, *ev.Exit)
		}
	}
	return out
}

func costPtr(v float64) *float64 { return &v }

func scriptedTurn(sessionID schema.SessionID, text string, cost *float64) []schema.StreamEvent {
	return []schema.StreamEvent{
		{Kind: schema.KindSystemInit, SessionID: sessionID},
		{Kind: schema.KindMessageStart},
		{Kind: schema.KindBlockStart, Index: 0, Block: &schema.ContentBlock{Type: schema.BlockText}},
		{Kind: schema.KindBlockDelta, Index: 0, Delta: &schema.Delta{Type: schema.DeltaText, Text: text}},
		{Kind: schema.KindBlockStop, Index: 0},
		{Kind: schema.KindMessageStop},
		{Kind: schema.KindResult, Result: &schema.ResultPayload{Subtype: "success", Text: text, CostUSD: cost, SessionID: sessionID}},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errSpawn = errors.New("exec: \"claude\": executable file not found in $PATH")
