package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/ccbridge/schema"
)

func newTestProcess(runner *fakeRunner, rec *eventRecorder, cfg schema.UserConfig) *CCProcess {
	if cfg.RepoPath == "" {
		cfg.RepoPath = "/tmp/repo"
	}
	return NewCCProcess("alpha", cfg, ProcessDeps{
		Runner:     runner,
		Publish:    rec.publish,
		AckTimeout: 500 * time.Millisecond,
	})
}

func TestSendMessageSpawnsAndAcknowledges(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(scriptedTurn("sess-1", "Hello world!", costPtr(0.01))...)
	}}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{Model: "sonnet"})
	defer proc.Destroy()

	res, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{Subscribe: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.SessionID != "sess-1" || res.State != schema.StateRunning || !res.Subscribed {
		t.Fatalf("unexpected send result: %+v", res)
	}
	waitFor(t, "result published", func() bool { return len(rec.snapshot()) == 7 })
	if proc.State() != schema.StateIdle {
		t.Fatalf("expected idle after result, got %s", proc.State())
	}

	status := proc.Status()
	if status.TotalCostUSD != 0.01 || status.Turns != 1 || status.PID != 1000 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if got := runner.lastStart(); got.WorkingDir != "/tmp/repo" || got.Model != "sonnet" {
		t.Fatalf("unexpected start request: %+v", got)
	}
	events := rec.snapshot()
	if events[len(events)-1].Event.Kind != schema.KindResult {
		t.Fatalf("expected the last published event to be the result, got %+v", events[len(events)-1])
	}
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	proc := newTestProcess(&fakeRunner{}, &eventRecorder{}, schema.UserConfig{})
	if _, err := proc.SendMessage(context.Background(), "  ", schema.SendOptions{}); !errors.Is(err, schema.ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
	if proc.State() != schema.StateIdle {
		t.Fatalf("expected idle state, got %s", proc.State())
	}
}

func TestSendMessageBusyWhileRunning(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(schema.StreamEvent{Kind: schema.KindSystemInit, SessionID: "sess-1"}, schema.StreamEvent{Kind: schema.KindMessageStart})
	}}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{})
	defer proc.Destroy()

	if _, err := proc.SendMessage(context.Background(), "first", schema.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err := proc.SendMessage(context.Background(), "second", schema.SendOptions{})
	if !errors.Is(err, schema.ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if res.State != schema.StateRunning {
		t.Fatalf("expected running state in busy result, got %s", res.State)
	}
	if runner.handle(0).turnCount() != 1 {
		t.Fatalf("busy send must not reach the child")
	}
}

func TestWarmChildIsReusedWithSession(t *testing.T) {
	turn := 0
	runner := &fakeRunner{}
	runner.onTurn = func(h *fakeHandle, text string) {
		turn++
		var cost *float64
		if turn == 1 {
			cost = costPtr(0.02)
		}
		h.emit(scriptedTurn("sess-1", "ok", cost)...)
	}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{})
	defer proc.Destroy()

	if _, err := proc.SendMessage(context.Background(), "one", schema.SendOptions{}); err != nil {
		t.Fatalf("send one: %v", err)
	}
	waitFor(t, "first turn", func() bool { return proc.State() == schema.StateIdle })
	if _, err := proc.SendMessage(context.Background(), "two", schema.SendOptions{}); err != nil {
		t.Fatalf("send two: %v", err)
	}
	waitFor(t, "second turn", func() bool { return proc.Status().Turns == 2 && proc.State() == schema.StateIdle })

	if runner.startCount() != 1 {
		t.Fatalf("expected a single spawn, got %d", runner.startCount())
	}
	h := runner.handle(0)
	if h.sessionAt(0) != "" || h.sessionAt(1) != "sess-1" {
		t.Fatalf("unexpected session markers: %q %q", h.sessionAt(0), h.sessionAt(1))
	}
	if got := proc.Status().TotalCostUSD; got != 0.02 {
		t.Fatalf("missing cost must not change the total, got %v", got)
	}
}

func TestSessionIDIsSetOnce(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(
			schema.StreamEvent{Kind: schema.KindSystemInit, SessionID: "sess-1"},
			schema.StreamEvent{Kind: schema.KindResult, Result: &schema.ResultPayload{SessionID: "sess-2"}},
		)
	}}
	proc := newTestProcess(runner, &eventRecorder{}, schema.UserConfig{})
	defer proc.Destroy()
	if _, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "idle", func() bool { return proc.State() == schema.StateIdle })
	if proc.SessionID() != "sess-1" {
		t.Fatalf("expected first session id to stick, got %q", proc.SessionID())
	}
}

func TestResumeSessionIsPassedOnFirstSpawn(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(scriptedTurn("sess-old", "ok", nil)...)
	}}
	proc := NewCCProcess("alpha", schema.UserConfig{RepoPath: "/tmp/repo"}, ProcessDeps{
		Runner:          runner,
		ResumeSessionID: "sess-old",
		AckTimeout:      500 * time.Millisecond,
	})
	defer proc.Destroy()
	if proc.SessionID() != "sess-old" {
		t.Fatalf("expected continuation id before spawn, got %q", proc.SessionID())
	}
	if _, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := runner.lastStart().ResumeSessionID; got != "sess-old" {
		t.Fatalf("expected resume id, got %q", got)
	}
	if got := runner.handle(0).sessionAt(0); got != "sess-old" {
		t.Fatalf("expected continuation marker on the first turn, got %q", got)
	}
}

func TestAckTimeoutReturnsRunningWithoutSession(t *testing.T) {
	runner := &fakeRunner{}
	proc := NewCCProcess("alpha", schema.UserConfig{RepoPath: "/tmp/repo"}, ProcessDeps{
		Runner:     runner,
		AckTimeout: 30 * time.Millisecond,
	})
	defer proc.Destroy()
	res, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.State != schema.StateRunning || res.SessionID != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSendToCCWithoutChildFails(t *testing.T) {
	runner := &fakeRunner{}
	proc := newTestProcess(runner, &eventRecorder{}, schema.UserConfig{})
	if err := proc.SendToCC(context.Background(), "more"); !errors.Is(err, schema.ErrNotRunning) {
		t.Fatalf("expected not running, got %v", err)
	}
	if proc.State() != schema.StateIdle || runner.startCount() != 0 {
		t.Fatalf("send_to_cc must not mutate state or spawn")
	}
}

func TestSendToCCWritesToLiveChild(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		if text == "first" {
			h.emit(schema.StreamEvent{Kind: schema.KindMessageStart})
		}
	}}
	proc := newTestProcess(runner, &eventRecorder{}, schema.UserConfig{})
	defer proc.Destroy()
	if _, err := proc.SendMessage(context.Background(), "first", schema.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := proc.SendToCC(context.Background(), "also this"); err != nil {
		t.Fatalf("send_to_cc: %v", err)
	}
	if runner.handle(0).turnCount() != 2 || runner.startCount() != 1 {
		t.Fatalf("expected follow-up on the same child")
	}
}

func TestPermissionPromptFlow(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(
			schema.StreamEvent{Kind: schema.KindMessageStart},
			schema.StreamEvent{Kind: schema.KindControlRequest, Permission: &schema.PermissionRequest{RequestID: "req-1", ToolName: "Bash"}},
		)
	}}
	proc := newTestProcess(runner, &eventRecorder{}, schema.UserConfig{})
	defer proc.Destroy()
	if _, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "permission prompt", func() bool { return proc.State() == schema.StateWaitingPermission })

	if _, err := proc.SendMessage(context.Background(), "again", schema.SendOptions{}); !errors.Is(err, schema.ErrBusy) {
		t.Fatalf("expected busy while waiting permission, got %v", err)
	}
	if err := proc.RespondPermission(context.Background(), "req-other", true, ""); !errors.Is(err, schema.ErrNoPermissionRequest) {
		t.Fatalf("expected mismatched request to fail, got %v", err)
	}
	if err := proc.RespondPermission(context.Background(), "", true, ""); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if proc.State() != schema.StateRunning {
		t.Fatalf("expected running after answer, got %s", proc.State())
	}
	if got := runner.handle(0).permissionRequests(); len(got) != 1 || got[0] != "req-1" {
		t.Fatalf("unexpected permission replies: %v", got)
	}
	if err := proc.RespondPermission(context.Background(), "req-1", true, ""); !errors.Is(err, schema.ErrNoPermissionRequest) {
		t.Fatalf("expected no pending request, got %v", err)
	}
}

func TestIdleTimeoutMovesToError(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(schema.StreamEvent{Kind: schema.KindMessageStart})
	}}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{IdleTimeout: 50 * time.Millisecond})
	defer proc.Destroy()
	if _, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "process exit", func() bool { return len(rec.exits()) == 1 })

	status := proc.Status()
	if status.State != schema.StateError {
		t.Fatalf("expected error state, got %s", status.State)
	}
	if status.LastError != schema.ErrIdleTimeout.Error() {
		t.Fatalf("expected idle timeout error, got %q", status.LastError)
	}
	if exit := rec.exits()[0]; exit.Reason != "idle timeout" {
		t.Fatalf("unexpected exit: %+v", exit)
	}
	if _, err := proc.SendMessage(context.Background(), "again", schema.SendOptions{}); !errors.Is(err, schema.ErrProcessExited) {
		t.Fatalf("expected terminal instance to refuse sends, got %v", err)
	}
}

func TestHangTimeoutKillsChild(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(schema.StreamEvent{Kind: schema.KindMessageStart})
	}}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{HangTimeout: 60 * time.Millisecond})
	defer proc.Destroy()
	if _, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "process exit", func() bool { return len(rec.exits()) == 1 })

	status := proc.Status()
	if status.State != schema.StateExited || status.LastError != schema.ErrHangTimeout.Error() {
		t.Fatalf("unexpected status: %+v", status)
	}
	if exit := rec.exits()[0]; exit.Reason != "hang timeout" || exit.Signal == "" {
		t.Fatalf("unexpected exit: %+v", exit)
	}
}

func TestIdleWarmChildIsReleased(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(scriptedTurn("sess-1", "ok", nil)...)
	}}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{IdleTimeout: 50 * time.Millisecond})
	defer proc.Destroy()
	if _, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "warm child release", func() bool { return len(rec.exits()) == 1 })
	status := proc.Status()
	if status.State != schema.StateExited || status.LastError != "" {
		t.Fatalf("expected clean exit, got %+v", status)
	}
	if exit := rec.exits()[0]; exit.Reason != "idle" {
		t.Fatalf("unexpected exit reason %q", exit.Reason)
	}
}

func TestWarmReuseCancelsPendingRelease(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(scriptedTurn("sess-1", "ok", nil)...)
	}}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{IdleTimeout: 40 * time.Millisecond})
	defer proc.Destroy()
	if _, err := proc.SendMessage(context.Background(), "one", schema.SendOptions{}); err != nil {
		t.Fatalf("send one: %v", err)
	}
	waitFor(t, "first turn", func() bool { return proc.State() == schema.StateIdle })

	h := runner.handle(0)
	h.mu.Lock()
	h.sendDelay = 120 * time.Millisecond
	h.mu.Unlock()
	if _, err := proc.SendMessage(context.Background(), "two", schema.SendOptions{}); err != nil {
		t.Fatalf("send two: %v", err)
	}
	waitFor(t, "warm child release", func() bool { return len(rec.exits()) == 1 })
	if turns := proc.Status().Turns; turns != 2 {
		t.Fatalf("expected two turns, got %d", turns)
	}
	if exit := rec.exits()[0]; exit.Reason != "idle" {
		t.Fatalf("slow stdin write must not be treated as an idle turn, got exit %+v", exit)
	}
	if runner.startCount() != 1 {
		t.Fatalf("expected a single spawn, got %d", runner.startCount())
	}
}

func TestSpawnFailureMovesToError(t *testing.T) {
	runner := &fakeRunner{err: errSpawn}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{})
	_, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) || !errors.Is(err, errSpawn) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if proc.State() != schema.StateError {
		t.Fatalf("expected error state, got %s", proc.State())
	}
	events := rec.snapshot()
	if len(events) != 2 || events[0].Event.Kind != schema.KindStderr || events[1].Exit == nil {
		t.Fatalf("expected error and exit events, got %+v", events)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	runner := &fakeRunner{onTurn: func(h *fakeHandle, text string) {
		h.emit(schema.StreamEvent{Kind: schema.KindMessageStart})
	}}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{})
	if _, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	proc.Destroy()
	proc.Destroy()
	if proc.State() != schema.StateExited {
		t.Fatalf("expected exited, got %s", proc.State())
	}
	exits := rec.exits()
	if len(exits) != 1 || exits[0].Reason != "destroyed" {
		t.Fatalf("expected a single destroyed exit, got %+v", exits)
	}
	if err := proc.SendToCC(context.Background(), "late"); !errors.Is(err, schema.ErrNotRunning) {
		t.Fatalf("expected not running after destroy, got %v", err)
	}
}

func TestDestroyBeforeSpawn(t *testing.T) {
	runner := &fakeRunner{}
	rec := &eventRecorder{}
	proc := newTestProcess(runner, rec, schema.UserConfig{})
	proc.Destroy()
	if proc.State() != schema.StateExited {
		t.Fatalf("expected exited, got %s", proc.State())
	}
	if _, err := proc.SendMessage(context.Background(), "hi", schema.SendOptions{}); !errors.Is(err, schema.ErrProcessExited) {
		t.Fatalf("expected exited error, got %v", err)
	}
	if runner.startCount() != 0 {
		t.Fatalf("destroyed process must not spawn")
	}
}
