package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pkt.systems/ccbridge/core"
	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// Config controls how the claude CLI is invoked.
type Config struct {
	BinaryPath string
	ExtraArgs  []string
	Env        []string
}

// Runner implements core.Runner.
type Runner struct {
	cfg Config
}

// NewRunner constructs a claude stream-json runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "claude"
	}
	return &Runner{cfg: cfg}, nil
}

// Start launches a long-lived claude process that reads user turns from stdin.
// The child is not bound to ctx; its lifetime is controlled through the handle.
func (r *Runner) Start(ctx context.Context, req core.StartRequest) (core.ProcessHandle, error) {
	args := buildArgs(r.cfg, req)
	log := pslog.Ctx(ctx)
	if log != nil {
		log.Info(
			"claude start",
			"agent", req.Agent,
			"workdir", req.WorkingDir,
			"args_len", len(args),
			"model", req.Model,
			"permission_mode", req.PermissionMode,
			"resume", req.ResumeSessionID != "",
			"env_extra", len(r.cfg.Env),
		)
	}

	cmd := exec.Command(r.cfg.BinaryPath, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		if log != nil {
			log.Error("claude stdout failed", "err", err)
		}
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		if log != nil {
			log.Error("claude stderr failed", "err", err)
		}
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		if log != nil {
			log.Error("claude stdin failed", "err", err)
		}
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		if log != nil {
			log.Error("claude start failed", "err", err)
		}
		return nil, err
	}
	if log != nil && cmd.Process != nil {
		log.Info("claude started", "pid", cmd.Process.Pid)
	}

	// The reader must outlive the request that spawned the child.
	streamCtx := pslog.ContextWithLogger(context.Background(), log)
	handle := &processHandle{
		cmd:     cmd,
		stdin:   stdin,
		stream:  newOutputStream(streamCtx, stdout, stderr),
		log:     log,
		started: time.Now(),
	}
	return handle, nil
}

func buildArgs(cfg Config, req core.StartRequest) []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if req.Model != "" {
		args = append(args, "--model", string(req.Model))
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", string(req.PermissionMode))
	}
	if req.PermissionMode == schema.PermissionDefault {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	args = append(args, cfg.ExtraArgs...)
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", string(req.ResumeSessionID))
	}
	return args
}

type processHandle struct {
	cmd     *exec.Cmd
	stdinMu sync.Mutex
	stdin   io.WriteCloser
	closed  bool
	stream  *outputStream
	log     pslog.Logger
	started time.Time
}

func (p *processHandle) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *processHandle) Events() core.EventStream {
	return p.stream
}

func (p *processHandle) SendUserTurn(ctx context.Context, text string, sessionID schema.SessionID) error {
	line, err := encodeUserTurn(text, sessionID)
	if err != nil {
		return err
	}
	return p.writeLine(ctx, line)
}

func (p *processHandle) RespondPermission(ctx context.Context, requestID string, allow bool, message string) error {
	line, err := encodePermissionReply(requestID, allow, message)
	if err != nil {
		return err
	}
	return p.writeLine(ctx, line)
}

func (p *processHandle) writeLine(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.closed || p.stdin == nil {
		return schema.ErrNotRunning
	}
	if _, err := p.stdin.Write(line); err != nil {
		if p.log != nil {
			p.log.Warn("claude stdin write failed", "err", err)
		}
		return fmt.Errorf("%w: %v", schema.ErrNotRunning, err)
	}
	return nil
}

// Signal delivers sig to the child's process group, falling back to the child alone.
func (p *processHandle) Signal(ctx context.Context, sig core.ProcessSignal) error {
	_ = ctx
	pid := p.PID()
	if pid <= 0 {
		return errors.New("process not started")
	}
	var signal unix.Signal
	switch sig {
	case core.ProcessSignalINT:
		signal = unix.SIGINT
	case core.ProcessSignalTERM:
		signal = unix.SIGTERM
	case core.ProcessSignalKILL:
		signal = unix.SIGKILL
	default:
		return fmt.Errorf("unsupported signal: %s", sig)
	}
	if err := unix.Kill(-pid, signal); err == nil {
		return nil
	}
	return p.cmd.Process.Signal(signal)
}

func (p *processHandle) Wait(ctx context.Context) (core.RunResult, error) {
	_ = ctx
	if p.cmd == nil {
		return core.RunResult{}, fmt.Errorf("process not started")
	}
	err := p.cmd.Wait()
	signal := ""
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
			}
		} else {
			if p.log != nil {
				p.log.Error("claude wait failed", "err", err)
			}
			return core.RunResult{}, err
		}
	}
	if p.log != nil {
		fields := []any{
			"exit_code", exitCode,
			"duration_ms", time.Since(p.started).Milliseconds(),
		}
		if p.stream != nil {
			if session := p.stream.SessionID(); session != "" {
				fields = append(fields, "session", session)
			}
		}
		if signal != "" {
			fields = append(fields, "signal", signal)
		}
		if exitCode != 0 && signal == "" && p.stream != nil {
			if tail := p.stream.StderrTail(); len(tail) > 0 {
				fields = append(fields, "stderr_tail", strings.Join(tail, "\n"))
			}
			p.log.Warn("claude failed", fields...)
		} else {
			p.log.Info("claude finished", fields...)
		}
	}
	return core.RunResult{ExitCode: exitCode, Signal: signal}, nil
}

// Close closes stdin so the child sees EOF and stops the stream readers.
func (p *processHandle) Close() error {
	p.stdinMu.Lock()
	var err error
	if !p.closed && p.stdin != nil {
		err = p.stdin.Close()
	}
	p.closed = true
	p.stdinMu.Unlock()
	if p.stream != nil {
		_ = p.stream.Close()
	}
	return err
}
