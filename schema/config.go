package schema

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// SupervisorConfig defines defaults and limits for the agent supervisor.
type SupervisorConfig struct {
	StateDir       string
	ClaudeHome     string
	DefaultModel   ModelID
	DefaultRepo    string
	MaxTurns       int
	IdleTimeout    time.Duration
	HangTimeout    time.Duration
	AckTimeout     time.Duration
	PermissionMode PermissionMode
	LogCapacity    int
}

// ControlConfig describes the control-socket layout.
type ControlConfig struct {
	SocketDir       string
	SharedSocket    string
	PerAgentSockets bool
	QueueDepth      int
}

const (
	// DefaultIdleTimeout is the default stall window for a running turn.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultHangTimeout is the default ceiling on a child's lifetime.
	DefaultHangTimeout = 2 * time.Hour
	// DefaultAckTimeout bounds how long send_message waits for the child to start a turn.
	DefaultAckTimeout = 5 * time.Second
	// DefaultQueueDepth is the per-connection outgoing queue depth.
	DefaultQueueDepth = 256
	// DefaultSharedSocket is the shared supervisor socket file name.
	DefaultSharedSocket = "supervisor.sock"
)

// NormalizeSupervisorConfig applies defaults and validates the config.
func NormalizeSupervisorConfig(cfg SupervisorConfig) (SupervisorConfig, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return SupervisorConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".ccbridge", "state")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HangTimeout <= 0 {
		cfg.HangTimeout = DefaultHangTimeout
	}
	if cfg.HangTimeout < cfg.IdleTimeout {
		return SupervisorConfig{}, errors.New("hang timeout must not be shorter than idle timeout")
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = DefaultLogCapacity
	}
	if cfg.MaxTurns < 0 {
		return SupervisorConfig{}, errors.New("max turns must not be negative")
	}
	if cfg.DefaultModel != "" {
		model, err := NormalizeModelID(string(cfg.DefaultModel))
		if err != nil {
			return SupervisorConfig{}, err
		}
		cfg.DefaultModel = model
	}
	mode, err := NormalizePermissionMode(string(cfg.PermissionMode))
	if err != nil {
		return SupervisorConfig{}, err
	}
	cfg.PermissionMode = mode
	return cfg, nil
}

// NormalizeControlConfig applies defaults and validates the config.
func NormalizeControlConfig(cfg ControlConfig) (ControlConfig, error) {
	if cfg.SocketDir == "" {
		return ControlConfig{}, errors.New("socket dir is required")
	}
	if cfg.SharedSocket == "" {
		cfg.SharedSocket = DefaultSharedSocket
	}
	if filepath.Base(cfg.SharedSocket) != cfg.SharedSocket {
		return ControlConfig{}, errors.New("shared socket must be a file name")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return cfg, nil
}
