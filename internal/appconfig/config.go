package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"pkt.systems/ccbridge/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string           `mapstructure:"state_dir" yaml:"state_dir"`
	Claude        ClaudeConfig     `mapstructure:"claude" yaml:"claude"`
	Supervisor    SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Control       ControlConfig    `mapstructure:"control" yaml:"control"`
	Telegram      TelegramConfig   `mapstructure:"telegram" yaml:"telegram"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// TokenEnv names the environment variable that overrides telegram.token.
const TokenEnv = "TELEGRAM_BOT_TOKEN"

// ClaudeConfig controls how the claude CLI is spawned.
type ClaudeConfig struct {
	Binary     string            `mapstructure:"binary" yaml:"binary"`
	Args       []string          `mapstructure:"args" yaml:"args"`
	Env        map[string]string `mapstructure:"env" yaml:"env"`
	ClaudeHome string            `mapstructure:"claude_home" yaml:"claude_home"`
}

// SupervisorConfig holds agent defaults and limits.
type SupervisorConfig struct {
	DefaultModel       string `mapstructure:"default_model" yaml:"default_model"`
	DefaultRepo        string `mapstructure:"default_repo" yaml:"default_repo"`
	MaxTurns           int    `mapstructure:"max_turns" yaml:"max_turns"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
	HangTimeoutMinutes int    `mapstructure:"hang_timeout_minutes" yaml:"hang_timeout_minutes"`
	AckTimeoutSeconds  int    `mapstructure:"ack_timeout_seconds" yaml:"ack_timeout_seconds"`
	PermissionMode     string `mapstructure:"permission_mode" yaml:"permission_mode"`
	LogCapacity        int    `mapstructure:"log_capacity" yaml:"log_capacity"`
}

// ControlConfig configures the control sockets.
type ControlConfig struct {
	SocketDir       string `mapstructure:"socket_dir" yaml:"socket_dir"`
	SharedSocket    string `mapstructure:"shared_socket" yaml:"shared_socket"`
	PerAgentSockets bool   `mapstructure:"per_agent_sockets" yaml:"per_agent_sockets"`
	QueueDepth      int    `mapstructure:"queue_depth" yaml:"queue_depth"`
}

// TelegramConfig configures the optional chat bridge.
type TelegramConfig struct {
	Enabled         bool     `mapstructure:"enabled" yaml:"enabled"`
	Token           string   `mapstructure:"token" yaml:"token"`
	AllowedChats    []int64  `mapstructure:"allowed_chats" yaml:"allowed_chats"`
	DefaultRepo     string   `mapstructure:"default_repo" yaml:"default_repo"`
	DefaultModel    string   `mapstructure:"default_model" yaml:"default_model"`
	AgentPrefix     string   `mapstructure:"agent_prefix" yaml:"agent_prefix"`
	EditIntervalMs  int      `mapstructure:"edit_interval_ms" yaml:"edit_interval_ms"`
	IncludeThinking bool     `mapstructure:"include_thinking" yaml:"include_thinking"`
	DispatchTools   []string `mapstructure:"dispatch_tools" yaml:"dispatch_tools"`
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".ccbridge", "config.yaml"), nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve home: %w", err)
	}
	base := filepath.Join(home, ".ccbridge")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		Claude: ClaudeConfig{
			Binary:     "claude",
			Args:       []string{},
			Env:        map[string]string{},
			ClaudeHome: filepath.Join(home, ".claude"),
		},
		Supervisor: SupervisorConfig{
			IdleTimeoutSeconds: int(schema.DefaultIdleTimeout / time.Second),
			HangTimeoutMinutes: int(schema.DefaultHangTimeout / time.Minute),
			AckTimeoutSeconds:  int(schema.DefaultAckTimeout / time.Second),
			PermissionMode:     string(schema.PermissionDefault),
			LogCapacity:        schema.DefaultLogCapacity,
		},
		Control: ControlConfig{
			SocketDir:       filepath.Join(base, "sockets"),
			SharedSocket:    schema.DefaultSharedSocket,
			PerAgentSockets: true,
			QueueDepth:      schema.DefaultQueueDepth,
		},
		Telegram: TelegramConfig{
			AllowedChats:   []int64{},
			AgentPrefix:    "tg",
			EditIntervalMs: 1500,
			DispatchTools:  []string{"dispatch_agent", "Task", "Agent"},
		},
	}, nil
}

// SupervisorSettings converts the file settings into schema.SupervisorConfig.
func (c Config) SupervisorSettings() schema.SupervisorConfig {
	return schema.SupervisorConfig{
		StateDir:       c.StateDir,
		ClaudeHome:     c.Claude.ClaudeHome,
		DefaultModel:   schema.ModelID(c.Supervisor.DefaultModel),
		DefaultRepo:    c.Supervisor.DefaultRepo,
		MaxTurns:       c.Supervisor.MaxTurns,
		IdleTimeout:    time.Duration(c.Supervisor.IdleTimeoutSeconds) * time.Second,
		HangTimeout:    time.Duration(c.Supervisor.HangTimeoutMinutes) * time.Minute,
		AckTimeout:     time.Duration(c.Supervisor.AckTimeoutSeconds) * time.Second,
		PermissionMode: schema.PermissionMode(c.Supervisor.PermissionMode),
		LogCapacity:    c.Supervisor.LogCapacity,
	}
}

// ControlSettings converts the file settings into schema.ControlConfig.
func (c Config) ControlSettings() schema.ControlConfig {
	return schema.ControlConfig{
		SocketDir:       c.Control.SocketDir,
		SharedSocket:    c.Control.SharedSocket,
		PerAgentSockets: c.Control.PerAgentSockets,
		QueueDepth:      c.Control.QueueDepth,
	}
}

// ClaudeEnv flattens the configured child environment into KEY=VALUE pairs.
func (c Config) ClaudeEnv() []string {
	if len(c.Claude.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Claude.Env))
	for key := range c.Claude.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+c.Claude.Env[key])
	}
	return env
}
