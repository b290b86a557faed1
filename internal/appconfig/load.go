package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/ccbridge/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("claude.binary", cfg.Claude.Binary)
	v.SetDefault("claude.args", cfg.Claude.Args)
	v.SetDefault("claude.env", cfg.Claude.Env)
	v.SetDefault("claude.claude_home", cfg.Claude.ClaudeHome)
	v.SetDefault("supervisor.default_model", cfg.Supervisor.DefaultModel)
	v.SetDefault("supervisor.default_repo", cfg.Supervisor.DefaultRepo)
	v.SetDefault("supervisor.max_turns", cfg.Supervisor.MaxTurns)
	v.SetDefault("supervisor.idle_timeout_seconds", cfg.Supervisor.IdleTimeoutSeconds)
	v.SetDefault("supervisor.hang_timeout_minutes", cfg.Supervisor.HangTimeoutMinutes)
	v.SetDefault("supervisor.ack_timeout_seconds", cfg.Supervisor.AckTimeoutSeconds)
	v.SetDefault("supervisor.permission_mode", cfg.Supervisor.PermissionMode)
	v.SetDefault("supervisor.log_capacity", cfg.Supervisor.LogCapacity)
	v.SetDefault("control.socket_dir", cfg.Control.SocketDir)
	v.SetDefault("control.shared_socket", cfg.Control.SharedSocket)
	v.SetDefault("control.per_agent_sockets", cfg.Control.PerAgentSockets)
	v.SetDefault("control.queue_depth", cfg.Control.QueueDepth)
	v.SetDefault("telegram.enabled", cfg.Telegram.Enabled)
	v.SetDefault("telegram.token", cfg.Telegram.Token)
	v.SetDefault("telegram.allowed_chats", cfg.Telegram.AllowedChats)
	v.SetDefault("telegram.default_repo", cfg.Telegram.DefaultRepo)
	v.SetDefault("telegram.default_model", cfg.Telegram.DefaultModel)
	v.SetDefault("telegram.agent_prefix", cfg.Telegram.AgentPrefix)
	v.SetDefault("telegram.edit_interval_ms", cfg.Telegram.EditIntervalMs)
	v.SetDefault("telegram.include_thinking", cfg.Telegram.IncludeThinking)
	v.SetDefault("telegram.dispatch_tools", cfg.Telegram.DispatchTools)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if token, ok := os.LookupEnv(TokenEnv); ok && strings.TrimSpace(token) != "" {
		cfg.Telegram.Token = strings.TrimSpace(token)
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if _, err := schema.NormalizeSupervisorConfig(cfg.SupervisorSettings()); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if _, err := schema.NormalizeControlConfig(cfg.ControlSettings()); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	if cfg.Telegram.DefaultModel != "" {
		if _, err := schema.NormalizeModelID(cfg.Telegram.DefaultModel); err != nil {
			return fmt.Errorf("telegram.default_model: %w", err)
		}
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when telegram is enabled (or set %s)", TokenEnv)
		}
		if len(cfg.Telegram.AllowedChats) == 0 {
			return fmt.Errorf("telegram.allowed_chats must list at least one chat when telegram is enabled")
		}
	}
	if cfg.Telegram.EditIntervalMs < 0 {
		return fmt.Errorf("telegram.edit_interval_ms must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Claude.Binary = expandEnv(cfg.Claude.Binary)
	cfg.Claude.ClaudeHome = expandEnv(cfg.Claude.ClaudeHome)
	for key, value := range cfg.Claude.Env {
		cfg.Claude.Env[key] = expandEnv(value)
	}
	cfg.Supervisor.DefaultRepo = expandEnv(cfg.Supervisor.DefaultRepo)
	cfg.Control.SocketDir = expandEnv(cfg.Control.SocketDir)
	cfg.Telegram.Token = expandEnv(cfg.Telegram.Token)
	cfg.Telegram.DefaultRepo = expandEnv(cfg.Telegram.DefaultRepo)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
