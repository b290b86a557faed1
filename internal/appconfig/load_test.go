package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(TokenEnv, "")
	path := filepath.Join(t.TempDir(), "missing.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("unexpected version: %d", cfg.ConfigVersion)
	}
	if cfg.Claude.Binary != "claude" || !cfg.Control.PerAgentSockets {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 9
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
state_dir: /tmp/ccbridge
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected missing version error, got %v", err)
	}
}

func TestLoadOverridesAndExpands(t *testing.T) {
	t.Setenv(TokenEnv, "")
	t.Setenv("CCB_TEST_ROOT", "/srv/ccb")
	path := writeConfig(t, `
config_version: 1
state_dir: $CCB_TEST_ROOT/state
supervisor:
  default_model: claude-sonnet-4
  idle_timeout_seconds: 30
  hang_timeout_minutes: 10
  permission_mode: acceptEdits
control:
  socket_dir: $CCB_TEST_ROOT/sock
  per_agent_sockets: false
telegram:
  enabled: true
  token: abc
  allowed_chats: [7, -1001]
  edit_interval_ms: 500
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != "/srv/ccb/state" || cfg.Control.SocketDir != "/srv/ccb/sock" {
		t.Fatalf("expected env expansion, got %q %q", cfg.StateDir, cfg.Control.SocketDir)
	}
	if cfg.Control.PerAgentSockets {
		t.Fatalf("expected per-agent sockets off")
	}
	sup := cfg.SupervisorSettings()
	if sup.IdleTimeout != 30*time.Second || sup.HangTimeout != 10*time.Minute {
		t.Fatalf("unexpected timeouts: %+v", sup)
	}
	if string(sup.PermissionMode) != "acceptEdits" || string(sup.DefaultModel) != "claude-sonnet-4" {
		t.Fatalf("unexpected supervisor settings: %+v", sup)
	}
	if len(cfg.Telegram.AllowedChats) != 2 || cfg.Telegram.AllowedChats[1] != -1001 {
		t.Fatalf("unexpected chats: %v", cfg.Telegram.AllowedChats)
	}
	if cfg.Telegram.AgentPrefix != "tg" {
		t.Fatalf("expected default agent prefix, got %q", cfg.Telegram.AgentPrefix)
	}
}

func TestLoadTokenFromEnvironment(t *testing.T) {
	t.Setenv(TokenEnv, "from-env")
	path := writeConfig(t, `
config_version: 1
telegram:
  enabled: true
  token: from-file
  allowed_chats: [1]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("expected env token, got %q", cfg.Telegram.Token)
	}
}

func TestLoadRejectsEnabledTelegramWithoutToken(t *testing.T) {
	t.Setenv(TokenEnv, "")
	path := writeConfig(t, `
config_version: 1
telegram:
  enabled: true
  allowed_chats: [1]
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestLoadRejectsInvalidPermissionMode(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
supervisor:
  permission_mode: yolo
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "supervisor") {
		t.Fatalf("expected permission mode error, got %v", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected written default to load: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
