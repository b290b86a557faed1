package appconfig

import (
	"testing"
	"time"

	"pkt.systems/ccbridge/schema"
)

func TestDefaultConfigNormalizes(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Telegram.Enabled {
		t.Fatalf("expected telegram to default off")
	}
	sup, err := schema.NormalizeSupervisorConfig(cfg.SupervisorSettings())
	if err != nil {
		t.Fatalf("normalize supervisor: %v", err)
	}
	if sup.IdleTimeout != schema.DefaultIdleTimeout || sup.HangTimeout != schema.DefaultHangTimeout {
		t.Fatalf("unexpected timeouts: %+v", sup)
	}
	if sup.AckTimeout != 5*time.Second {
		t.Fatalf("unexpected ack timeout: %v", sup.AckTimeout)
	}
	if _, err := schema.NormalizeControlConfig(cfg.ControlSettings()); err != nil {
		t.Fatalf("normalize control: %v", err)
	}
}

func TestClaudeEnvIsSorted(t *testing.T) {
	cfg := Config{Claude: ClaudeConfig{Env: map[string]string{"B": "2", "A": "1"}}}
	env := cfg.ClaudeEnv()
	if len(env) != 2 || env[0] != "A=1" || env[1] != "B=2" {
		t.Fatalf("unexpected env: %v", env)
	}
	if (Config{}).ClaudeEnv() != nil {
		t.Fatalf("expected nil env for empty map")
	}
}
