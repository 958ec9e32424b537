package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.FirstRun {
		t.Fatal("expected FirstRun with no config.yaml")
	}
	if cfg.BindHost != "127.0.0.1" || cfg.BindPort != 18789 {
		t.Fatalf("defaults = %s:%d", cfg.BindHost, cfg.BindPort)
	}
	if cfg.PairingTTLSeconds != 600 {
		t.Fatalf("pairing ttl default = %d", cfg.PairingTTLSeconds)
	}
	if cfg.BindAddr() != "127.0.0.1:18789" {
		t.Fatalf("bind addr = %q", cfg.BindAddr())
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	yaml := `
bind_host: 0.0.0.0
bind_port: 9000
log_level: debug
webhooks:
  deploy:
    - name: notify
      event: webhook.received
    - name: refresh
schedules:
  - name: ping
    cron: "*/5 * * * *"
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FirstRun {
		t.Fatal("FirstRun set despite existing config")
	}
	if cfg.BindHost != "0.0.0.0" || cfg.BindPort != 9000 {
		t.Fatalf("bind = %s:%d", cfg.BindHost, cfg.BindPort)
	}
	if got := len(cfg.Webhooks["deploy"]); got != 2 {
		t.Fatalf("deploy jobs = %d, want 2", got)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Cron != "*/5 * * * *" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
}

func TestEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWGATE_BIND_PORT", "7777")
	t.Setenv("CLAWGATE_LOG_LEVEL", "warn")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindPort != 7777 {
		t.Fatalf("bind port = %d, want env override 7777", cfg.BindPort)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestHomeDirOverride(t *testing.T) {
	t.Setenv("CLAWGATE_HOME", "/tmp/claw-home-test")
	if got := HomeDir(); got != "/tmp/claw-home-test" {
		t.Fatalf("home dir = %q", got)
	}
}

func TestWriteDefaultIdempotent(t *testing.T) {
	home := t.TempDir()
	if err := WriteDefault(home); err != nil {
		t.Fatalf("write default: %v", err)
	}
	// Second call must not clobber user edits.
	custom := []byte("bind_port: 1234\n")
	if err := os.WriteFile(ConfigPath(home), custom, 0o644); err != nil {
		t.Fatalf("write custom: %v", err)
	}
	if err := WriteDefault(home); err != nil {
		t.Fatalf("second write default: %v", err)
	}
	data, err := os.ReadFile(ConfigPath(home))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != string(custom) {
		t.Fatal("WriteDefault overwrote an existing config")
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindPort != 1234 {
		t.Fatalf("bind port = %d", cfg.BindPort)
	}
}
