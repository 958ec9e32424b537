package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/daemon"
)

// deadPID is above the default Linux pid_max, so no live process can hold it.
const deadPID = 99999999

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

// freePort grabs an ephemeral port and releases it for the check under test.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_FirstRun(t *testing.T) {
	cfg := loadTestConfig(t)
	if !cfg.FirstRun {
		t.Fatal("expected FirstRun for an empty home")
	}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for missing config.yaml, got %s", result.Status)
	}
}

func TestCheckConfig_Loaded(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("bind_port: 19001\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	result := checkConfig(context.Background(), &cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckHomePermissions_StrictModes(t *testing.T) {
	cfg := loadTestConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.HomeDir, "gateway.token"), []byte("cgt_x"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	result := checkHomePermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckHomePermissions_LooseTokenFile(t *testing.T) {
	cfg := loadTestConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.HomeDir, "gateway.token"), []byte("cgt_x"), 0o644); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	result := checkHomePermissions(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for world-readable token, got %s", result.Status)
	}
	if result.Detail == "" {
		t.Fatal("expected detail naming the loose file")
	}
}

func TestCheckCredentialStore_Empty(t *testing.T) {
	cfg := loadTestConfig(t)
	result := checkCredentialStore(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for missing store, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckCredentialStore_Corrupt(t *testing.T) {
	cfg := loadTestConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.HomeDir, "credentials.json"), []byte("{broken"), 0o600); err != nil {
		t.Fatalf("write store: %v", err)
	}
	result := checkCredentialStore(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for corrupt store, got %s", result.Status)
	}
}

func TestCheckDaemon_NotRunningPortFree(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.BindPort = freePort(t)
	result := checkDaemon(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckDaemon_PortBusyWithoutDaemon(t *testing.T) {
	cfg := loadTestConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg.BindPort = ln.Addr().(*net.TCPAddr).Port

	result := checkDaemon(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for busy port, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckDaemon_Running(t *testing.T) {
	cfg := loadTestConfig(t)
	rec := daemon.Record{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Host:      "127.0.0.1",
		Port:      cfg.BindPort,
		Version:   "test",
	}
	if err := daemon.WriteState(cfg.HomeDir, rec); err != nil {
		t.Fatalf("write daemon state: %v", err)
	}
	result := checkDaemon(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for live daemon, got %s (%s)", result.Status, result.Message)
	}
	if result.Detail == "" {
		t.Fatal("expected detail from the daemon record")
	}
}

func TestCheckDaemon_StaleRecord(t *testing.T) {
	cfg := loadTestConfig(t)
	rec := daemon.Record{PID: deadPID, StartedAt: time.Now()}
	if err := daemon.WriteState(cfg.HomeDir, rec); err != nil {
		t.Fatalf("write daemon state: %v", err)
	}
	result := checkDaemon(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for stale record, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckPortTool(t *testing.T) {
	result := checkPortTool(context.Background(), nil)
	if result.Name != "Port Tool" {
		t.Fatalf("expected name Port Tool, got %s", result.Name)
	}
	// lsof may legitimately be absent in CI images.
	if result.Status != "PASS" && result.Status != "WARN" {
		t.Fatalf("expected PASS or WARN, got %s", result.Status)
	}
}

func TestCheckSessionsDB(t *testing.T) {
	cfg := loadTestConfig(t)
	result := checkSessionsDB(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestRun_AllChecksReport(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.BindPort = freePort(t)

	d := Run(context.Background(), cfg, "1.2.3")
	if d.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	if d.System.Version != "1.2.3" {
		t.Fatalf("expected version 1.2.3, got %s", d.System.Version)
	}

	want := []string{"Config", "Permissions", "Credentials", "Daemon", "Port Tool", "Sessions DB"}
	if len(d.Results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(d.Results))
	}
	for i, name := range want {
		if d.Results[i].Name != name {
			t.Fatalf("result %d: expected %s, got %s", i, name, d.Results[i].Name)
		}
	}
}
