// Package doctor diagnoses the clawgate environment: configuration, home
// directory, credential store, daemon liveness, and the session registry.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/credentials"
	"github.com/basket/clawgate/internal/daemon"
	"github.com/basket/clawgate/internal/sessions"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHomePermissions,
		checkCredentialStore,
		checkDaemon,
		checkPortTool,
		checkSessionsDB,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing (defaults in effect)",
			Detail:  fmt.Sprintf("A starter file is written to %s on first daemon start", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkHomePermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	// Secret-bearing files must not be readable by group or others.
	var loose []string
	for _, name := range []string{"credentials.json", "gateway.token"} {
		info, err := os.Stat(filepath.Join(cfg.HomeDir, name))
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0o077 != 0 {
			loose = append(loose, fmt.Sprintf("%s is mode %04o", name, info.Mode().Perm()))
		}
	}
	if len(loose) > 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  "WARN",
			Message: "Secret files readable by other users",
			Detail:  strings.Join(loose, ", "),
		}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable, secret file modes strict"}
}

func checkCredentialStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "Config missing"}
	}

	mgr := credentials.NewManager(cfg.HomeDir, nil)
	summary, err := mgr.Summary()
	if err != nil {
		return CheckResult{
			Name:    "Credentials",
			Status:  "FAIL",
			Message: fmt.Sprintf("Store unreadable: %v", err),
			Detail:  credentials.StorePath(cfg.HomeDir),
		}
	}
	if summary.ActiveTokens == 0 && summary.PendingPairingCodes == 0 {
		return CheckResult{Name: "Credentials", Status: "PASS", Message: "Store readable (no devices paired yet)"}
	}
	return CheckResult{
		Name:    "Credentials",
		Status:  "PASS",
		Message: fmt.Sprintf("Store readable: %d active tokens, %d pending pairing codes", summary.ActiveTokens, summary.PendingPairingCodes),
	}
}

func checkDaemon(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Daemon", Status: "SKIP", Message: "Config missing"}
	}

	st := daemon.Check(cfg.HomeDir)
	if st.Running {
		detail := ""
		if st.Record != nil {
			detail = fmt.Sprintf("listening on %s:%d, version %s", st.Record.Host, st.Record.Port, st.Record.Version)
		}
		return CheckResult{
			Name:    "Daemon",
			Status:  "PASS",
			Message: fmt.Sprintf("Running (pid %d)", st.PID),
			Detail:  detail,
		}
	}
	if st.Stale {
		return CheckResult{
			Name:    "Daemon",
			Status:  "WARN",
			Message: fmt.Sprintf("Stale state files (pid %d is gone)", st.PID),
			Detail:  "The next start replaces them after verifying the port is free",
		}
	}

	// No daemon: the configured port should be free to bind.
	ln, err := net.Listen("tcp", cfg.BindAddr())
	if err == nil {
		ln.Close()
		return CheckResult{Name: "Daemon", Status: "PASS", Message: fmt.Sprintf("Not running; %s is free", cfg.BindAddr())}
	}

	result := CheckResult{
		Name:    "Daemon",
		Status:  "FAIL",
		Message: fmt.Sprintf("Not running but %s is busy: %v", cfg.BindAddr(), err),
	}
	if pids, herr := daemon.PortHolders(cfg.BindPort); herr == nil && len(pids) > 0 {
		result.Detail = fmt.Sprintf("held by pid(s) %v", pids)
	}
	return result
}

func checkPortTool(_ context.Context, _ *config.Config) CheckResult {
	path, err := exec.LookPath("lsof")
	if err != nil {
		return CheckResult{
			Name:    "Port Tool",
			Status:  "WARN",
			Message: "lsof not found",
			Detail:  "Port-conflict diagnostics will not name the holding process",
		}
	}
	return CheckResult{Name: "Port Tool", Status: "PASS", Message: fmt.Sprintf("lsof found at %s", path)}
}

func checkSessionsDB(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sessions DB", Status: "SKIP", Message: "Config missing"}
	}

	path := filepath.Join(cfg.HomeDir, "sessions.db")
	store, err := sessions.Open(path)
	if err != nil {
		return CheckResult{Name: "Sessions DB", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer store.Close()

	count, err := store.Count(ctx)
	if err != nil {
		return CheckResult{Name: "Sessions DB", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Sessions DB", Status: "PASS", Message: fmt.Sprintf("Open and queryable (%d sessions)", count)}
}
