//go:build ignore

// stale_daemon_drill exercises the daemon lifecycle guarantees end to end.
// It builds the clawgate binary, runs it in a throwaway home, SIGKILLs it
// so clawgate.pid and daemon.json are left behind, and then proves:
//   - the leftover state reads as stale, not running
//   - a fresh start recovers over the stale files without manual cleanup
//   - a graceful stop removes both state files
//
// Usage:
//
//	go run ./tools/verify/stale_daemon_drill/main.go
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clawgate/internal/daemon"
)

type harness struct {
	binPath string
	home    string
	addr    string
	env     []string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (stale_daemon_drill)")
}

func run() error {
	h, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Println("[1/4] first start")
	first, err := h.launch()
	if err != nil {
		return err
	}
	st := daemon.Check(h.home)
	if !st.Running {
		h.reap(first)
		return fmt.Errorf("fresh daemon not recorded as running: %+v", st)
	}
	firstPID := st.PID
	fmt.Printf("      recorded pid=%d\n", firstPID)

	fmt.Println("[2/4] SIGKILL, then inspect the leftovers")
	if err := first.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("deliver SIGKILL: %w", err)
	}
	_ = first.Wait()
	switch st = daemon.Check(h.home); {
	case st.Running:
		return fmt.Errorf("dead pid %d still reads as running", st.PID)
	case !st.Stale:
		return fmt.Errorf("leftover state not flagged stale: %+v", st)
	}
	fmt.Printf("      STALE_CHECK ok (pid=%d gone, files remain)\n", st.PID)

	// Let the kernel release the port before rebinding.
	time.Sleep(500 * time.Millisecond)

	fmt.Println("[3/4] restart over the stale files")
	second, err := h.launch()
	if err != nil {
		return err
	}
	st = daemon.Check(h.home)
	if !st.Running || st.PID == firstPID {
		h.reap(second)
		return fmt.Errorf("recovery failed: running=%v pid=%d (old pid %d)", st.Running, st.PID, firstPID)
	}
	fmt.Printf("      RECOVERY_CHECK ok (new pid=%d)\n", st.PID)

	fmt.Println("[4/4] graceful stop clears state")
	if err := second.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("deliver SIGTERM: %w", err)
	}
	exited := make(chan struct{})
	go func() { _ = second.Wait(); close(exited) }()
	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		h.reap(second)
		return fmt.Errorf("daemon ignored SIGTERM for 10s")
	}
	for _, name := range []string{"clawgate.pid", "daemon.json"} {
		if _, err := os.Stat(filepath.Join(h.home, name)); !os.IsNotExist(err) {
			return fmt.Errorf("%s survived the graceful stop", name)
		}
	}
	fmt.Println("      CLEAN_CHECK ok (clawgate.pid and daemon.json removed)")

	return nil
}

// setup builds the binary and prepares a throwaway home bound to a free
// loopback port. The returned cleanup removes both temp directories.
func setup() (*harness, func(), error) {
	root, err := moduleRoot()
	if err != nil {
		return nil, nil, err
	}
	binDir, err := os.MkdirTemp("", "stale-drill-bin-*")
	if err != nil {
		return nil, nil, fmt.Errorf("temp bin dir: %w", err)
	}
	home, err := os.MkdirTemp("", "stale-drill-home-*")
	if err != nil {
		_ = os.RemoveAll(binDir)
		return nil, nil, fmt.Errorf("temp home dir: %w", err)
	}
	cleanup := func() {
		_ = os.RemoveAll(binDir)
		_ = os.RemoveAll(home)
	}

	h := &harness{
		binPath: filepath.Join(binDir, "clawgate"),
		home:    home,
	}

	fmt.Println("[0/4] build clawgate")
	build := exec.Command("go", "build", "-o", h.binPath, "./cmd/clawgate")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("go build: %w", err)
	}

	port, err := pickFreePort()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	h.addr = fmt.Sprintf("127.0.0.1:%d", port)
	cfg := fmt.Sprintf("bind_host: 127.0.0.1\nbind_port: %d\n", port)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("seed config.yaml: %w", err)
	}
	h.env = append(os.Environ(), "CLAWGATE_HOME="+home)
	return h, cleanup, nil
}

// launch starts `clawgate run` and blocks until /health answers.
func (h *harness) launch() (*exec.Cmd, error) {
	cmd := exec.Command(h.binPath, "run")
	cmd.Env = h.env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s run: %w", h.binPath, err)
	}
	if err := h.waitHealthy(10 * time.Second); err != nil {
		h.reap(cmd)
		return nil, err
	}
	return cmd, nil
}

func (h *harness) reap(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

func (h *harness) waitHealthy(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client := &http.Client{Timeout: time.Second}
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		resp, err := client.Get("http://" + h.addr + "/health")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no healthy answer from %s within %v", h.addr, timeout)
		case <-tick.C:
		}
	}
}

func moduleRoot() (string, error) {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		return "", fmt.Errorf("locate module root: %w", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		return "", fmt.Errorf("not inside a module (GOMOD=%q)", gomod)
	}
	return filepath.Dir(gomod), nil
}

func pickFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserve loopback port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}
