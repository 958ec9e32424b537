package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrPortConflict means the listen address stayed unavailable after the
// single kill-and-retry cycle.
var ErrPortConflict = errors.New("port conflict")

// ErrNotResponding means a stop did not converge within its deadline, even
// after escalating to SIGKILL.
var ErrNotResponding = errors.New("process not responding")

// Seams for tests; production uses the real exec and kill.
var (
	execCommandFunc = func(name string, args ...string) *exec.Cmd {
		return exec.Command(name, args...)
	}
	signalFunc = func(pid int, sig syscall.Signal) error {
		return syscall.Kill(pid, sig)
	}
	// bindGrace is the fixed wait between terminating a port holder and the
	// single bind retry.
	bindGrace = 1500 * time.Millisecond
)

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

// PortHolders shells out to find the PIDs currently listening on the port.
// The daemon's own PID is excluded.
func PortHolders(port int) ([]int, error) {
	cmd := execCommandFunc("lsof", "-ti", ":"+strconv.Itoa(port))
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("lsof: %w", err)
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid == os.Getpid() {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Bind attempts to listen on addr, recovering once from a stale listener:
// on address-in-use it terminates the identified port holders, waits a fixed
// grace period, and retries the bind exactly once. A second failure, or an
// unidentifiable holder, is fatal to the caller.
func Bind(ctx context.Context, logger *slog.Logger, addr string) (net.Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lc := &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !isAddrInUse(err) {
		return nil, err
	}

	_, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, fmt.Errorf("%w: %s in use: %v", ErrPortConflict, addr, err)
	}
	port, _ := strconv.Atoi(portStr)

	holders, herr := PortHolders(port)
	if herr != nil || len(holders) == 0 {
		return nil, fmt.Errorf("%w: %s in use and no holder identified: %v", ErrPortConflict, addr, err)
	}

	for _, pid := range holders {
		logger.Warn("daemon: terminating stale listener", "pid", pid, "addr", addr)
		if kerr := signalFunc(pid, syscall.SIGTERM); kerr != nil {
			logger.Warn("daemon: terminate failed", "pid", pid, "error", kerr)
		}
	}
	time.Sleep(bindGrace)

	// Exactly one retry; a second conflict propagates as fatal.
	ln, err = lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s still unavailable after terminating holders: %v", ErrPortConflict, addr, err)
	}
	logger.Info("daemon: bind recovered after terminating stale listener", "addr", addr)
	return ln, nil
}

// StopResult reports which stop path ran.
type StopResult struct {
	AlreadyStopped bool
	Forced         bool
}

// Stop terminates a recorded daemon: graceful signal, bounded liveness poll,
// SIGKILL escalation. Persisted state is always cleared as the final step so
// status checks after a stop are never stale.
func Stop(logger *slog.Logger, homeDir string, timeout time.Duration) (StopResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	pid, err := ReadPID(homeDir)
	if err != nil || !Alive(pid) {
		if cerr := ClearState(homeDir); cerr != nil {
			return StopResult{AlreadyStopped: true}, cerr
		}
		return StopResult{AlreadyStopped: true}, nil
	}

	logger.Info("daemon: stopping", "pid", pid)
	if err := signalFunc(pid, syscall.SIGTERM); err != nil {
		logger.Warn("daemon: graceful signal failed", "pid", pid, "error", err)
	}
	if waitExit(pid, timeout) {
		return StopResult{}, ClearState(homeDir)
	}

	logger.Warn("daemon: graceful stop timed out, escalating", "pid", pid)
	if err := signalFunc(pid, syscall.SIGKILL); err != nil {
		logger.Warn("daemon: kill failed", "pid", pid, "error", err)
	}
	if waitExit(pid, time.Second) {
		return StopResult{Forced: true}, ClearState(homeDir)
	}

	// Even a failed kill clears local state so status is not stuck on a zombie.
	if cerr := ClearState(homeDir); cerr != nil {
		logger.Warn("daemon: clear state failed", "error", cerr)
	}
	return StopResult{Forced: true}, fmt.Errorf("%w: pid %d survived SIGKILL", ErrNotResponding, pid)
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !Alive(pid)
}
