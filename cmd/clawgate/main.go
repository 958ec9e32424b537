package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/clawgate/internal/bus"
	"github.com/basket/clawgate/internal/channels"
	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/credentials"
	"github.com/basket/clawgate/internal/daemon"
	"github.com/basket/clawgate/internal/gateway"
	"github.com/basket/clawgate/internal/hooks"
	"github.com/basket/clawgate/internal/loopback"
	otelPkg "github.com/basket/clawgate/internal/otel"
	"github.com/basket/clawgate/internal/sched"
	"github.com/basket/clawgate/internal/sessions"
	"github.com/basket/clawgate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON:
  %s start [--host H] [--port P]   Start the gateway daemon in the background
  %s start --foreground            Run the daemon in this terminal
  %s stop                          Stop the running daemon
  %s status [-json]                Show daemon state and gateway health

PAIRING AND CLIENTS:
  %s pair [--label L] [--ttl D]    Mint a pairing code for a new device
  %s clients [-json]               List paired devices
  %s clients --revoke <id>         Revoke a device's access token
  %s rotate --token <token>        Exchange an access token for a fresh one

DIAGNOSTICS:
  %s doctor [-json]                Run health checks over the installation
  %s tail                          Live view of gateway broadcast events

ENVIRONMENT VARIABLES:
  CLAWGATE_HOME            Data directory (default: ~/.clawgate)
  CLAWGATE_GATEWAY_TOKEN   Static operator token for /rpc (overrides gateway.token)
  CLAWGATE_BIND_HOST       Bind host override
  CLAWGATE_BIND_PORT       Bind port override
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "version", "--version", "-v":
		fmt.Printf("clawgate %s\n", Version)
		os.Exit(0)
	case "start":
		os.Exit(runStartCommand(ctx, args[1:]))
	case "run":
		// Hidden: the detached child spawned by start, also usable under a
		// process supervisor.
		os.Exit(runDaemonCommand(ctx, args[1:]))
	case "stop":
		os.Exit(runStopCommand(args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "pair":
		os.Exit(runPairCommand(ctx, args[1:]))
	case "clients":
		os.Exit(runClientsCommand(ctx, args[1:]))
	case "rotate":
		os.Exit(runRotateCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "tail":
		os.Exit(runTailCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "clawgate: unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// runStartCommand launches the daemon. Default is a detached background
// process reached over /health; --foreground keeps it attached to the
// terminal for supervisors and debugging.
func runStartCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	host := fs.String("host", "", "bind host (overrides config)")
	port := fs.Int("port", 0, "bind port (overrides config)")
	foreground := fs.Bool("foreground", false, "run attached to this terminal")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: config: %v\n", err)
		return 1
	}
	if *host != "" {
		cfg.BindHost = *host
	}
	if *port != 0 {
		cfg.BindPort = *port
	}

	if st := daemon.Check(cfg.HomeDir); st.Running {
		fmt.Fprintf(os.Stderr, "clawgate: daemon already running (pid %d); run %s stop first\n", st.PID, os.Args[0])
		return 1
	}

	// First start against an empty store: mint a bootstrap pairing code now,
	// while no daemon owns the credential file, so the operator has something
	// to hand the first device.
	mgr := credentials.NewManager(cfg.HomeDir, nil)
	if summary, serr := mgr.Summary(); serr != nil {
		fmt.Fprintf(os.Stderr, "clawgate: warning: credential store unreadable: %v\n", serr)
	} else if summary.ActiveTokens == 0 && summary.PendingPairingCodes == 0 {
		if offer, cerr := mgr.CreatePairingCode("bootstrap", cfg.PairingTTL()); cerr != nil {
			fmt.Fprintf(os.Stderr, "clawgate: warning: bootstrap pairing code: %v\n", cerr)
		} else {
			fmt.Fprint(os.Stdout, renderPairingBanner(offer, isTTY()))
		}
	}

	if *foreground {
		return runDaemon(ctx, cfg, false)
	}

	pid, err := spawnDaemon(cfg, *host, *port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: spawn daemon: %v\n", err)
		return 1
	}
	if err := waitHealthy(ctx, cfg.BindAddr(), 5*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: daemon (pid %d) did not become healthy: %v\n", pid, err)
		fmt.Fprintf(os.Stderr, "clawgate: check %s\n", filepath.Join(cfg.HomeDir, "logs", "system.jsonl"))
		return 1
	}
	fmt.Printf("daemon started (pid %d) on %s\n", pid, cfg.BindAddr())
	return 0
}

func runDaemonCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	host := fs.String("host", "", "bind host (overrides config)")
	port := fs.Int("port", 0, "bind port (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: config: %v\n", err)
		return 1
	}
	if *host != "" {
		cfg.BindHost = *host
	}
	if *port != 0 {
		cfg.BindPort = *port
	}
	// Detached children have no terminal; keep their stdout silent and rely
	// on logs/system.jsonl.
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	return runDaemon(ctx, cfg, quiet)
}

// runDaemon wires the full gateway process: telemetry, bus, metrics, session
// store, credential manager, transport server, scheduler, channels, config
// watcher, then the listener. It blocks until ctx is cancelled or the HTTP
// server fails.
func runDaemon(ctx context.Context, cfg config.Config, quiet bool) int {
	if cfg.FirstRun {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fmt.Fprintf(os.Stderr, "clawgate: write default config: %v\n", err)
			return 1
		}
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("daemon: starting", "version", Version, "home", cfg.HomeDir, "addr", cfg.BindAddr())

	eventBus := bus.New()

	provider, err := otelPkg.Init(ctx, cfg.OTel, Version)
	if err != nil {
		return fatalStartup(logger, "otel", err)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(logger, "metrics", err)
	}

	store, err := sessions.Open(filepath.Join(cfg.HomeDir, "sessions.db"))
	if err != nil {
		return fatalStartup(logger, "sessions", err)
	}
	defer store.Close()

	creds := credentials.NewManager(cfg.HomeDir, logger)

	gatewayToken, err := loadGatewayToken(logger, cfg.HomeDir)
	if err != nil {
		return fatalStartup(logger, "gateway token", err)
	}

	engine := loopback.New(logger, store, eventBus, Version)
	dispatcher := hooks.NewDispatcher(logger, eventBus, cfg.Webhooks)

	srv, err := gateway.New(gateway.Config{
		Logger:       logger,
		Credentials:  creds,
		Engine:       engine,
		Webhook:      dispatcher.Handle,
		Bus:          eventBus,
		Tracer:       provider.Tracer,
		Metrics:      metrics,
		GatewayToken: gatewayToken,
		AllowOrigins: cfg.AllowOrigins,
		Version:      Version,
	})
	if err != nil {
		return fatalStartup(logger, "gateway", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go srv.Run(runCtx)

	scheduler := sched.NewScheduler(sched.Config{
		Schedules: cfg.Schedules,
		Bus:       eventBus,
		Logger:    logger,
		Heartbeat: time.Duration(cfg.HeartbeatIntervalMinutes) * time.Minute,
		Clients:   srv.ClientCount,
	})
	scheduler.Start(runCtx)
	defer scheduler.Stop()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("channels: telegram enabled but no token configured")
		} else {
			notifier := channels.NewTelegramNotifier(cfg.Channels.Telegram, eventBus, logger)
			go func() {
				if err := notifier.Start(runCtx); err != nil {
					logger.Error("channels: telegram stopped", "error", err)
				}
			}()
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(runCtx); err != nil {
		logger.Warn("config: watcher unavailable, live reload disabled", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, lerr := config.LoadFrom(cfg.HomeDir)
				if lerr != nil {
					logger.Warn("config: reload failed, keeping previous config", "error", lerr)
					continue
				}
				dispatcher.Reload(next.Webhooks)
				telemetry.SetLevel(next.LogLevel)
				eventBus.Publish(bus.TopicConfigReloaded, nil)
				logger.Info("config: reloaded", "webhooks", len(next.Webhooks), "log_level", next.LogLevel)
			}
		}()
	}

	ln, err := daemon.Bind(runCtx, logger, cfg.BindAddr())
	if err != nil {
		if errors.Is(err, daemon.ErrPortConflict) {
			fmt.Fprintf(os.Stderr, "clawgate: %s is taken by another process; try --port or stop the holder\n", cfg.BindAddr())
		}
		return fatalStartup(logger, "bind", err)
	}

	rec := daemon.Record{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Host:      cfg.BindHost,
		Port:      cfg.BindPort,
		Version:   Version,
	}
	if err := daemon.WriteState(cfg.HomeDir, rec); err != nil {
		ln.Close()
		return fatalStartup(logger, "daemon state", err)
	}

	server := &http.Server{Handler: srv.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway: listening", "addr", cfg.BindAddr())
		if serr := server.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			serverErr <- serr
		}
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("daemon: shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway: server failed", "error", err)
		exit = 1
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway: shutdown incomplete", "error", err)
	}
	cancel()

	if err := daemon.ClearState(cfg.HomeDir); err != nil {
		logger.Warn("daemon: clear state failed", "error", err)
	}
	logger.Info("daemon: shutdown complete")
	return exit
}

// fatalStartup reports a startup failure on both the structured log and
// stderr, then maps it to a non-zero exit.
func fatalStartup(logger *slog.Logger, stage string, err error) int {
	logger.Error("daemon: startup failed", "stage", stage, "error", err)
	fmt.Fprintf(os.Stderr, "clawgate: %s: %v\n", stage, err)
	return 1
}

// spawnDaemon re-executes this binary as a detached session leader running
// the hidden run subcommand. Host/port overrides travel as argv so the child
// does not depend on the parent's flag state.
func spawnDaemon(cfg config.Config, host string, port int) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	argv := []string{"run"}
	if host != "" {
		argv = append(argv, "--host", host)
	}
	if port != 0 {
		argv = append(argv, "--port", strconv.Itoa(port))
	}
	cmd := exec.Command(exe, argv...)
	cmd.Env = append(os.Environ(), "CLAWGATE_HOME="+cfg.HomeDir)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// waitHealthy polls GET /health until it answers 200 or the deadline passes.
func waitHealthy(ctx context.Context, addr string, timeout time.Duration) error {
	healthURL := "http://" + addr + "/health"
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health returned HTTP %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("timed out")
	}
	return lastErr
}

// loadGatewayToken resolves the static operator token: environment override,
// then the persisted gateway.token file, then a freshly generated one written
// with owner-only permissions.
func loadGatewayToken(logger *slog.Logger, homeDir string) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("CLAWGATE_GATEWAY_TOKEN")); tok != "" {
		return tok, nil
	}
	path := filepath.Join(homeDir, "gateway.token")
	if b, err := os.ReadFile(path); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	tok := uuid.NewString()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create clawgate home: %w", err)
	}
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist gateway token: %w", err)
	}
	if logger != nil {
		logger.Info("gateway token generated", "path", path)
	}
	return tok, nil
}

// readGatewayToken is the CLI-side lookup: it never generates, so a stray
// clients or pair call cannot race the daemon into a different token.
func readGatewayToken(homeDir string) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("CLAWGATE_GATEWAY_TOKEN")); tok != "" {
		return tok, nil
	}
	b, err := os.ReadFile(filepath.Join(homeDir, "gateway.token"))
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", errors.New("gateway.token is empty")
	}
	return tok, nil
}

// rpcCall posts one method to the running daemon's /rpc endpoint and unwraps
// the {ok, result, error} envelope.
func rpcCall(ctx context.Context, rec *daemon.Record, token, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(rec.Host, strconv.Itoa(rec.Port))
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, "http://"+addr+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("rpc %s: HTTP %d, undecodable body", method, resp.StatusCode)
	}
	if !env.OK {
		if env.Error == "" {
			env.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("rpc %s: %s", method, env.Error)
	}
	return env.Result, nil
}

func isTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}
