package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/daemon"
)

// runStopCommand terminates the recorded daemon and reports which stop path
// ran. Already-stopped is not an error; lingering state files get cleared
// either way.
func runStopCommand(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 5*time.Second, "grace period before SIGKILL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: config: %v\n", err)
		return 1
	}

	// Stop logs its escalation steps; keep those off the terminal.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := daemon.Stop(quiet, cfg.HomeDir, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: stop: %v\n", err)
		return 1
	}
	switch {
	case res.AlreadyStopped:
		fmt.Println("daemon was not running; state cleared")
	case res.Forced:
		fmt.Println("daemon killed after grace period")
	default:
		fmt.Println("daemon stopped")
	}
	return 0
}
