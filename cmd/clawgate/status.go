package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/daemon"
)

var (
	statusUpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	statusDownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	statusDimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// statusInfo is the status command's view of the daemon: recorded state
// backed by a liveness check, plus whatever /health reported when reachable.
type statusInfo struct {
	Running   bool           `json:"running"`
	Stale     bool           `json:"stale,omitempty"`
	PID       int            `json:"pid,omitempty"`
	Host      string         `json:"host,omitempty"`
	Port      int            `json:"port,omitempty"`
	Version   string         `json:"version,omitempty"`
	StartedAt time.Time      `json:"startedAt,omitempty"`
	Health    map[string]any `json:"health,omitempty"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print machine-readable status")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: config: %v\n", err)
		return 1
	}

	info := collectStatus(ctx, cfg)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(info)
	} else {
		fmt.Fprint(os.Stdout, renderStatus(info, isTTY()))
	}
	if !info.Running {
		return 1
	}
	return 0
}

func collectStatus(ctx context.Context, cfg config.Config) statusInfo {
	st := daemon.Check(cfg.HomeDir)
	info := statusInfo{Running: st.Running, Stale: st.Stale, PID: st.PID}
	if st.Record != nil {
		info.Host = st.Record.Host
		info.Port = st.Record.Port
		info.Version = st.Record.Version
		info.StartedAt = st.Record.StartedAt
	}
	if info.Running && info.Host != "" {
		addr := net.JoinHostPort(info.Host, strconv.Itoa(info.Port))
		if health, err := fetchHealth(ctx, addr); err == nil {
			info.Health = health
		}
	}
	return info
}

func fetchHealth(ctx context.Context, addr string) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned HTTP %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return health, nil
}

func renderStatus(info statusInfo, pretty bool) string {
	var b strings.Builder
	switch {
	case info.Running:
		state := "running"
		if pretty {
			state = statusUpStyle.Render("● running")
		}
		fmt.Fprintf(&b, "%s  pid %d", state, info.PID)
		if info.Host != "" {
			fmt.Fprintf(&b, "  %s", net.JoinHostPort(info.Host, strconv.Itoa(info.Port)))
		}
		if info.Version != "" {
			fmt.Fprintf(&b, "  %s", info.Version)
		}
		b.WriteString("\n")
		if !info.StartedAt.IsZero() {
			up := time.Since(info.StartedAt).Round(time.Second)
			line := fmt.Sprintf("up %s (since %s)", up, info.StartedAt.Local().Format("2006-01-02 15:04:05"))
			if pretty {
				line = statusDimStyle.Render(line)
			}
			b.WriteString(line + "\n")
		}
		// Process liveness and HTTP responsiveness can diverge; report both.
		if info.Health != nil {
			line := "gateway responding"
			if up, ok := info.Health["uptime"].(string); ok {
				line = fmt.Sprintf("gateway responding (uptime %s)", up)
			}
			if pretty {
				line = statusDimStyle.Render(line)
			}
			b.WriteString(line + "\n")
		} else {
			line := "process alive but gateway not responding on its recorded address"
			if pretty {
				line = statusWarnStyle.Render("▲ ") + line
			}
			b.WriteString(line + "\n")
		}
	case info.Stale:
		line := fmt.Sprintf("stale state: recorded pid %d is gone (a crash left files behind)", info.PID)
		if pretty {
			line = statusWarnStyle.Render("▲ ") + line
		}
		b.WriteString(line + "\n")
	default:
		line := "not running"
		if pretty {
			line = statusDownStyle.Render("○ " + line)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
