package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/credentials"
	"github.com/basket/clawgate/internal/daemon"
)

var (
	pairBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 2)
	pairTitleStyle = lipgloss.NewStyle().Bold(true)
	pairCodeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	pairDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func runPairCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	label := fs.String("label", "", "device label shown in clients listings")
	ttl := fs.Duration("ttl", 0, "pairing code lifetime (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: config: %v\n", err)
		return 1
	}

	offer, err := mintPairingCode(ctx, cfg, *label, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: pair: %v\n", err)
		return 1
	}
	fmt.Fprint(os.Stdout, renderPairingBanner(offer, isTTY()))
	return 0
}

// mintPairingCode goes through the running daemon's /rpc when one owns the
// credential file, and falls back to direct store access otherwise. Writing
// directly while a daemon is up would fork the store, so the daemon path is
// not optional.
func mintPairingCode(ctx context.Context, cfg config.Config, label string, ttl time.Duration) (credentials.PairingOffer, error) {
	if st := daemon.Check(cfg.HomeDir); st.Running && st.Record != nil {
		token, err := readGatewayToken(cfg.HomeDir)
		if err != nil {
			return credentials.PairingOffer{}, fmt.Errorf("daemon is running but its gateway token is unreadable: %w", err)
		}
		params := map[string]any{"label": label}
		if ttl > 0 {
			params["ttlSeconds"] = int(ttl / time.Second)
		}
		raw, err := rpcCall(ctx, st.Record, token, "pair.create", params)
		if err != nil {
			return credentials.PairingOffer{}, err
		}
		var offer credentials.PairingOffer
		if err := json.Unmarshal(raw, &offer); err != nil {
			return credentials.PairingOffer{}, fmt.Errorf("decode pairing offer: %w", err)
		}
		return offer, nil
	}

	if ttl <= 0 {
		ttl = cfg.PairingTTL()
	}
	return credentials.NewManager(cfg.HomeDir, nil).CreatePairingCode(label, ttl)
}

// renderPairingBanner shows the one-time plaintext code. Pretty output gets a
// bordered box; pipes get a single parseable line.
func renderPairingBanner(offer credentials.PairingOffer, pretty bool) string {
	expiresIn := time.Until(offer.ExpiresAt).Round(time.Second)
	if !pretty {
		return fmt.Sprintf("pairing code: %s  label: %s  expires in: %s\n", offer.Code, offer.Label, expiresIn)
	}
	lines := []string{
		pairTitleStyle.Render("Pairing code (shown once)"),
		"",
		pairCodeStyle.Render(offer.Code),
		"",
		pairDimStyle.Render(fmt.Sprintf("label %q, expires in %s", offer.Label, expiresIn)),
		pairDimStyle.Render(`exchange: POST /pair {"code":"<code>"}`),
	}
	return pairBoxStyle.Render(strings.Join(lines, "\n")) + "\n"
}
