package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/credentials"
	"github.com/basket/clawgate/internal/daemon"
)

var clientsHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))

func runClientsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("clients", flag.ContinueOnError)
	revoke := fs.String("revoke", "", "revoke the client with this id")
	jsonOut := fs.Bool("json", false, "print machine-readable listing")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: config: %v\n", err)
		return 1
	}

	if *revoke != "" {
		return revokeClient(ctx, cfg, *revoke)
	}

	list, err := listClients(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: clients: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(list)
		return 0
	}
	fmt.Fprint(os.Stdout, renderClients(list, isTTY()))
	return 0
}

// listClients prefers the running daemon's view over direct file reads so the
// listing reflects in-flight pairings.
func listClients(ctx context.Context, cfg config.Config) ([]credentials.Client, error) {
	if st := daemon.Check(cfg.HomeDir); st.Running && st.Record != nil {
		token, err := readGatewayToken(cfg.HomeDir)
		if err != nil {
			return nil, fmt.Errorf("daemon is running but its gateway token is unreadable: %w", err)
		}
		raw, err := rpcCall(ctx, st.Record, token, "clients.list", nil)
		if err != nil {
			return nil, err
		}
		var list []credentials.Client
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode client list: %w", err)
		}
		return list, nil
	}
	return credentials.NewManager(cfg.HomeDir, nil).Clients()
}

func revokeClient(ctx context.Context, cfg config.Config, clientID string) int {
	revoked, err := doRevoke(ctx, cfg, clientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: revoke: %v\n", err)
		return 1
	}
	if !revoked {
		fmt.Fprintf(os.Stderr, "no active client %q\n", clientID)
		return 1
	}
	fmt.Printf("revoked %s\n", clientID)
	return 0
}

func doRevoke(ctx context.Context, cfg config.Config, clientID string) (bool, error) {
	if st := daemon.Check(cfg.HomeDir); st.Running && st.Record != nil {
		token, err := readGatewayToken(cfg.HomeDir)
		if err != nil {
			return false, fmt.Errorf("daemon is running but its gateway token is unreadable: %w", err)
		}
		raw, err := rpcCall(ctx, st.Record, token, "clients.revoke", map[string]any{"clientId": clientID})
		if err != nil {
			return false, err
		}
		var res struct {
			Revoked bool `json:"revoked"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return false, fmt.Errorf("decode revoke result: %w", err)
		}
		return res.Revoked, nil
	}
	return credentials.NewManager(cfg.HomeDir, nil).RevokeClient(clientID)
}

func renderClients(list []credentials.Client, pretty bool) string {
	if len(list) == 0 {
		return "no paired devices\n"
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	header := "ID\tLABEL\tPAIRED"
	if pretty {
		header = clientsHeaderStyle.Render(header)
	}
	fmt.Fprintln(tw, header)
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Label, c.TokenIssuedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
	return b.String()
}

// runRotateCommand exchanges a live access token for a fresh one. The old
// token dies in the same store write that mints its replacement.
func runRotateCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("rotate", flag.ContinueOnError)
	tokenFlag := fs.String("token", "", "current access token to rotate")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tokenFlag == "" {
		fmt.Fprintln(os.Stderr, "clawgate: rotate: --token is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: config: %v\n", err)
		return 1
	}

	grant, err := rotateToken(ctx, cfg, *tokenFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: rotate: %v\n", err)
		return 1
	}
	if grant == nil {
		fmt.Fprintln(os.Stderr, "clawgate: rotate: token invalid or revoked")
		return 1
	}
	if isTTY() {
		fmt.Printf("new token (shown once): %s\n", pairCodeStyle.Render(grant.Token))
	} else {
		fmt.Println(grant.Token)
	}
	fmt.Fprintf(os.Stderr, "client %s (%s) keeps its identity; the old token is dead\n", grant.Client.ID, grant.Client.Label)
	return 0
}

func rotateToken(ctx context.Context, cfg config.Config, current string) (*credentials.TokenGrant, error) {
	if st := daemon.Check(cfg.HomeDir); st.Running && st.Record != nil {
		gw, err := readGatewayToken(cfg.HomeDir)
		if err != nil {
			return nil, fmt.Errorf("daemon is running but its gateway token is unreadable: %w", err)
		}
		raw, err := rpcCall(ctx, st.Record, gw, "token.rotate", map[string]any{"token": current})
		if err != nil {
			return nil, err
		}
		var grant credentials.TokenGrant
		if err := json.Unmarshal(raw, &grant); err != nil {
			return nil, fmt.Errorf("decode token grant: %w", err)
		}
		return &grant, nil
	}
	return credentials.NewManager(cfg.HomeDir, nil).RotateToken(current)
}
