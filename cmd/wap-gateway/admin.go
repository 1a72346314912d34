// ABOUTME: Operator subcommands: health, clients, pairing list/approve, allow list/add/remove
// ABOUTME: Pairing and allow commands open the SQLite store directly; others call the running server

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/wap-gateway/internal/account"
	"github.com/2389/wap-gateway/internal/auth"
	"github.com/2389/wap-gateway/internal/config"
	"github.com/2389/wap-gateway/internal/device"
	"github.com/2389/wap-gateway/internal/host"
	"github.com/2389/wap-gateway/internal/store"
)

// adminArgs holds the flags shared by the admin subcommands.
type adminArgs struct {
	accountID  string
	positional []string
}

// parseAdminArgs supports both "--account value" and "--account=value".
func parseAdminArgs(args []string) (adminArgs, error) {
	var out adminArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--account" || arg == "-a":
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", arg)
			}
			out.accountID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--account="):
			out.accountID = strings.TrimPrefix(arg, "--account=")
		case strings.HasPrefix(arg, "-"):
			return out, fmt.Errorf("unknown flag: %s", arg)
		default:
			out.positional = append(out.positional, arg)
		}
	}
	return out, nil
}

// serverURL is where admin subcommands reach the running gateway.
func serverURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		scheme := "http"
		if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
			scheme = "https"
		}
		return scheme + "://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	for _, path := range []string{"/health", "/health/ready"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL(cfg)+path, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if path == "/health" {
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			fmt.Println("healthy")
			continue
		}
		fmt.Println(string(body))
	}
	return nil
}

func runClients(ctx context.Context, args []string) error {
	parsed, err := parseAdminArgs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	acct := account.Resolve(cfg.Channel, parsed.accountID)
	if acct.AuthToken == "" {
		return fmt.Errorf("account %q has no auth_token configured", acct.AccountID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL(cfg)+"/api/clients", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acct.AuthToken)
	req.Header.Set(auth.AccountHeader, acct.AccountID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing clients: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("listing clients: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Clients []device.ClientInfo `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(out.Clients) == 0 {
		fmt.Printf("no devices connected for account %s\n", acct.AccountID)
		return nil
	}

	cyan := color.New(color.FgCyan)
	for _, c := range out.Clients {
		cyan.Printf("  %s", c.ID)
		fmt.Printf("  %-15s  connected %s\n", c.RemoteIP, time.Since(c.ConnectedAt).Round(time.Second))
	}
	return nil
}

// openStore opens the configured pairing store.
func openStore() (store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func runPairing(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: wap-gateway pairing <list|approve> ...")
	}
	parsed, err := parseAdminArgs(args[1:])
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	switch args[0] {
	case "list":
		return listPairings(ctx, s, parsed.accountID)
	case "approve":
		if len(parsed.positional) != 1 {
			return errors.New("usage: wap-gateway pairing approve <code>")
		}
		return approvePairing(ctx, s, parsed.positional[0])
	default:
		return fmt.Errorf("unknown pairing command: %s", args[0])
	}
}

func listPairings(ctx context.Context, s store.Store, accountID string) error {
	pending, err := s.ListPendingPairings(ctx, host.ChannelID, strings.TrimSpace(accountID))
	if err != nil {
		return fmt.Errorf("listing pairing requests: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending pairing requests")
		return nil
	}

	yellow := color.New(color.FgYellow)
	for _, p := range pending {
		yellow.Printf("  %s", p.Code)
		fmt.Printf("  account=%s  peer=%s", p.AccountID, p.PeerID)
		if name := p.Meta["name"]; name != "" && name != p.PeerID {
			fmt.Printf("  name=%s", name)
		}
		fmt.Printf("  requested %s ago\n", time.Since(time.UnixMilli(p.CreatedAt)).Round(time.Second))
	}
	return nil
}

func approvePairing(ctx context.Context, s store.Store, code string) error {
	p, err := s.ApprovePairing(ctx, host.ChannelID, code)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no pending request with code %s (expired or already approved)", strings.ToUpper(code))
	}
	if err != nil {
		return fmt.Errorf("approving pairing: %w", err)
	}

	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("approved %s for account %s\n", p.PeerID, p.AccountID)
	return nil
}

func runAllow(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: wap-gateway allow <list|add|remove> ...")
	}
	parsed, err := parseAdminArgs(args[1:])
	if err != nil {
		return err
	}
	accountID := account.NormalizeID(parsed.accountID)

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	switch args[0] {
	case "list":
		peers, err := s.ReadAllowFrom(ctx, host.ChannelID, accountID)
		if err != nil {
			return fmt.Errorf("reading allow-from: %w", err)
		}
		if len(peers) == 0 {
			fmt.Printf("no paired peers for account %s\n", accountID)
			return nil
		}
		for _, p := range peers {
			fmt.Printf("  %s\n", p)
		}
		return nil
	case "add", "remove":
		if len(parsed.positional) != 1 {
			return fmt.Errorf("usage: wap-gateway allow %s [--account ID] <peer>", args[0])
		}
		peer := account.NormalizePeerID(parsed.positional[0])
		verb := "allowed"
		if args[0] == "add" {
			err = s.AddAllowFrom(ctx, host.ChannelID, accountID, peer)
		} else {
			verb = "revoked"
			err = s.RemoveAllowFrom(ctx, host.ChannelID, accountID, peer)
		}
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s is not paired on account %s", peer, accountID)
		}
		if err != nil {
			return fmt.Errorf("updating allow-from: %w", err)
		}
		color.New(color.FgGreen).Print("  ✓ ")
		fmt.Printf("%s %s on account %s\n", verb, peer, accountID)
		return nil
	default:
		return fmt.Errorf("unknown allow command: %s", args[0])
	}
}
