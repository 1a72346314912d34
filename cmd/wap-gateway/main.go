// ABOUTME: Entry point for wap-gateway, the WeChat device to reply-engine bridge
// ABOUTME: Dispatches serve, init, health, clients, pairing and allow subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/wap-gateway/internal/config"
	"github.com/2389/wap-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                 _
__      ____ _ _ __         __ _  __ _| |_ _____      ____ _ _   _
\ \ /\ / / _' | '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 \ V  V / (_| | |_) |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \_/\_/ \__,_| .__/       \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
              |_|          |___/                             |___/
`

// ConfigEnv overrides the config file location.
const ConfigEnv = "WAP_GATEWAY_CONFIG"

// getConfigPath returns the path to the gateway config file.
// Priority: WAP_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/wap-gateway/gateway.yaml > ~/.config/wap-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv(ConfigEnv); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wap-gateway", "gateway.yaml")
}

// getDataPath returns the path to the wap-gateway data directory.
// Priority: XDG_DATA_HOME/wap-gateway > ~/.local/share/wap-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "wap-gateway")
}

func usage() {
	fmt.Println("Usage: wap-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the gateway server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  health                             Check gateway health")
	fmt.Println("  clients [--account ID]             List connected devices")
	fmt.Println("  pairing list [--account ID]        List pending pairing requests")
	fmt.Println("  pairing approve <code>             Approve a pairing request")
	fmt.Println("  allow list [--account ID]          List paired peers")
	fmt.Println("  allow add [--account ID] <peer>    Allow a peer without pairing")
	fmt.Println("  allow remove [--account ID] <peer> Revoke a paired peer")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "clients":
		err = runClients(ctx, os.Args[2:])
	case "pairing":
		err = runPairing(ctx, os.Args[2:])
	case "allow":
		err = runAllow(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Accounts:  %d configured\n", len(cfg.Channel.Accounts))
	green.Print("    ▶ ")
	if cfg.Host.WebhookURL != "" {
		fmt.Printf("Host:      %s\n", cfg.Host.WebhookURL)
	} else {
		fmt.Print("Host:      ")
		yellow.Println("not configured")
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting wap-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	go reloadOnHangup(ctx, gw, configPath)

	return gw.Run(ctx)
}

// reloadOnHangup re-reads the channel block on SIGHUP. Other sections need a
// restart to take effect.
func reloadOnHangup(ctx context.Context, gw *gateway.Gateway, configPath string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
				continue
			}
			gw.UpdateChannel(cfg.Channel)
		}
	}
}

// loadConfig loads the config for admin subcommands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no config at %s (run wap-gateway init): %w", getConfigPath(), err)
		}
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
