// ABOUTME: Tests for the wap-gateway command helpers: argument parsing, config paths, init output and logging
// ABOUTME: Admin store commands run against the in-memory store

package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wap-gateway/internal/config"
	"github.com/2389/wap-gateway/internal/host"
	"github.com/2389/wap-gateway/internal/store"
)

func TestParseAdminArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		account    string
		positional []string
		wantErr    bool
	}{
		{name: "empty", args: nil},
		{name: "separate value", args: []string{"--account", "work", "wxid_a"}, account: "work", positional: []string{"wxid_a"}},
		{name: "short flag", args: []string{"wxid_a", "-a", "home"}, account: "home", positional: []string{"wxid_a"}},
		{name: "equals form", args: []string{"--account=work"}, account: "work"},
		{name: "missing value", args: []string{"--account"}, wantErr: true},
		{name: "unknown flag", args: []string{"--force"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAdminArgs(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.account, got.accountID)
			assert.Equal(t, tt.positional, got.positional)
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv(ConfigEnv, "/etc/wap/gateway.yaml")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/etc/wap/gateway.yaml", getConfigPath())

	t.Setenv(ConfigEnv, "")
	assert.Equal(t, filepath.Join("/xdg", "wap-gateway", "gateway.yaml"), getConfigPath())
}

func TestServerURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:8080"
	assert.Equal(t, "http://127.0.0.1:8080", serverURL(cfg))

	cfg.Tailscale.Enabled = true
	cfg.Tailscale.Hostname = "wap"
	assert.Equal(t, "http://wap", serverURL(cfg))

	cfg.Tailscale.Funnel = true
	assert.Equal(t, "https://wap", serverURL(cfg))
}

func TestRenderConfigParses(t *testing.T) {
	content := renderConfig(initAnswers{
		HTTPAddr:   "0.0.0.0:9000",
		DBPath:     "/tmp/wap/gateway.db",
		AuthToken:  "secret-token",
		DMPolicy:   "allowlist",
		WebhookURL: "http://localhost:3000/hooks/wap",
		Tailscale:  true,
		TSHostname: "wap-gw",
		TSFunnel:   true,
		LogLevel:   "debug",
		LogFormat:  "json",
	})

	cfg, err := config.Parse([]byte(content))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/wap/gateway.db", cfg.Database.Path)
	require.NotNil(t, cfg.Channel.AuthToken)
	assert.Equal(t, "secret-token", *cfg.Channel.AuthToken)
	require.NotNil(t, cfg.Channel.DMPolicy)
	assert.Equal(t, "allowlist", *cfg.Channel.DMPolicy)
	assert.Equal(t, "http://localhost:3000/hooks/wap", cfg.Host.WebhookURL)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.True(t, cfg.Tailscale.Funnel)
	assert.Equal(t, "wap-gw", cfg.Tailscale.Hostname)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestGenerateToken(t *testing.T) {
	a, err := generateToken()
	require.NoError(t, err)
	b, err := generateToken()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "=")
}

func TestColorHandler(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "gateway").WithGroup("conn").Info("device connected", "account", "work")
	logger.Warn("slow host", "ms", 1200)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF device connected component=gateway conn.account=work")
	assert.Contains(t, lines[1], "WRN slow host ms=1200")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestApprovePairing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	res, err := s.UpsertPairingRequest(ctx, host.PairingRequest{
		Channel:   host.ChannelID,
		AccountID: "default",
		PeerID:    "wxid_alice",
	})
	require.NoError(t, err)

	require.NoError(t, listPairings(ctx, s, ""))
	require.NoError(t, approvePairing(ctx, s, strings.ToLower(res.Code)))

	peers, err := s.ReadAllowFrom(ctx, host.ChannelID, "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"wxid_alice"}, peers)

	err = approvePairing(ctx, s, res.Code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired or already approved")
}
