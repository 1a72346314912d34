// ABOUTME: Gateway orchestrator that owns the HTTP/WebSocket server and every registry
// ABOUTME: Manages device connections, pairing store, relay and health endpoints lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/wap-gateway/internal/account"
	"github.com/2389/wap-gateway/internal/config"
	"github.com/2389/wap-gateway/internal/dedupe"
	"github.com/2389/wap-gateway/internal/device"
	"github.com/2389/wap-gateway/internal/host"
	"github.com/2389/wap-gateway/internal/metrics"
	"github.com/2389/wap-gateway/internal/policy"
	"github.com/2389/wap-gateway/internal/ratelimit"
	"github.com/2389/wap-gateway/internal/relay"
	"github.com/2389/wap-gateway/internal/store"
	"github.com/2389/wap-gateway/internal/tempfile"
	"github.com/2389/wap-gateway/internal/textfmt"
)

// DBPathEnv overrides database.path when set.
const DBPathEnv = "WAP_DB_PATH"

// Gateway orchestrates the wap-gateway server components.
// It accepts device WebSockets, evaluates inbound messages, hands them to the
// host and relays replies back to the originating chat.
type Gateway struct {
	config *config.Config

	// channel is swapped by UpdateChannel; accounts are re-resolved from it
	// on every connection and message.
	channelMu sync.RWMutex
	channel   config.ChannelConfig

	devices    *device.Manager
	store      store.Store
	engine     *policy.Engine
	files      *tempfile.Registry
	relay      *relay.Relay
	dispatcher host.Dispatcher
	router     host.RouteResolver
	formatter  host.TextFormatter
	activity   host.ActivityRecorder
	metrics    *metrics.Recorder

	// seen drops message frames a device re-sends after reconnecting
	seen *dedupe.Cache

	// downloads throttles /files and /api/send per client IP
	downloads *ratelimit.Keyed

	upgrader    websocket.Upgrader
	contextHint string

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// sessions tracks running read loops so Shutdown can wait for them.
	// closing is set once Shutdown starts; no session may begin after it.
	sessionMu sync.Mutex
	closing   bool
	sessions  sync.WaitGroup
}

// Params wires a Gateway. Only Config and Logger are required; every other
// collaborator falls back to the default built from Config.
type Params struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      store.Store
	Dispatcher host.Dispatcher
	Router     host.RouteResolver
	Commands   host.CommandAuthorizer
	Formatter  host.TextFormatter
	Activity   host.ActivityRecorder
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(DBPathEnv); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithParams(Params{Config: cfg, Logger: logger})
}

// NewWithParams creates a Gateway with injected collaborators.
func NewWithParams(p Params) (*Gateway, error) {
	if p.Config == nil {
		return nil, errors.New("config is required")
	}
	cfg := p.Config
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := p.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	recorder := metrics.New()
	files := tempfile.New(cfg.Relay.TempFileTTL)

	gw := &Gateway{
		config:     cfg,
		channel:    cfg.Channel,
		devices:    device.NewManager(logger.With("component", "device-manager")),
		store:      s,
		files:      files,
		relay:      relay.New(files),
		dispatcher: p.Dispatcher,
		router:     p.Router,
		formatter:  p.Formatter,
		activity:   p.Activity,
		metrics:    recorder,
		seen:       dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		downloads:  ratelimit.NewKeyed(cfg.Relay.DownloadRate, cfg.Relay.DownloadBurst, 10*time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are native clients, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		contextHint: cfg.Text.ContextHint,
		logger:      logger.With("component", "gateway"),
	}

	if gw.dispatcher == nil {
		gw.dispatcher = host.NewWebhookDispatcher(cfg.Host.WebhookURL, cfg.Host.WebhookToken, cfg.Host.WebhookTimeout, logger)
	}
	if gw.router == nil {
		gw.router = host.StaticRouter{AgentID: cfg.Host.AgentID}
	}
	if gw.formatter == nil {
		gw.formatter = textfmt.New(textfmt.Options{
			Limit:     cfg.Text.ChunkLimit,
			PlainText: cfg.Text.PlainTextEnabled(),
		})
	}
	if gw.activity == nil {
		gw.activity = recorder
	}
	if gw.contextHint == "" {
		gw.contextHint = DefaultContextHint
	}

	gw.engine = policy.NewEngine(policy.EngineOptions{
		Pairing:   s,
		AllowFrom: s,
		Commands:  p.Commands,
		Logger:    logger,
	})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	if cfg.Host.WebhookURL == "" && p.Dispatcher == nil {
		gw.logger.Warn("host.webhook_url not set, inbound messages will not reach a host")
	}

	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Metrics returns the gateway's Prometheus recorder.
func (g *Gateway) Metrics() *metrics.Recorder {
	return g.metrics
}

// Account resolves the effective configuration of accountID from the
// current channel config.
func (g *Gateway) Account(accountID string) account.Config {
	g.channelMu.RLock()
	ch := g.channel
	g.channelMu.RUnlock()
	return account.Resolve(ch, accountID)
}

// UpdateChannel swaps the channel config. Connected devices get a fresh
// config push; devices whose account is now disabled are closed.
func (g *Gateway) UpdateChannel(ch config.ChannelConfig) {
	g.channelMu.Lock()
	g.channel = ch
	g.channelMu.Unlock()

	for _, info := range g.devices.List("") {
		conn, ok := g.devices.Get(info.ID)
		if !ok {
			continue
		}
		acct := g.Account(conn.AccountID)
		if !acct.Enabled {
			g.logger.Info("closing device of disabled account", "account_id", acct.AccountID, "client_id", conn.ID)
			conn.Close(CloseAccountDisabled, "Account disabled")
			continue
		}
		if err := conn.Send(configPush(acct)); err != nil {
			g.logger.Warn("failed to push updated config", "client_id", conn.ID, "error", err)
		}
	}
	g.logger.Info("channel config updated", "accounts", len(ch.Accounts))
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// warnIgnoredAddress logs a warning if the server address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "wap-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// beginSession reserves a read loop slot. It fails once Shutdown has started.
func (g *Gateway) beginSession() bool {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	if g.closing {
		return false
	}
	g.sessions.Add(1)
	return true
}

// waitForSessions blocks until every read loop has returned or ctx expires.
func (g *Gateway) waitForSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes every device connection, stops the HTTP server and
// releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "devices", g.devices.Count())

	g.sessionMu.Lock()
	g.closing = true
	g.sessionMu.Unlock()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked WebSocket connections are not tracked by http.Server.
	g.devices.CloseAll(websocket.CloseGoingAway, "server shutting down")
	errs = appendCloseError(errs, "device sessions", g.waitForSessions(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one device is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.devices.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no devices connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d devices)", n)
}
