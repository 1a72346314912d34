// ABOUTME: Tests for Gateway lifecycle, health endpoints and the device handshake
// ABOUTME: Uses real WebSocket clients against an httptest server

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wap-gateway/internal/config"
	"github.com/2389/wap-gateway/internal/host"
	"github.com/2389/wap-gateway/internal/protocol"
)

const testToken = "secret-token"

func ptr[T any](v T) *T { return &v }

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr:          httpAddr,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Database: config.DatabaseConfig{
			Path: ":memory:",
		},
		Channel: config.ChannelConfig{
			AccountOverrides: config.AccountOverrides{
				AuthToken: ptr(testToken),
			},
		},
		Relay: config.RelayConfig{
			TempFileTTL:   time.Minute,
			DownloadRate:  100,
			DownloadBurst: 100,
		},
		Text: config.TextConfig{
			ChunkLimit: config.DefaultChunkLimit,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    config.DefaultMetricsPath,
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// recordingDispatcher captures delivered messages and answers each with reply.
type recordingDispatcher struct {
	mu        sync.Mutex
	reply     *host.Reply
	delivered chan host.InboundContext
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{delivered: make(chan host.InboundContext, 16)}
}

func (d *recordingDispatcher) setReply(r host.Reply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reply = &r
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, in host.InboundContext, sink host.ReplySink) error {
	d.delivered <- in
	d.mu.Lock()
	reply := d.reply
	d.mu.Unlock()
	if reply == nil {
		return nil
	}
	return sink.Deliver(ctx, *reply)
}

// newTestGateway starts a gateway behind an httptest server. mutate may
// adjust the config before construction.
func newTestGateway(t *testing.T, disp host.Dispatcher, mutate func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()

	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	if disp == nil {
		disp = newRecordingDispatcher()
	}

	return startGateway(t, Params{Config: cfg, Logger: testLogger(), Dispatcher: disp})
}

// startGateway serves a gateway built from p and shuts it down on cleanup.
func startGateway(t *testing.T, p Params) (*Gateway, *httptest.Server) {
	t.Helper()

	gw, err := NewWithParams(p)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return gw, srv
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// testDevice is the device side of a gateway connection.
type testDevice struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialDevice(srv *httptest.Server, accountID, token string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if accountID != "" {
		u += "?accountId=" + accountID
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(u, header)
}

// connectDevice dials, consumes the config push and returns the device.
func connectDevice(t *testing.T, srv *httptest.Server, accountID string) (*testDevice, protocol.ConfigPush) {
	t.Helper()

	ws, _, err := dialDevice(srv, accountID, testToken)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	d := &testDevice{t: t, ws: ws}
	f := d.next()
	require.Equal(t, protocol.TypeConfig, f.Type)

	var push protocol.ConfigPush
	require.NoError(t, json.Unmarshal(f.Data, &push))
	return d, push
}

func (d *testDevice) send(typ string, data any) {
	d.t.Helper()
	env := map[string]any{"type": typ}
	if data != nil {
		env["data"] = data
	}
	require.NoError(d.t, d.ws.WriteJSON(env))
}

func (d *testDevice) sendRaw(raw string) {
	d.t.Helper()
	require.NoError(d.t, d.ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (d *testDevice) next() frame {
	d.t.Helper()
	require.NoError(d.t, d.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(d.t, d.ws.ReadJSON(&f))
	return f
}

// sync sends a heartbeat and returns every frame that arrived before the
// matching pong. Frames are handled in order, so everything the gateway
// produced for earlier frames is in the result.
func (d *testDevice) sync() []frame {
	d.t.Helper()
	d.send(protocol.TypeHeartbeat, nil)
	var before []frame
	for {
		f := d.next()
		if f.Type == protocol.TypePong {
			return before
		}
		before = append(before, f)
	}
}

func message(id int64, talker, sender, content string) map[string]any {
	return map[string]any{
		"msg_id":       id,
		"msg_type":     1,
		"talker":       talker,
		"sender":       sender,
		"content":      content,
		"timestamp":    1700000000000 + id,
		"is_private":   true,
		"is_group":     false,
		"is_at_me":     false,
		"at_user_list": []string{},
	}
}

func groupMessage(id int64, room, sender, content string, atMe bool) map[string]any {
	m := message(id, room, sender, content)
	m["is_private"] = false
	m["is_group"] = true
	m["is_at_me"] = atMe
	return m
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	logger := testLogger()

	gw, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.devices == nil {
		t.Error("devices should not be nil")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if gw.contextHint != DefaultContextHint {
		t.Errorf("expected default context hint, got %q", gw.contextHint)
	}
}

func TestGatewayNewRequiresConfig(t *testing.T) {
	if _, err := NewWithParams(Params{Logger: testLogger()}); err == nil {
		t.Error("expected error without config")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	logger := testLogger()

	gw, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Run gateway in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	// Wait for the listener
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Shutdown via context cancel
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestShutdownClosesDevices(t *testing.T) {
	gw, srv := newTestGateway(t, nil, nil)
	d, _ := connectDevice(t, srv, "")

	require.NoError(t, gw.Shutdown(context.Background()))

	require.NoError(t, d.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := d.ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 0, gw.devices.Count())
}

func TestHealthEndpoints(t *testing.T) {
	_, srv := newTestGateway(t, nil, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	connectDevice(t, srv, "")

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (1 devices)", string(body))
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name      string
		accountID string
		token     string
		mutate    func(*config.Config)
		wantCode  int
		wantText  string
	}{
		{
			name:     "wrong token",
			token:    "nope",
			wantCode: CloseUnauthorized,
			wantText: "Unauthorized",
		},
		{
			name:     "missing token",
			wantCode: CloseUnauthorized,
			wantText: "Unauthorized",
		},
		{
			name:  "no token configured",
			token: testToken,
			mutate: func(c *config.Config) {
				c.Channel.AuthToken = nil
			},
			wantCode: CloseUnauthorized,
			wantText: "Unauthorized",
		},
		{
			name:      "disabled account",
			accountID: "work",
			token:     testToken,
			mutate: func(c *config.Config) {
				c.Channel.Accounts = map[string]config.AccountOverrides{
					"work": {Enabled: ptr(false)},
				}
			},
			wantCode: CloseAccountDisabled,
			wantText: "Account disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, srv := newTestGateway(t, nil, tt.mutate)

			ws, _, err := dialDevice(srv, tt.accountID, tt.token)
			require.NoError(t, err, "upgrade succeeds; rejection arrives as a close frame")
			defer ws.Close()

			require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
			_, data, err := ws.ReadMessage()
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr, "got frame %s before close", data)
			assert.Equal(t, tt.wantCode, closeErr.Code)
			assert.Equal(t, tt.wantText, closeErr.Text)
			assert.Equal(t, 0, gw.devices.Count())
		})
	}
}

func TestHandshakeAccountFromHeader(t *testing.T) {
	gw, srv := newTestGateway(t, nil, func(c *config.Config) {
		c.Channel.Accounts = map[string]config.AccountOverrides{
			"work": {AuthToken: ptr("work-token")},
		}
	})

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	header := http.Header{}
	header.Set("Authorization", "Bearer work-token")
	header.Set("X-WAP-Account-ID", "work")
	ws, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	defer ws.Close()

	d := &testDevice{t: t, ws: ws}
	assert.Equal(t, protocol.TypeConfig, d.next().Type)

	clients := gw.Clients("work")
	require.Len(t, clients, 1)
	assert.Equal(t, "work", clients[0].AccountID)
}

func TestConfigPush(t *testing.T) {
	_, srv := newTestGateway(t, nil, func(c *config.Config) {
		c.Channel.DMPolicy = ptr("allowlist")
		c.Channel.AllowFrom = []string{" wxid_alice ", "wxid_bob"}
		c.Channel.GroupPolicy = ptr("allowlist")
		c.Channel.GroupAllowChats = []string{"room@chatroom"}
		c.Channel.RequireMentionInGroup = ptr(false)
		c.Channel.SilentPairing = ptr(false)
	})

	_, push := connectDevice(t, srv, "")

	assert.Equal(t, []string{"wxid_alice", "wxid_bob"}, push.AllowFrom)
	assert.Equal(t, "allowlist", push.DMPolicy)
	assert.Equal(t, "allowlist", push.GroupPolicy)
	assert.Equal(t, []string{"room@chatroom"}, push.GroupAllowChats)
	assert.Equal(t, []string{}, push.GroupAllowFrom)
	assert.False(t, push.RequireMentionInGroup)
	assert.False(t, push.SilentPairing)
}

func TestUpdateChannel(t *testing.T) {
	gw, srv := newTestGateway(t, nil, nil)
	d, push := connectDevice(t, srv, "")
	require.Equal(t, "pairing", push.DMPolicy)

	ch := gw.config.Channel
	ch.DMPolicy = ptr("open")
	gw.UpdateChannel(ch)

	f := d.next()
	require.Equal(t, protocol.TypeConfig, f.Type)
	require.NoError(t, json.Unmarshal(f.Data, &push))
	assert.Equal(t, "open", push.DMPolicy)

	ch.Enabled = ptr(false)
	gw.UpdateChannel(ch)

	require.NoError(t, d.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := d.ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAccountDisabled, closeErr.Code)
}

func TestConnectionLifecycleLoggedOnce(t *testing.T) {
	var logs lockedBuffer
	gw, srv := startGateway(t, Params{
		Config:     testConfig(t),
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
		Dispatcher: newRecordingDispatcher(),
	})

	d, _ := connectDevice(t, srv, "")
	d.sync()
	require.NoError(t, d.ws.Close())
	require.Eventually(t, func() bool { return gw.devices.Count() == 0 }, 3*time.Second, 10*time.Millisecond)

	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, `msg="device connected"`))
	assert.Equal(t, 1, strings.Count(out, `msg="device disconnected"`))
}

func TestRemoteIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"socket address", "10.1.2.3:5555", "", "10.1.2.3"},
		{"first forwarded hop", "10.1.2.3:5555", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"blank forwarded header", "10.1.2.3:5555", " ", "10.1.2.3"},
		{"address without port", "10.1.2.3", "", "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, RemoteIP(r))
		})
	}
}

func TestPeerIPIgnoresForwardedHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/files/x", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "10.1.2.3", PeerIP(r))
	assert.Equal(t, "203.0.113.7", RemoteIP(r))
}
