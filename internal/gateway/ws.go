// ABOUTME: WebSocket handshake, per-connection read loop and inbound message flow
// ABOUTME: Frames are processed strictly in order: rate limit, decode, policy, host dispatch

package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/wap-gateway/internal/account"
	"github.com/2389/wap-gateway/internal/auth"
	"github.com/2389/wap-gateway/internal/dedupe"
	"github.com/2389/wap-gateway/internal/device"
	"github.com/2389/wap-gateway/internal/host"
	"github.com/2389/wap-gateway/internal/metrics"
	"github.com/2389/wap-gateway/internal/policy"
	"github.com/2389/wap-gateway/internal/protocol"
	"github.com/2389/wap-gateway/internal/ratelimit"
)

// Application close codes sent when the handshake is rejected.
const (
	CloseUnauthorized    = 4001
	CloseAccountDisabled = 4003
)

// DefaultContextHint is appended to every delivered message body when
// text.context_hint is not configured.
const DefaultContextHint = "[WeChat Context]\nKeep replies concise (single message < 300 chars)\nNo Markdown"

// Keepalive timing. Every frame and every pong pushes the read deadline out
// by PongWait.
const (
	PingPeriod = 30 * time.Second
	PongWait   = 90 * time.Second
)

// RemoteIP returns the first X-Forwarded-For hop, else the socket address.
// The header is client-controlled, so use it only for display and logs.
func RemoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return PeerIP(r)
}

// PeerIP is the socket address of the request. Throttles key on it.
func PeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// configPush mirrors the account's policy to the device.
func configPush(acct account.Config) protocol.ConfigPush {
	return protocol.ConfigPush{
		AllowFrom:              acct.AllowFrom,
		GroupPolicy:            string(acct.GroupPolicy),
		GroupAllowChats:        acct.GroupAllowChats,
		GroupAllowFrom:         acct.GroupAllowFrom,
		NoMentionContextGroups: acct.NoMentionContextGroups,
		DMPolicy:               string(acct.DMPolicy),
		RequireMentionInGroup:  acct.RequireMentionInGroup,
		SilentPairing:          acct.SilentPairing,
	}
}

// rejectSocket closes a freshly upgraded socket with an application code.
func rejectSocket(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(device.WriteWait))
	_ = ws.Close()
}

// handleWebSocket upgrades, authenticates and serves one device.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	acct := g.Account(auth.AccountID(r))
	remoteIP := RemoteIP(r)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		g.logger.Warn("websocket upgrade failed", "remote_ip", remoteIP, "error", err)
		return
	}

	if err := auth.Authenticate(acct, r); err != nil {
		code, reason, result := CloseUnauthorized, "Unauthorized", metrics.HandshakeUnauthorized
		if errors.Is(err, auth.ErrAccountDisabled) {
			code, reason, result = CloseAccountDisabled, "Account disabled", metrics.HandshakeDisabled
		}
		g.logger.Warn("rejected device connection",
			"account_id", acct.AccountID,
			"remote_ip", remoteIP,
			"reason", reason,
		)
		g.metrics.Handshake(acct.AccountID, result)
		rejectSocket(ws, code, reason)
		return
	}

	if !g.beginSession() {
		rejectSocket(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.sessions.Done()

	ws.SetReadLimit(protocol.MaxFrameSize)
	conn := device.NewConnection(device.ConnectionParams{
		AccountID: acct.AccountID,
		RemoteIP:  remoteIP,
		Socket:    ws,
		Limiter:   ratelimit.NewWindow(ratelimit.DefaultWindow, ratelimit.DefaultCapacity),
		Logger:    g.logger,
	})
	if err := g.devices.Register(conn); err != nil {
		g.logger.Error("failed to register device", "error", err)
		conn.Close(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	g.metrics.Handshake(acct.AccountID, metrics.HandshakeAccepted)
	g.metrics.Connected(acct.AccountID, 1)

	// The device manager logs connect and disconnect.
	defer func() {
		conn.Close(websocket.CloseNormalClosure, "")
		if g.devices.Unregister(conn.ID) {
			g.metrics.Connected(acct.AccountID, -1)
		}
	}()

	if err := conn.Send(configPush(acct)); err != nil {
		g.logger.Warn("failed to push config", "client_id", conn.ID, "error", err)
		return
	}

	go g.keepalive(conn)
	g.readLoop(conn, ws)
}

// keepalive pings the device until the connection closes.
func (g *Gateway) keepalive(conn *device.Connection) {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Context().Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				g.logger.Debug("ping failed", "client_id", conn.ID, "error", err)
				return
			}
		}
	}
}

// readLoop reads frames until the socket fails or closes.
func (g *Gateway) readLoop(conn *device.Connection, ws *websocket.Conn) {
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		// Refreshed before every read so a slow host dispatch does not
		// count against the keepalive budget.
		_ = ws.SetReadDeadline(time.Now().Add(PongWait))

		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && !conn.Closed() {
				g.logger.Warn("device read error", "client_id", conn.ID, "error", err)
			}
			return
		}
		g.handleFrame(conn, data)
	}
}

// handleFrame applies the rate limit, decodes and routes one upstream frame.
func (g *Gateway) handleFrame(conn *device.Connection, data []byte) {
	if !conn.Allow(time.Now()) {
		g.logger.Warn("rate limit exceeded, dropping frame", "client_id", conn.ID, "account_id", conn.AccountID)
		g.metrics.Dropped(conn.AccountID, "rate_limited")
		return
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		g.logger.Warn("invalid frame", "client_id", conn.ID, "error", err)
		g.metrics.Dropped(conn.AccountID, "invalid_frame")
		return
	}

	switch f := frame.(type) {
	case protocol.Heartbeat:
		if err := conn.Send(protocol.Pong{}); err != nil {
			g.logger.Debug("failed to send pong", "client_id", conn.ID, "error", err)
		}
	case protocol.ResolveTargetResult:
		if !conn.HandleResolveResult(f) {
			g.logger.Debug("resolve result for unknown request", "client_id", conn.ID, "request_id", f.RequestID)
		}
	case protocol.Message:
		g.handleMessage(conn, f)
	}
}

// handleMessage runs policy on an inbound chat message and dispatches it.
func (g *Gateway) handleMessage(conn *device.Connection, msg protocol.Message) {
	ctx := conn.Context()
	acct := g.Account(conn.AccountID)
	logger := g.logger.With("client_id", conn.ID, "account_id", acct.AccountID, "talker", msg.Talker, "msg_id", msg.MsgID)

	var seenKey string
	if msg.MsgID != 0 {
		seenKey = dedupe.MessageKey(acct.AccountID, msg.Talker, msg.MsgID)
		if g.seen.Check(seenKey) {
			logger.Debug("duplicate message dropped")
			g.metrics.Dropped(acct.AccountID, "duplicate")
			return
		}
	}

	d, err := g.engine.Evaluate(ctx, acct, msg)
	if err != nil {
		// Not marked as seen, so a resend gets another chance.
		logger.Error("policy evaluation failed", "error", err)
		g.metrics.Dropped(acct.AccountID, "policy_error")
		return
	}
	if seenKey != "" {
		g.seen.Mark(seenKey)
	}

	switch d.Outcome {
	case policy.Drop:
		logger.Debug("message dropped", "reason", d.Reason)
		g.metrics.Dropped(acct.AccountID, "policy")
		return
	case policy.Buffer:
		logger.Debug("message buffered as group context")
		return
	case policy.Pair:
		if d.Reply != nil {
			if err := conn.Send(d.Reply); err != nil {
				logger.Warn("failed to send pairing reply", "error", err)
				return
			}
			g.recordOutbound(acct.AccountID, d.Reply)
		}
		return
	case policy.Deliver:
	}

	in := g.inboundContext(acct, msg, d)
	g.activity.Record(host.Activity{
		Channel:   host.ChannelID,
		AccountID: acct.AccountID,
		Direction: host.Inbound,
		Kind:      protocol.TypeMessage,
	})

	sink := &replySink{gw: g, conn: conn, accountID: acct.AccountID, talker: msg.Talker}
	if err := g.dispatcher.Dispatch(ctx, in, sink); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("dispatch canceled, device disconnected")
			return
		}
		logger.Error("dispatch failed", "error", err)
	}
}

// inboundContext builds what the host sees for a delivered message.
func (g *Gateway) inboundContext(acct account.Config, msg protocol.Message, d policy.Decision) host.InboundContext {
	kind := host.PeerDirect
	from := "wap:" + msg.Sender
	label := msg.Sender
	if msg.IsGroup {
		kind = host.PeerGroup
		from = "wap:group:" + msg.Talker
		label = msg.Sender + " in " + msg.Talker
	}

	route := g.router.ResolveRoute(acct.AccountID, kind, msg.Talker)

	return host.InboundContext{
		Channel:           host.ChannelID,
		AccountID:         route.AccountID,
		AgentID:           route.AgentID,
		SessionKey:        route.SessionKey,
		ChatType:          kind,
		From:              from,
		To:                msg.Talker,
		ConversationLabel: label,
		Body:              d.Body + "\n\n" + g.contextHint,
		RawBody:           d.RawBody,
		SenderID:          msg.Sender,
		MessageID:         strconv.FormatInt(msg.MsgID, 10),
		TimestampMs:       msg.TimestampMs,
		WasMentioned:      msg.IsGroup && msg.IsAtMe,
		CommandAuthorized: d.CommandAuthorized,
	}
}
