// ABOUTME: Minimal fake device for E2E testing: connects over WebSocket, prints commands, sends typed lines as messages
// ABOUTME: Usage: fake-device [-url ws://localhost:8080/ws] [-token T] [-account default] [-talker wxid_test]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/wap-gateway/internal/auth"
	"github.com/2389/wap-gateway/internal/protocol"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// device serializes writes; gorilla allows one concurrent writer.
type device struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (d *device) send(typ string, data any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ws.WriteJSON(map[string]any{"type": typ, "data": data})
}

func main() {
	rawURL := flag.String("url", envOr("WAP_DEVICE_URL", "ws://localhost:8080/ws"), "gateway WebSocket URL")
	token := flag.String("token", os.Getenv("WAP_DEVICE_TOKEN"), "device auth token")
	accountID := flag.String("account", "default", "account id")
	talker := flag.String("talker", "wxid_test", "talker for typed messages")
	group := flag.Bool("group", false, "send typed messages as group messages that mention the bot")
	flag.Parse()

	if err := run(*rawURL, *token, *accountID, *talker, *group); err != nil {
		log.Fatal(err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(rawURL, token, accountID, talker string, group bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	q.Set("accountId", accountID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set(auth.AccountHeader, accountID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()
	d := &device{ws: ws}

	fmt.Fprintf(os.Stderr, "connected to %s as account %s\n", u.Host, accountID)

	go heartbeats(ctx, d)
	go typedMessages(ctx, d, talker, group)

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		d.mu.Unlock()
		ws.Close()
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("closed by gateway: %d %s", ce.Code, ce.Text)
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch f.Type {
		case protocol.TypePong:
			continue
		case protocol.TypeResolveTarget:
			var req protocol.ResolveTarget
			if err := json.Unmarshal(f.Data, &req); err != nil {
				log.Printf("bad resolve_target: %v", err)
				continue
			}
			log.Printf("resolve_target [%s]: %s", req.RequestID, req.Target)
			if err := d.send(protocol.TypeResolveTargetResult, echoResolve(req)); err != nil {
				log.Printf("send resolve result error: %v", err)
			}
		default:
			log.Printf("%s: %s", f.Type, f.Data)
		}
	}
}

// echoResolve treats the target as a talker id. Targets ending in
// "@chatroom" are reported as groups.
func echoResolve(req protocol.ResolveTarget) protocol.ResolveTargetResult {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return protocol.ResolveTargetResult{RequestID: req.RequestID, Target: req.Target, Error: "empty target"}
	}
	kind := protocol.TargetDirect
	if strings.HasSuffix(target, "@chatroom") {
		kind = protocol.TargetGroup
	}
	return protocol.ResolveTargetResult{
		RequestID:      req.RequestID,
		Target:         req.Target,
		OK:             true,
		ResolvedTalker: target,
		TargetKind:     kind,
	}
}

func heartbeats(ctx context.Context, d *device) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.send(protocol.TypeHeartbeat, struct{}{}); err != nil {
				return
			}
		}
	}
}

// typedMessages turns each stdin line into a message frame. A line of the
// form "talker> text" overrides the default talker for that message.
func typedMessages(ctx context.Context, d *device, talker string, group bool) {
	scanner := bufio.NewScanner(os.Stdin)
	var msgID int64
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		to := talker
		if before, after, ok := strings.Cut(line, "> "); ok && !strings.ContainsAny(before, " \t") {
			to, line = before, after
		}

		msgID++
		msg := protocol.Message{
			MsgID:       msgID,
			MsgType:     1,
			Talker:      to,
			Sender:      to,
			Content:     line,
			TimestampMs: time.Now().UnixMilli(),
			IsPrivate:   !group,
			IsGroup:     group,
			IsAtMe:      group,
			AtUserList:  []string{},
		}
		if group {
			msg.Sender = "wxid_fake_member"
		}
		if err := d.send(protocol.TypeMessage, msg); err != nil {
			log.Printf("send message error: %v", err)
			return
		}
	}
}
