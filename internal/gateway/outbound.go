// ABOUTME: Outbound delivery: routing commands to a device and relaying host replies
// ABOUTME: Routing is first-match per account; replies go back on the originating connection

package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/wap-gateway/internal/account"
	"github.com/2389/wap-gateway/internal/device"
	"github.com/2389/wap-gateway/internal/host"
	"github.com/2389/wap-gateway/internal/protocol"
)

func (g *Gateway) recordOutbound(accountID string, cmd protocol.Command) {
	g.activity.Record(host.Activity{
		Channel:   host.ChannelID,
		AccountID: accountID,
		Direction: host.Outbound,
		Kind:      protocol.TypeOf(cmd),
	})
}

// sendTo writes cmd to the first live connection of accountID.
func (g *Gateway) sendTo(accountID string, cmd protocol.Command) error {
	accountID = account.NormalizeID(accountID)
	conn, ok := g.devices.First(accountID)
	if !ok {
		return device.ErrNotConnected
	}
	if err := conn.Send(cmd); err != nil {
		return fmt.Errorf("sending %s to %s: %w", protocol.TypeOf(cmd), conn.ID, err)
	}
	g.recordOutbound(accountID, cmd)
	return nil
}

// Send writes cmd to the first connected device of accountID, in
// registration order. It reports false when no device is connected or the
// write fails.
func (g *Gateway) Send(cmd protocol.Command, accountID string) bool {
	if err := g.sendTo(accountID, cmd); err != nil {
		g.logger.Warn("outbound command not delivered", "account_id", accountID, "type", protocol.TypeOf(cmd), "error", err)
		return false
	}
	return true
}

// SendText formats and chunks text, then sends each chunk to talker.
func (g *Gateway) SendText(accountID, talker, text string) error {
	for _, chunk := range g.formatter.Chunks(text) {
		if err := g.sendTo(accountID, protocol.SendText{Talker: talker, Content: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// SendMedia relays source (URL or local path) to talker. An empty source
// sends nothing.
func (g *Gateway) SendMedia(accountID, talker, source, caption string) error {
	accountID = account.NormalizeID(accountID)
	cmd, err := g.relay.Build(source, talker, accountID, caption)
	if err != nil {
		return err
	}
	if cmd == nil {
		return nil
	}
	return g.sendTo(accountID, cmd)
}

// SendVoice asks the device to play a remote voice clip in talker.
func (g *Gateway) SendVoice(accountID, talker, voiceURL string, durationSec int) error {
	return g.sendTo(accountID, protocol.SendVoice{Talker: talker, VoiceURL: voiceURL, Duration: durationSec})
}

// ResolveTarget asks a device of accountID to map target (a nickname,
// remark or id) to a talker id. It waits for the matching result or ctx.
func (g *Gateway) ResolveTarget(ctx context.Context, accountID, target string) (protocol.ResolveTargetResult, error) {
	accountID = account.NormalizeID(accountID)
	conn, ok := g.devices.First(accountID)
	if !ok {
		return protocol.ResolveTargetResult{}, device.ErrNotConnected
	}

	requestID := uuid.New().String()
	results, err := conn.CreateRequest(requestID)
	if err != nil {
		return protocol.ResolveTargetResult{}, err
	}
	defer conn.CloseRequest(requestID)

	cmd := protocol.ResolveTarget{RequestID: requestID, Target: target}
	if err := conn.Send(cmd); err != nil {
		return protocol.ResolveTargetResult{}, fmt.Errorf("sending resolve_target: %w", err)
	}
	g.recordOutbound(accountID, cmd)

	select {
	case res, ok := <-results:
		if !ok {
			return protocol.ResolveTargetResult{}, device.ErrClosed
		}
		return res, nil
	case <-ctx.Done():
		return protocol.ResolveTargetResult{}, ctx.Err()
	}
}

// Clients lists connected devices. An empty accountID lists all accounts.
func (g *Gateway) Clients(accountID string) []device.ClientInfo {
	return g.devices.List(accountID)
}

// replySink delivers host replies on the connection the message came from.
type replySink struct {
	gw        *Gateway
	conn      *device.Connection
	accountID string
	talker    string
}

var _ host.ReplySink = (*replySink)(nil)

// Deliver sends text chunks first, then each media item. The caption rides
// on the first media item only.
func (s *replySink) Deliver(ctx context.Context, r host.Reply) error {
	if s.conn.Closed() {
		s.gw.logger.Warn("originating connection closed, reply dropped",
			"client_id", s.conn.ID,
			"account_id", s.accountID,
			"talker", s.talker,
		)
		return device.ErrClosed
	}

	if strings.TrimSpace(r.Text) != "" {
		for _, chunk := range s.gw.formatter.Chunks(r.Text) {
			if err := s.send(protocol.SendText{Talker: s.talker, Content: chunk}); err != nil {
				return err
			}
		}
	}

	media := r.MediaURLs
	if r.MediaURL != "" {
		media = append([]string{r.MediaURL}, media...)
	}
	caption := r.Caption
	for _, source := range media {
		cmd, err := s.gw.relay.Build(source, s.talker, s.accountID, caption)
		if err != nil {
			return fmt.Errorf("relaying %s: %w", source, err)
		}
		if cmd == nil {
			continue
		}
		if err := s.send(cmd); err != nil {
			return err
		}
		caption = ""
	}
	return nil
}

func (s *replySink) send(cmd protocol.Command) error {
	if err := s.conn.Send(cmd); err != nil {
		s.gw.logger.Warn("failed to deliver reply",
			"client_id", s.conn.ID,
			"talker", s.talker,
			"type", protocol.TypeOf(cmd),
			"error", err,
		)
		return err
	}
	s.gw.recordOutbound(s.accountID, cmd)
	return nil
}
