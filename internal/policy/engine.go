// ABOUTME: Authorization engine deciding whether an inbound chat message reaches the host
// ABOUTME: Runs the DM policy with pairing, the group policy with mention gating, and command gating

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/2389/wap-gateway/internal/account"
	"github.com/2389/wap-gateway/internal/host"
	"github.com/2389/wap-gateway/internal/protocol"
)

// Outcome is what the gateway does with an inbound message.
type Outcome int

const (
	// Drop discards the message. Reason says why; it is logged at debug level only.
	Drop Outcome = iota
	// Deliver hands the message to the host.
	Deliver
	// Buffer kept the message as group context for the next mention.
	Buffer
	// Pair withheld the message and recorded a pairing request.
	Pair
)

func (o Outcome) String() string {
	switch o {
	case Drop:
		return "drop"
	case Deliver:
		return "deliver"
	case Buffer:
		return "buffer"
	case Pair:
		return "pair"
	default:
		return "unknown"
	}
}

// Decision is the result of Evaluate.
type Decision struct {
	Outcome Outcome
	Reason  string

	// PeerID is the canonical DM peer, or the normalized sender in groups.
	PeerID string

	// Body is the text handed to the host, with flushed history prepended.
	// RawBody is the trimmed message content alone.
	Body    string
	RawBody string
	History []HistoryEntry

	CommandAuthorized bool

	// Pairing is set for Pair outcomes. Reply is the pairing code message to
	// send back on the same connection, only when the request is new and the
	// account does not pair silently.
	Pairing *host.PairingResult
	Reply   protocol.Command
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Pairing   host.PairingStore
	AllowFrom host.AllowFromStore
	Commands  host.CommandAuthorizer
	History   *HistoryBuffer
	Logger    *slog.Logger
}

// Engine evaluates inbound messages against an account's policy.
type Engine struct {
	pairing   host.PairingStore
	allowFrom host.AllowFromStore
	commands  host.CommandAuthorizer
	history   *HistoryBuffer
	logger    *slog.Logger
}

// NewEngine creates an engine. A nil History gets a fresh buffer and a nil
// Commands authorizer falls back to AllowListAuthorizer over AllowFrom.
func NewEngine(opts EngineOptions) *Engine {
	if opts.History == nil {
		opts.History = NewHistoryBuffer(DefaultMaxChats)
	}
	if opts.Commands == nil {
		opts.Commands = AllowListAuthorizer{Store: opts.AllowFrom}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		pairing:   opts.Pairing,
		allowFrom: opts.AllowFrom,
		commands:  opts.Commands,
		history:   opts.History,
		logger:    opts.Logger.With("component", "policy"),
	}
}

// History exposes the engine's pending group context buffer.
func (e *Engine) History() *HistoryBuffer {
	return e.history
}

// Evaluate decides the fate of one message. Errors come only from the
// pairing and allow-from stores; the message is then not delivered.
func (e *Engine) Evaluate(ctx context.Context, acct account.Config, msg protocol.Message) (Decision, error) {
	body := strings.TrimSpace(msg.Content)
	if body == "" {
		return drop("empty content"), nil
	}
	if msg.IsGroup {
		return e.evaluateGroup(ctx, acct, msg, body)
	}
	return e.evaluateDirect(ctx, acct, msg, body)
}

func (e *Engine) evaluateGroup(ctx context.Context, acct account.Config, msg protocol.Message, body string) (Decision, error) {
	chatID := msg.Talker

	if acct.GroupPolicy == account.GroupDisabled {
		return drop("group_policy=disabled"), nil
	}
	if !acct.GroupChatAllowed(chatID) {
		return drop("chat not in group_allow_chats"), nil
	}

	if acct.RequireMentionInGroup && !msg.IsAtMe {
		if acct.KeepsNoMentionContext(chatID) {
			e.history.Append(acct.AccountID, chatID, HistoryEntry{
				Sender:      msg.Sender,
				Body:        body,
				TimestampMs: msg.TimestampMs,
				MessageID:   strconv.FormatInt(msg.MsgID, 10),
			}, acct.NoMentionContextHistoryLimit)
			return Decision{Outcome: Buffer, Reason: "mention required, kept as context", RawBody: body}, nil
		}
		return drop("mention required"), nil
	}

	if !acct.GroupSenderAllowed(msg.Sender) {
		return drop("sender not in group_allow_from"), nil
	}

	d := Decision{
		Outcome: Deliver,
		PeerID:  account.NormalizePeerID(msg.Sender),
		RawBody: body,
		Body:    body,
	}
	if !e.gateCommand(ctx, acct, msg.Sender, true, &d) {
		return d, nil
	}

	d.History = e.history.Flush(acct.AccountID, chatID)
	d.Body = FormatWithHistory(d.History, body)
	return d, nil
}

func (e *Engine) evaluateDirect(ctx context.Context, acct account.Config, msg protocol.Message, body string) (Decision, error) {
	peer := CanonicalPeer(msg)

	switch acct.DMPolicy {
	case account.DMDisabled:
		return drop("dm_policy=disabled"), nil
	case account.DMOpen:
		// always delivered
	default:
		allowed, err := e.directAllowed(ctx, acct, peer)
		if err != nil {
			return Decision{}, err
		}
		if !allowed {
			if acct.DMPolicy == account.DMAllowlist {
				return drop("sender not in allow_from"), nil
			}
			return e.pair(ctx, acct, msg, peer, body)
		}
	}

	d := Decision{
		Outcome: Deliver,
		PeerID:  peer,
		RawBody: body,
		Body:    body,
	}
	e.gateCommand(ctx, acct, peer, false, &d)
	return d, nil
}

func (e *Engine) directAllowed(ctx context.Context, acct account.Config, peer string) (bool, error) {
	if peer == "" {
		return false, nil
	}
	if acct.SenderAllowed(peer) {
		return true, nil
	}
	if acct.DMPolicy != account.DMPairing || e.allowFrom == nil {
		return false, nil
	}
	stored, err := e.allowFrom.ReadAllowFrom(ctx, host.ChannelID, acct.AccountID)
	if err != nil {
		return false, fmt.Errorf("reading allow-from store: %w", err)
	}
	return account.Contains(stored, peer, true), nil
}

func (e *Engine) pair(ctx context.Context, acct account.Config, msg protocol.Message, peer, body string) (Decision, error) {
	if e.pairing == nil || peer == "" {
		return drop("pairing unavailable"), nil
	}

	rawID := rawPeer(msg)
	res, err := e.pairing.UpsertPairingRequest(ctx, host.PairingRequest{
		Channel:   host.ChannelID,
		AccountID: acct.AccountID,
		PeerID:    peer,
		Meta:      map[string]string{"name": rawID},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("upserting pairing request: %w", err)
	}

	e.logger.Info("pairing request",
		"account_id", acct.AccountID,
		"peer", peer,
		"created", res.Created,
	)

	d := Decision{
		Outcome: Pair,
		Reason:  "sender not paired",
		PeerID:  peer,
		RawBody: body,
		Pairing: &res,
	}
	if res.Created && !acct.SilentPairing {
		d.Reply = protocol.SendText{
			Talker:  msg.Talker,
			Content: e.pairing.BuildPairingReply("Your WeChat id: "+rawID, res.Code),
		}
	}
	return d, nil
}

// gateCommand fills d.CommandAuthorized and turns d into a drop when the body
// is a control command the sender may not run. It reports whether d is
// still a delivery.
func (e *Engine) gateCommand(ctx context.Context, acct account.Config, senderID string, isGroup bool, d *Decision) bool {
	authorized, err := e.commands.CommandAuthorized(ctx, acct, senderID, isGroup)
	if err != nil {
		e.logger.Warn("command authorization failed", "account_id", acct.AccountID, "error", err)
		authorized = false
	}
	d.CommandAuthorized = authorized

	if !authorized && IsControlCommand(d.RawBody) {
		*d = drop("unauthorized control command")
		return false
	}
	return true
}

// CanonicalPeer is the normalized DM identity: the sender, else the talker.
func CanonicalPeer(msg protocol.Message) string {
	return account.NormalizePeerID(rawPeer(msg))
}

// rawPeer is the id CanonicalPeer is derived from, as the device sent it.
func rawPeer(msg protocol.Message) string {
	if account.NormalizePeerID(msg.Sender) != "" {
		return strings.TrimSpace(msg.Sender)
	}
	return strings.TrimSpace(msg.Talker)
}

func drop(reason string) Decision {
	return Decision{Outcome: Drop, Reason: reason}
}
