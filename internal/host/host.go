// ABOUTME: Narrow interfaces to the host: routing, reply dispatch, pairing and allow-from stores
// ABOUTME: Also the inbound context and reply payload types exchanged across that boundary

package host

import (
	"context"
	"errors"

	"github.com/2389/wap-gateway/internal/account"
)

// ChannelID names this channel to the host and in pairing records.
const ChannelID = "wap"

// ErrPairingNotFound is returned when approving an unknown or already approved code.
var ErrPairingNotFound = errors.New("pairing request not found")

// PeerKind distinguishes direct chats from group chats in routing.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Route is where an inbound message is handed to the host.
type Route struct {
	AgentID    string
	AccountID  string
	SessionKey string
}

// RouteResolver maps (account, peer) to a host route.
type RouteResolver interface {
	ResolveRoute(accountID string, kind PeerKind, peerID string) Route
}

// PairingRequest identifies a peer asking for access.
type PairingRequest struct {
	Channel   string
	AccountID string
	PeerID    string
	Meta      map[string]string
}

// PairingResult is the outcome of an idempotent upsert. Created is false when
// a pending request already existed; Code is then the existing code.
type PairingResult struct {
	Code    string
	Created bool
}

// PendingPairing is a pairing request awaiting operator approval.
type PendingPairing struct {
	Code      string            `json:"code"`
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id"`
	PeerID    string            `json:"peer_id"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// PairingStore persists pairing requests.
type PairingStore interface {
	UpsertPairingRequest(ctx context.Context, req PairingRequest) (PairingResult, error)
	BuildPairingReply(idLine, code string) string
}

// AllowFromStore reads peers approved through pairing.
type AllowFromStore interface {
	ReadAllowFrom(ctx context.Context, channel, accountID string) ([]string, error)
}

// CommandAuthorizer decides whether a delivered sender may run control commands.
type CommandAuthorizer interface {
	CommandAuthorized(ctx context.Context, acct account.Config, senderID string, isGroup bool) (bool, error)
}

// Direction of recorded activity.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Activity is one recorded channel event.
type Activity struct {
	Channel   string
	AccountID string
	Direction Direction
	Kind      string
}

// ActivityRecorder observes channel traffic.
type ActivityRecorder interface {
	Record(a Activity)
}

// TextFormatter prepares reply text for the device and splits it into
// chunks the device can send as individual messages.
type TextFormatter interface {
	Chunks(text string) []string
}

// InboundContext is the normalized message handed to the Dispatcher.
type InboundContext struct {
	Channel           string   `json:"channel"`
	AccountID         string   `json:"account_id"`
	AgentID           string   `json:"agent_id,omitempty"`
	SessionKey        string   `json:"session_key"`
	ChatType          PeerKind `json:"chat_type"`
	From              string   `json:"from"`
	To                string   `json:"to"`
	ConversationLabel string   `json:"conversation_label"`
	Body              string   `json:"body"`
	RawBody           string   `json:"raw_body"`
	SenderID          string   `json:"sender_id"`
	MessageID         string   `json:"message_id"`
	TimestampMs       int64    `json:"timestamp"`
	WasMentioned      bool     `json:"was_mentioned,omitempty"`
	CommandAuthorized bool     `json:"command_authorized"`
}

// Reply is one payload produced by the host for an inbound message.
type Reply struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"media_url,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Caption   string   `json:"caption,omitempty"`
}

// ReplySink delivers host replies back to the originating chat.
type ReplySink interface {
	Deliver(ctx context.Context, r Reply) error
}

// Dispatcher hands an inbound message to the host and streams its replies
// into sink. It returns once the host has finished replying.
type Dispatcher interface {
	Dispatch(ctx context.Context, in InboundContext, sink ReplySink) error
}
