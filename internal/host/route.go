// ABOUTME: Default route resolver deriving one host session per (account, chat)

package host

import (
	"strings"

	"github.com/2389/wap-gateway/internal/account"
)

// StaticRouter sends every chat to one agent with a per-chat session key.
type StaticRouter struct {
	AgentID string
}

// ResolveRoute returns the session key wap:<account>:<kind>:<peer>.
func (r StaticRouter) ResolveRoute(accountID string, kind PeerKind, peerID string) Route {
	id := account.NormalizeID(accountID)
	peer := strings.ToLower(strings.TrimSpace(peerID))
	return Route{
		AgentID:    r.AgentID,
		AccountID:  id,
		SessionKey: ChannelID + ":" + id + ":" + string(kind) + ":" + peer,
	}
}
