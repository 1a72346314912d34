// ABOUTME: Control command detection and the default command authorizer

package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/wap-gateway/internal/account"
	"github.com/2389/wap-gateway/internal/host"
)

// IsControlCommand reports whether body starts with a slash command such as /reset.
func IsControlCommand(body string) bool {
	body = strings.TrimSpace(body)
	if len(body) < 2 || body[0] != '/' {
		return false
	}
	c := body[1]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// AllowListAuthorizer authorizes senders that are explicitly listed. In DMs
// that is allow_from or the pairing allow-from store; in groups it is a
// non-empty group_allow_from.
type AllowListAuthorizer struct {
	Store host.AllowFromStore
}

// CommandAuthorized implements host.CommandAuthorizer.
func (a AllowListAuthorizer) CommandAuthorized(ctx context.Context, acct account.Config, senderID string, isGroup bool) (bool, error) {
	if isGroup {
		return len(acct.GroupAllowFrom) > 0 && acct.GroupSenderAllowed(senderID), nil
	}
	if acct.SenderAllowed(senderID) {
		return true, nil
	}
	if a.Store == nil {
		return false, nil
	}
	stored, err := a.Store.ReadAllowFrom(ctx, host.ChannelID, acct.AccountID)
	if err != nil {
		return false, fmt.Errorf("reading allow-from store: %w", err)
	}
	return account.Contains(stored, senderID, true), nil
}
