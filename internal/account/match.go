// ABOUTME: Identity normalization and allow-list matching for chat ids and sender ids
// ABOUTME: Wildcard support is explicit per call site so the policy rules stay visible

package account

import "strings"

// Wildcard matches every id in lists that accept it.
const Wildcard = "*"

// schemePrefixes are stripped from peer ids before comparison. Hosts and users
// sometimes write targets as "wechat:wxid_abc" or with the channel id prefix.
var schemePrefixes = []string{
	"openclaw-channel-wap:",
	"wap:",
	"wechat:",
	"wx:",
}

// NormalizePeerID lower-cases an id and strips any known scheme prefix.
func NormalizePeerID(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	for changed := true; changed; {
		changed = false
		for _, prefix := range schemePrefixes {
			if strings.HasPrefix(id, prefix) {
				id = strings.TrimSpace(strings.TrimPrefix(id, prefix))
				changed = true
			}
		}
	}
	return id
}

// Contains reports whether id is present in list after normalization.
// When wildcard is true a "*" entry matches everything.
func Contains(list []string, id string, wildcard bool) bool {
	want := NormalizePeerID(id)
	if want == "" {
		return false
	}
	for _, entry := range list {
		e := NormalizePeerID(entry)
		if wildcard && e == Wildcard {
			return true
		}
		if e == want {
			return true
		}
	}
	return false
}

// SenderAllowed reports whether a DM peer is on the configured allow list.
func (c Config) SenderAllowed(peerID string) bool {
	return Contains(c.AllowFrom, peerID, true)
}

// GroupChatAllowed applies group_policy to a chat id. The allowlist is an
// exact match: "*" is not honored here, an open policy expresses that.
func (c Config) GroupChatAllowed(chatID string) bool {
	switch c.GroupPolicy {
	case GroupDisabled:
		return false
	case GroupAllowlist:
		return Contains(c.GroupAllowChats, chatID, false)
	default:
		return true
	}
}

// GroupSenderAllowed applies group_allow_from. An empty list admits everyone.
func (c Config) GroupSenderAllowed(senderID string) bool {
	if len(c.GroupAllowFrom) == 0 {
		return true
	}
	return Contains(c.GroupAllowFrom, senderID, true)
}

// KeepsNoMentionContext reports whether non-mention messages in chatID are
// buffered as context for the next mention.
func (c Config) KeepsNoMentionContext(chatID string) bool {
	return c.NoMentionContextHistoryLimit > 0 && Contains(c.NoMentionContextGroups, chatID, true)
}
