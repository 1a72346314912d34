// ABOUTME: Resolves the effective per-account policy from channel defaults and account overrides
// ABOUTME: Pure functions only; also hosts the id normalization and allow-list matching helpers

package account

import (
	"strings"

	"github.com/2389/wap-gateway/internal/config"
)

// DefaultAccountID is used when a connection or request names no account.
const DefaultAccountID = "default"

// Defaults for fields absent at both channel and account level.
const (
	DefaultHistoryLimit = 8
	MaxHistoryLimit     = 50
)

// DMPolicy controls admission of direct messages.
type DMPolicy string

const (
	DMOpen      DMPolicy = "open"
	DMPairing   DMPolicy = "pairing"
	DMAllowlist DMPolicy = "allowlist"
	DMDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls admission of group chats, independent of mention gating.
type GroupPolicy string

const (
	GroupOpen      GroupPolicy = "open"
	GroupAllowlist GroupPolicy = "allowlist"
	GroupDisabled  GroupPolicy = "disabled"
)

// Config is the effective configuration of one account. It is a value type:
// callers get a fresh copy from Resolve for every connection and message.
type Config struct {
	AccountID                    string
	Name                         string
	Enabled                      bool
	AuthToken                    string
	DMPolicy                     DMPolicy
	AllowFrom                    []string
	GroupPolicy                  GroupPolicy
	GroupAllowChats              []string
	GroupAllowFrom               []string
	RequireMentionInGroup        bool
	SilentPairing                bool
	NoMentionContextGroups       []string
	NoMentionContextHistoryLimit int
}

// NormalizeID trims the account id and substitutes the default for blanks.
func NormalizeID(accountID string) string {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return DefaultAccountID
	}
	return id
}

// Resolve merges the channel-level block with the account's own block.
// Account values win field by field; list fields replace rather than merge.
func Resolve(channel config.ChannelConfig, accountID string) Config {
	id := NormalizeID(accountID)

	merged := channel.AccountOverrides
	if acct, ok := channel.Accounts[id]; ok {
		merged = merge(merged, acct)
	}

	cfg := Config{
		AccountID:                    id,
		Name:                         deref(merged.Name, ""),
		Enabled:                      deref(merged.Enabled, true),
		AuthToken:                    strings.TrimSpace(deref(merged.AuthToken, "")),
		DMPolicy:                     parseDMPolicy(deref(merged.DMPolicy, "")),
		GroupPolicy:                  parseGroupPolicy(deref(merged.GroupPolicy, "")),
		GroupAllowChats:              cleanList(merged.GroupAllowChats),
		GroupAllowFrom:               cleanList(merged.GroupAllowFrom),
		RequireMentionInGroup:        deref(merged.RequireMentionInGroup, true),
		SilentPairing:                deref(merged.SilentPairing, true),
		NoMentionContextGroups:       cleanList(merged.NoMentionContextGroups),
		NoMentionContextHistoryLimit: clampLimit(deref(merged.NoMentionContextHistoryLimit, DefaultHistoryLimit)),
	}

	// whitelist is the deprecated spelling of allow_from
	allow := merged.AllowFrom
	if allow == nil {
		allow = merged.Whitelist
	}
	cfg.AllowFrom = cleanList(allow)

	return cfg
}

// merge overlays next onto base. A nil field in next keeps the base value.
func merge(base, next config.AccountOverrides) config.AccountOverrides {
	out := base
	if next.Enabled != nil {
		out.Enabled = next.Enabled
	}
	if next.Name != nil {
		out.Name = next.Name
	}
	if next.AuthToken != nil {
		out.AuthToken = next.AuthToken
	}
	if next.DMPolicy != nil {
		out.DMPolicy = next.DMPolicy
	}
	if next.AllowFrom != nil {
		out.AllowFrom = next.AllowFrom
	}
	if next.Whitelist != nil {
		out.Whitelist = next.Whitelist
	}
	if next.GroupPolicy != nil {
		out.GroupPolicy = next.GroupPolicy
	}
	if next.GroupAllowChats != nil {
		out.GroupAllowChats = next.GroupAllowChats
	}
	if next.GroupAllowFrom != nil {
		out.GroupAllowFrom = next.GroupAllowFrom
	}
	if next.RequireMentionInGroup != nil {
		out.RequireMentionInGroup = next.RequireMentionInGroup
	}
	if next.SilentPairing != nil {
		out.SilentPairing = next.SilentPairing
	}
	if next.NoMentionContextGroups != nil {
		out.NoMentionContextGroups = next.NoMentionContextGroups
	}
	if next.NoMentionContextHistoryLimit != nil {
		out.NoMentionContextHistoryLimit = next.NoMentionContextHistoryLimit
	}
	return out
}

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

func parseDMPolicy(s string) DMPolicy {
	switch p := DMPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DMOpen, DMPairing, DMAllowlist, DMDisabled:
		return p
	default:
		return DMPairing
	}
}

func parseGroupPolicy(s string) GroupPolicy {
	switch p := GroupPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case GroupOpen, GroupAllowlist, GroupDisabled:
		return p
	default:
		return GroupOpen
	}
}

func clampLimit(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return n
}

// cleanList trims entries and drops empties. The result is never nil so that
// it serializes as [] in the config push.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		if e := strings.TrimSpace(entry); e != "" {
			out = append(out, e)
		}
	}
	return out
}
