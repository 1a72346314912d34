// ABOUTME: Package policy documentation
// ABOUTME: Decides per message whether a chat event is delivered, buffered, paired or dropped

// Package policy decides what happens to each inbound chat message.
//
// # Overview
//
// Engine.Evaluate takes the effective account.Config and one protocol.Message
// and returns a Decision with one of four outcomes:
//
//	Deliver  hand the message to the host
//	Buffer   keep it as group context for the next mention
//	Pair     answer the sender with a pairing code (or nothing when silent)
//	Drop     ignore it
//
// # Direct Messages
//
// dm_policy selects the gate:
//
//   - open: every sender is delivered
//   - allowlist: allow_from or the pairing allow-from store must list the sender
//   - pairing: like allowlist, but unknown senders get a pairing request
//   - disabled: nothing is delivered
//
// Pairing requests are idempotent per peer. Only the first request produces a
// reply; repeats while the request is pending yield Pair with no reply.
//
// # Groups
//
// Groups pass group_policy and group_allow_chats first. When a mention is
// required and the bot was not mentioned, chats listed in
// no_mention_context_groups keep the message in a HistoryBuffer. The next
// delivered mention in that chat flushes the buffer and prepends it to the
// body.
//
// # Control Commands
//
// Bodies starting with a slash command are gated by a host.CommandAuthorizer.
// An unauthorized command is dropped. Plain text is still delivered, with
// Decision.CommandAuthorized telling the host whether the sender may run
// commands.
package policy
