// Package account resolves the effective policy of a device account.
//
// Resolve merges the channel-level defaults with the account's override block
// (account wins field by field, lists replace) and fills documented defaults:
// dm_policy=pairing, group_policy=open, require_mention_in_group=true,
// silent_pairing=true, no_mention_context_history_limit=8. It does no I/O and
// is called again for every connection and message, so configuration edits
// take effect without a cache to invalidate.
package account
