// Package store persists pairing state for the gateway using SQLite.
//
// # Architecture
//
// Store is the single interface the rest of the gateway depends on. It embeds
// host.PairingStore and host.AllowFromStore, so the policy engine talks to it
// directly, and adds the operator operations used by the CLI:
//
//   - ListPendingPairings: outstanding requests, newest first
//   - ApprovePairing: move a request into the allow-from list by its code
//   - AddAllowFrom / RemoveAllowFrom: manage approved peers directly
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode). MemoryStore has the same semantics without a database.
//
// # Pairing Requests
//
// A request is keyed by (channel, account, peer) and carries an 8 character
// code drawn from an alphabet without look-alike characters. Upserting an
// identity that already has a pending request returns the existing code with
// Created=false. Requests expire after PendingTTL; the next message from the
// peer then creates a new request with a new code.
//
// # Schema
//
//	pairing_requests(code PK, channel, account_id, peer_id, meta_json, created_at)
//	allow_from(channel, account_id, peer_id, created_at) PK(channel, account_id, peer_id)
package store
