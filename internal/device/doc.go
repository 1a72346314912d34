// Package device manages WebSocket connections from WeChat devices.
//
// # Manager
//
// The Manager tracks authenticated connections in registration order:
//
//	mgr := device.NewManager(logger)
//
// Key operations:
//
//   - Register(conn): add a connection after the handshake succeeds
//   - Unregister(id): remove a connection; safe to call twice
//   - First(accountID): the oldest live connection of an account
//   - List(accountID): snapshots for the clients API
//
// Outbound routing is first-match: a device has no affinity to a chat, so
// when several devices serve one account the oldest receives all outbound
// commands until it disconnects.
//
// # Connection
//
// Connection wraps one socket. Writes are serialized by a per-connection
// mutex and bounded by WriteWait. Each connection carries its own
// fixed-window rate limiter and a context that is cancelled on Close.
//
// # Request/Response Correlation
//
// resolve_target commands carry a request_id. The caller registers a channel
// with CreateRequest before sending, the read loop hands results to
// HandleResolveResult, and the caller releases the slot with CloseRequest.
//
// # Thread Safety
//
// Both Manager and Connection are safe for concurrent use. No lock is held
// across socket I/O except the write mutex.
package device
