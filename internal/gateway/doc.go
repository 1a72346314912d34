// Package gateway orchestrates the wap-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the wap-gateway server.
// It owns every registry as a field of one Gateway value: the device
// manager, the pairing store, the temp-file registry, the policy engine with
// its pending-history buffer, and the inbound dedupe cache.
//
// # Connection Lifecycle
//
// A device connects to GET /ws (or /) with a bearer token:
//
//  1. The account id comes from the accountId query parameter, then the
//     X-WAP-Account-ID header, then "default".
//  2. After the upgrade, a disabled account is closed with 4003 and a bad or
//     missing token with 4001. No config frame is sent in either case.
//  3. The connection is registered and the account's policy is pushed as a
//     config frame.
//  4. One goroutine reads frames in order. Each frame passes the fixed-window
//     rate limiter, then the codec, then is handled by type.
//
// Heartbeats are answered with pong. Messages go through dedupe, then the
// policy engine, then the host Dispatcher. resolve_target_result frames wake
// the waiting ResolveTarget call.
//
// # Outbound Routing
//
// Send, SendText, SendMedia and SendVoice pick the first live connection of
// the account in registration order. Host replies to an inbound message are
// the exception: they go back on the connection the message arrived on.
//
// # HTTP API
//
//	GET  /health              liveness
//	GET  /health/ready        503 until a device is connected
//	GET  /files/{fileID}      temp-file download (throttled per socket address)
//	POST /api/send            host-initiated message (account bearer, remote media only)
//	POST /api/resolve         target resolution via the device
//	GET  /api/clients         connected devices of the account
//	GET  /metrics             Prometheus, when metrics.enabled
//
// # Listeners
//
// The server listens on server.http_addr, or on a tsnet node when tailscale
// is enabled (plain :80, HTTPS :443 with tailnet certificates, or Funnel).
package gateway
