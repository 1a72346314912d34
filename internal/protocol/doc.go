// ABOUTME: Package protocol documentation
// ABOUTME: JSON frame envelope shared by the gateway and device WebSocket clients

// Package protocol defines the frames exchanged with devices.
//
// Every frame is a JSON object {"type": "...", "data": {...}}. Decode turns
// an upstream frame into a Heartbeat, Message or ResolveTargetResult and
// rejects unknown types and missing required fields with ErrInvalidFrame or
// ErrUnknownType. Encode wraps a Command in the envelope for sending.
//
// Numeric fields such as msg_id and timestamp must be JSON integers.
package protocol
