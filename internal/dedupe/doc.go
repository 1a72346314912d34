// Package dedupe remembers recently seen inbound message ids so the gateway
// can ignore a frame a device re-sends, for example after reconnecting.
package dedupe
