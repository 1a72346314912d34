// Package tempfile tracks server-local files that devices may download for a
// limited time through the gateway's /files endpoint.
package tempfile
