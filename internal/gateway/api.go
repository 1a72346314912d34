// ABOUTME: Host-facing HTTP API: send messages, resolve targets, list connected devices
// ABOUTME: Every route runs behind account bearer auth and acts only on that account

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/wap-gateway/internal/auth"
	"github.com/2389/wap-gateway/internal/device"
	"github.com/2389/wap-gateway/internal/relay"
)

// ResolveTimeout bounds POST /api/resolve.
const ResolveTimeout = 15 * time.Second

const maxAPIBody = 1 << 20

// SendRequest is the body of POST /api/send. At least one of Text,
// MediaURL or VoiceURL is required. MediaURL must be remote; local files are
// relayed only for host replies and in-process SendMedia calls.
type SendRequest struct {
	Talker   string `json:"talker"`
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	VoiceURL string `json:"voice_url,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// ResolveRequest is the body of POST /api/resolve.
type ResolveRequest struct {
	Target string `json:"target"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{OK: false, Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleSend delivers a host-initiated message to the account's device.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.FromContext(r.Context())

	var req SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Talker = strings.TrimSpace(req.Talker)
	if req.Talker == "" {
		writeAPIError(w, http.StatusBadRequest, "talker is required")
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.MediaURL == "" && req.VoiceURL == "" {
		writeAPIError(w, http.StatusBadRequest, "text, media_url or voice_url is required")
		return
	}
	// Device tokens must not be able to publish files from this host.
	if req.MediaURL != "" && !relay.IsRemote(req.MediaURL) {
		writeAPIError(w, http.StatusBadRequest, "media_url must be an http or https URL")
		return
	}

	err := g.send(acct.AccountID, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, apiResponse{OK: true})
	case errors.Is(err, device.ErrNotConnected):
		writeAPIError(w, http.StatusServiceUnavailable, device.ErrNotConnected.Error())
	case errors.Is(err, relay.ErrSourceNotFound), errors.Is(err, relay.ErrNotRegularFile):
		writeAPIError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("api send failed", "account_id", acct.AccountID, "error", err)
		writeAPIError(w, http.StatusBadGateway, "send failed")
	}
}

func (g *Gateway) send(accountID string, req SendRequest) error {
	if strings.TrimSpace(req.Text) != "" {
		if err := g.SendText(accountID, req.Talker, req.Text); err != nil {
			return err
		}
	}
	if req.MediaURL != "" {
		if err := g.SendMedia(accountID, req.Talker, req.MediaURL, req.Caption); err != nil {
			return err
		}
	}
	if req.VoiceURL != "" {
		if err := g.SendVoice(accountID, req.Talker, req.VoiceURL, req.Duration); err != nil {
			return err
		}
	}
	return nil
}

// handleResolve maps a user-supplied target to a talker id via the device.
func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.FromContext(r.Context())

	var req ResolveRequest
	if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.Target) == "" {
		writeAPIError(w, http.StatusBadRequest, "target is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ResolveTimeout)
	defer cancel()

	res, err := g.ResolveTarget(ctx, acct.AccountID, strings.TrimSpace(req.Target))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, device.ErrNotConnected):
		writeAPIError(w, http.StatusServiceUnavailable, device.ErrNotConnected.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeAPIError(w, http.StatusGatewayTimeout, "device did not answer")
	default:
		writeAPIError(w, http.StatusBadGateway, err.Error())
	}
}

// handleClients lists the account's connected devices.
func (g *Gateway) handleClients(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"clients": g.Clients(acct.AccountID)})
}
