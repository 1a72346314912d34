// ABOUTME: Store interface and data types for pairing requests and the approved allow-from list
// ABOUTME: Also generates pairing codes and the pairing reply text sent to unknown senders

package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/2389/wap-gateway/internal/host"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = host.ErrPairingNotFound

// ErrCodeSpace is returned when no unused pairing code could be generated
var ErrCodeSpace = errors.New("could not allocate a unique pairing code")

// PendingTTL is how long a pairing request stays valid. An expired request is
// replaced by a fresh one with a new code on the peer's next message.
const PendingTTL = time.Hour

// MaxPendingPerAccount caps outstanding requests; the oldest are pruned.
const MaxPendingPerAccount = 20

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

// Store persists pairing state. It satisfies host.PairingStore and
// host.AllowFromStore so the policy engine can use it directly.
type Store interface {
	host.PairingStore
	host.AllowFromStore

	// ListPendingPairings returns unexpired requests, newest first. An empty
	// channel or account matches all.
	ListPendingPairings(ctx context.Context, channel, accountID string) ([]host.PendingPairing, error)

	// ApprovePairing moves the request with code to the allow-from list.
	ApprovePairing(ctx context.Context, channel, code string) (host.PendingPairing, error)

	// AddAllowFrom adds a peer to the allow-from list directly.
	AddAllowFrom(ctx context.Context, channel, accountID, peerID string) error

	// RemoveAllowFrom revokes a peer. Removing an absent peer is ErrNotFound.
	RemoveAllowFrom(ctx context.Context, channel, accountID, peerID string) error

	Close() error
}

// generateCode returns a random code from an alphabet without look-alike characters.
func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating pairing code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// PairingReply is the message sent to a sender that is not yet paired.
func PairingReply(idLine, code string) string {
	return "wap-gateway: access not configured.\n\n" +
		idLine + "\n\n" +
		"Pairing code: " + code + "\n\n" +
		"Ask the bot owner to approve with:\n" +
		"wap-gateway pairing approve " + code
}
