// ABOUTME: In-memory Store implementation for tests and store-less runs
// ABOUTME: Mirrors SQLiteStore semantics without touching disk

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/wap-gateway/internal/host"
)

type peerKey struct {
	channel   string
	accountID string
	peerID    string
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	pending   map[peerKey]host.PendingPairing
	byCode    map[string]peerKey
	allowFrom map[peerKey]int64
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:   make(map[peerKey]host.PendingPairing),
		byCode:    make(map[string]peerKey),
		allowFrom: make(map[peerKey]int64),
		now:       time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// UpsertPairingRequest returns the pending code for the peer or creates one.
func (m *MemoryStore) UpsertPairingRequest(_ context.Context, req host.PairingRequest) (host.PairingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)

	key := peerKey{req.Channel, req.AccountID, req.PeerID}
	if p, ok := m.pending[key]; ok {
		return host.PairingResult{Code: p.Code, Created: false}, nil
	}

	var code string
	for attempt := 0; ; attempt++ {
		if attempt == 5 {
			return host.PairingResult{}, ErrCodeSpace
		}
		c, err := generateCode()
		if err != nil {
			return host.PairingResult{}, err
		}
		if _, taken := m.byCode[c]; !taken {
			code = c
			break
		}
	}

	meta := make(map[string]string, len(req.Meta))
	for k, v := range req.Meta {
		meta[k] = v
	}
	m.pending[key] = host.PendingPairing{
		Code:      code,
		Channel:   req.Channel,
		AccountID: req.AccountID,
		PeerID:    req.PeerID,
		Meta:      meta,
		CreatedAt: now.UnixMilli(),
	}
	m.byCode[code] = key
	return host.PairingResult{Code: code, Created: true}, nil
}

// BuildPairingReply implements host.PairingStore.
func (m *MemoryStore) BuildPairingReply(idLine, code string) string {
	return PairingReply(idLine, code)
}

// ListPendingPairings returns unexpired requests, newest first.
func (m *MemoryStore) ListPendingPairings(_ context.Context, channel, accountID string) ([]host.PendingPairing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())

	var out []host.PendingPairing
	for key, p := range m.pending {
		if channel != "" && key.channel != channel {
			continue
		}
		if accountID != "" && key.accountID != accountID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// ApprovePairing moves the request with code into the allow-from list.
func (m *MemoryStore) ApprovePairing(_ context.Context, channel, code string) (host.PendingPairing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)

	key, ok := m.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok || key.channel != channel {
		return host.PendingPairing{}, ErrNotFound
	}
	p := m.pending[key]
	delete(m.pending, key)
	delete(m.byCode, p.Code)
	if _, exists := m.allowFrom[key]; !exists {
		m.allowFrom[key] = now.UnixMilli()
	}
	return p, nil
}

// ReadAllowFrom returns the approved peers of an account in approval order.
func (m *MemoryStore) ReadAllowFrom(_ context.Context, channel, accountID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type approved struct {
		peer string
		at   int64
	}
	var list []approved
	for key, at := range m.allowFrom {
		if key.channel == channel && key.accountID == accountID {
			list = append(list, approved{key.peerID, at})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].at != list[j].at {
			return list[i].at < list[j].at
		}
		return list[i].peer < list[j].peer
	})

	peers := make([]string, 0, len(list))
	for _, a := range list {
		peers = append(peers, a.peer)
	}
	return peers, nil
}

// AddAllowFrom adds a peer directly.
func (m *MemoryStore) AddAllowFrom(_ context.Context, channel, accountID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := peerKey{channel, accountID, peerID}
	if _, exists := m.allowFrom[key]; !exists {
		m.allowFrom[key] = m.now().UnixMilli()
	}
	return nil
}

// RemoveAllowFrom revokes a peer.
func (m *MemoryStore) RemoveAllowFrom(_ context.Context, channel, accountID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := peerKey{channel, accountID, peerID}
	if _, exists := m.allowFrom[key]; !exists {
		return ErrNotFound
	}
	delete(m.allowFrom, key)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// pruneLocked drops expired requests. Must be called with mu held.
func (m *MemoryStore) pruneLocked(now time.Time) {
	cutoff := now.Add(-PendingTTL).UnixMilli()
	for key, p := range m.pending {
		if p.CreatedAt <= cutoff {
			delete(m.pending, key)
			delete(m.byCode, p.Code)
		}
	}
}
