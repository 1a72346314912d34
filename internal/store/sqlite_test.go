// ABOUTME: Tests for the SQLite and in-memory pairing stores
// ABOUTME: Both implementations run the same behavioral suite

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wap-gateway/internal/host"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// storeFactories builds each Store implementation with a controllable clock.
func storeFactories() map[string]func(t *testing.T, c *clock) Store {
	return map[string]func(t *testing.T, c *clock) Store{
		"sqlite": func(t *testing.T, c *clock) Store {
			s := newTestStore(t)
			s.now = c.now
			return s
		},
		"sqlite-memory": func(t *testing.T, c *clock) Store {
			s, err := NewSQLiteStore(MemoryPath)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			s.now = c.now
			return s
		},
		"memory": func(t *testing.T, c *clock) Store {
			m := NewMemoryStore()
			m.now = c.now
			return m
		},
	}
}

func request(account, peer string) host.PairingRequest {
	return host.PairingRequest{
		Channel:   host.ChannelID,
		AccountID: account,
		PeerID:    peer,
		Meta:      map[string]string{"name": peer},
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Unix(1700000000, 0)}
			s := factory(t, c)
			ctx := context.Background()

			first, err := s.UpsertPairingRequest(ctx, request("default", "wxid_a"))
			require.NoError(t, err)
			assert.True(t, first.Created)
			assert.Len(t, first.Code, codeLength)

			c.t = c.t.Add(time.Minute)
			second, err := s.UpsertPairingRequest(ctx, request("default", "wxid_a"))
			require.NoError(t, err)
			assert.False(t, second.Created)
			assert.Equal(t, first.Code, second.Code)

			other, err := s.UpsertPairingRequest(ctx, request("work", "wxid_a"))
			require.NoError(t, err)
			assert.True(t, other.Created, "accounts pair independently")
			assert.NotEqual(t, first.Code, other.Code)
		})
	}
}

func TestStore_ExpiredRequestIsReplaced(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Unix(1700000000, 0)}
			s := factory(t, c)
			ctx := context.Background()

			first, err := s.UpsertPairingRequest(ctx, request("default", "wxid_a"))
			require.NoError(t, err)

			c.t = c.t.Add(PendingTTL + time.Second)
			pending, err := s.ListPendingPairings(ctx, "", "")
			require.NoError(t, err)
			assert.Empty(t, pending)

			again, err := s.UpsertPairingRequest(ctx, request("default", "wxid_a"))
			require.NoError(t, err)
			assert.True(t, again.Created)
			assert.NotEqual(t, first.Code, again.Code)
		})
	}
}

func TestStore_ListPending(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Unix(1700000000, 0)}
			s := factory(t, c)
			ctx := context.Background()

			_, err := s.UpsertPairingRequest(ctx, request("default", "wxid_a"))
			require.NoError(t, err)
			c.t = c.t.Add(time.Second)
			_, err = s.UpsertPairingRequest(ctx, request("work", "wxid_b"))
			require.NoError(t, err)

			all, err := s.ListPendingPairings(ctx, host.ChannelID, "")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "wxid_b", all[0].PeerID, "newest first")
			assert.Equal(t, map[string]string{"name": "wxid_b"}, all[0].Meta)

			work, err := s.ListPendingPairings(ctx, host.ChannelID, "work")
			require.NoError(t, err)
			require.Len(t, work, 1)
			assert.Equal(t, "work", work[0].AccountID)
		})
	}
}

func TestStore_ApprovePairing(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Unix(1700000000, 0)}
			s := factory(t, c)
			ctx := context.Background()

			res, err := s.UpsertPairingRequest(ctx, request("default", "wxid_a"))
			require.NoError(t, err)

			peers, err := s.ReadAllowFrom(ctx, host.ChannelID, "default")
			require.NoError(t, err)
			assert.Empty(t, peers)

			approved, err := s.ApprovePairing(ctx, host.ChannelID, strings.ToLower(res.Code))
			require.NoError(t, err)
			assert.Equal(t, "wxid_a", approved.PeerID)

			peers, err = s.ReadAllowFrom(ctx, host.ChannelID, "default")
			require.NoError(t, err)
			assert.Equal(t, []string{"wxid_a"}, peers)

			pending, err := s.ListPendingPairings(ctx, "", "")
			require.NoError(t, err)
			assert.Empty(t, pending)

			_, err = s.ApprovePairing(ctx, host.ChannelID, res.Code)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.ApprovePairing(ctx, host.ChannelID, "NOPE2345")
			assert.ErrorIs(t, err, host.ErrPairingNotFound)
		})
	}
}

func TestStore_ApproveExpiredFails(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Unix(1700000000, 0)}
			s := factory(t, c)
			ctx := context.Background()

			res, err := s.UpsertPairingRequest(ctx, request("default", "wxid_a"))
			require.NoError(t, err)
			c.t = c.t.Add(2 * PendingTTL)

			_, err = s.ApprovePairing(ctx, host.ChannelID, res.Code)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_AllowFromAddRemove(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Unix(1700000000, 0)}
			s := factory(t, c)
			ctx := context.Background()

			require.NoError(t, s.AddAllowFrom(ctx, host.ChannelID, "default", "wxid_a"))
			c.t = c.t.Add(time.Second)
			require.NoError(t, s.AddAllowFrom(ctx, host.ChannelID, "default", "wxid_b"))
			require.NoError(t, s.AddAllowFrom(ctx, host.ChannelID, "default", "wxid_a"))

			peers, err := s.ReadAllowFrom(ctx, host.ChannelID, "default")
			require.NoError(t, err)
			assert.Equal(t, []string{"wxid_a", "wxid_b"}, peers)

			require.NoError(t, s.RemoveAllowFrom(ctx, host.ChannelID, "default", "wxid_a"))
			assert.ErrorIs(t, s.RemoveAllowFrom(ctx, host.ChannelID, "default", "wxid_a"), ErrNotFound)

			peers, err = s.ReadAllowFrom(ctx, host.ChannelID, "default")
			require.NoError(t, err)
			assert.Equal(t, []string{"wxid_b"}, peers)
		})
	}
}

func TestPairingReply(t *testing.T) {
	s := NewMemoryStore()
	reply := s.BuildPairingReply("Your WeChat id: wxid_a", "ABCD2345")
	assert.Contains(t, reply, "Your WeChat id: wxid_a")
	assert.Contains(t, reply, "Pairing code: ABCD2345")
	assert.Contains(t, reply, "wap-gateway pairing approve ABCD2345")
}

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		assert.Len(t, code, codeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q", r)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 95)
}
