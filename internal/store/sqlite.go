// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides pairing request and allow-from persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/wap-gateway/internal/host"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == MemoryPath {
		// Every connection would get its own empty in-memory database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pairing_requests (
			code        TEXT PRIMARY KEY,
			channel     TEXT NOT NULL,
			account_id  TEXT NOT NULL,
			peer_id     TEXT NOT NULL,
			meta_json   TEXT,
			created_at  INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_pairing_peer
			ON pairing_requests(channel, account_id, peer_id);

		CREATE INDEX IF NOT EXISTS idx_pairing_created
			ON pairing_requests(created_at);

		CREATE TABLE IF NOT EXISTS allow_from (
			channel     TEXT NOT NULL,
			account_id  TEXT NOT NULL,
			peer_id     TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (channel, account_id, peer_id)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// UpsertPairingRequest returns the pending code for the peer, creating a
// request when none is pending or the old one expired.
func (s *SQLiteStore) UpsertPairingRequest(ctx context.Context, req host.PairingRequest) (host.PairingResult, error) {
	now := s.now()
	cutoff := now.Add(-PendingTTL).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return host.PairingResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var code string
	var createdAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT code, created_at FROM pairing_requests
		WHERE channel = ? AND account_id = ? AND peer_id = ?
	`, req.Channel, req.AccountID, req.PeerID).Scan(&code, &createdAt)
	switch {
	case err == nil && createdAt > cutoff:
		return host.PairingResult{Code: code, Created: false}, tx.Commit()
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return host.PairingResult{}, fmt.Errorf("querying pairing request: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE created_at <= ?`, cutoff); err != nil {
		return host.PairingResult{}, fmt.Errorf("pruning expired pairing requests: %w", err)
	}

	var metaJSON []byte
	if len(req.Meta) > 0 {
		if metaJSON, err = json.Marshal(req.Meta); err != nil {
			return host.PairingResult{}, fmt.Errorf("marshaling pairing meta: %w", err)
		}
	}

	code, err = s.insertWithUniqueCode(ctx, tx, req, metaJSON, now.UnixMilli())
	if err != nil {
		return host.PairingResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM pairing_requests
		WHERE channel = ? AND account_id = ? AND code NOT IN (
			SELECT code FROM pairing_requests
			WHERE channel = ? AND account_id = ?
			ORDER BY created_at DESC LIMIT ?
		)
	`, req.Channel, req.AccountID, req.Channel, req.AccountID, MaxPendingPerAccount); err != nil {
		return host.PairingResult{}, fmt.Errorf("capping pairing requests: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return host.PairingResult{}, fmt.Errorf("committing pairing request: %w", err)
	}

	s.logger.Debug("created pairing request", "account_id", req.AccountID, "peer", req.PeerID)
	return host.PairingResult{Code: code, Created: true}, nil
}

func (s *SQLiteStore) insertWithUniqueCode(ctx context.Context, tx *sql.Tx, req host.PairingRequest, meta []byte, createdAt int64) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pairing_requests (code, channel, account_id, peer_id, meta_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel, account_id, peer_id)
			DO UPDATE SET code = excluded.code, meta_json = excluded.meta_json, created_at = excluded.created_at
		`, code, req.Channel, req.AccountID, req.PeerID, nullableString(meta), createdAt)
		if err == nil {
			return code, nil
		}
		if !strings.Contains(err.Error(), "UNIQUE") {
			return "", fmt.Errorf("inserting pairing request: %w", err)
		}
	}
	return "", ErrCodeSpace
}

// BuildPairingReply implements host.PairingStore.
func (s *SQLiteStore) BuildPairingReply(idLine, code string) string {
	return PairingReply(idLine, code)
}

// ListPendingPairings returns unexpired requests, newest first.
func (s *SQLiteStore) ListPendingPairings(ctx context.Context, channel, accountID string) ([]host.PendingPairing, error) {
	cutoff := s.now().Add(-PendingTTL).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, channel, account_id, peer_id, meta_json, created_at
		FROM pairing_requests
		WHERE created_at > ? AND (? = '' OR channel = ?) AND (? = '' OR account_id = ?)
		ORDER BY created_at DESC
	`, cutoff, channel, channel, accountID, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing pairing requests: %w", err)
	}
	defer rows.Close()

	var out []host.PendingPairing
	for rows.Next() {
		p, err := scanPairing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApprovePairing moves the request with code into the allow-from list.
func (s *SQLiteStore) ApprovePairing(ctx context.Context, channel, code string) (host.PendingPairing, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	cutoff := s.now().Add(-PendingTTL).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return host.PendingPairing{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT code, channel, account_id, peer_id, meta_json, created_at
		FROM pairing_requests
		WHERE code = ? AND channel = ? AND created_at > ?
	`, code, channel, cutoff)
	p, err := scanPairing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return host.PendingPairing{}, ErrNotFound
	}
	if err != nil {
		return host.PendingPairing{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = ?`, code); err != nil {
		return host.PendingPairing{}, fmt.Errorf("deleting pairing request: %w", err)
	}
	if err := insertAllowFrom(ctx, tx, p.Channel, p.AccountID, p.PeerID, s.now()); err != nil {
		return host.PendingPairing{}, err
	}
	if err := tx.Commit(); err != nil {
		return host.PendingPairing{}, fmt.Errorf("committing approval: %w", err)
	}

	s.logger.Info("approved pairing request", "account_id", p.AccountID, "peer", p.PeerID)
	return p, nil
}

// ReadAllowFrom returns the approved peers of an account.
func (s *SQLiteStore) ReadAllowFrom(ctx context.Context, channel, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_id FROM allow_from
		WHERE channel = ? AND account_id = ?
		ORDER BY created_at
	`, channel, accountID)
	if err != nil {
		return nil, fmt.Errorf("reading allow-from: %w", err)
	}
	defer rows.Close()

	peers := []string{}
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, fmt.Errorf("scanning allow-from row: %w", err)
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// AddAllowFrom adds a peer directly. Adding an existing peer is a no-op.
func (s *SQLiteStore) AddAllowFrom(ctx context.Context, channel, accountID, peerID string) error {
	return insertAllowFrom(ctx, s.db, channel, accountID, peerID, s.now())
}

// RemoveAllowFrom revokes a peer.
func (s *SQLiteStore) RemoveAllowFrom(ctx context.Context, channel, accountID, peerID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM allow_from WHERE channel = ? AND account_id = ? AND peer_id = ?
	`, channel, accountID, peerID)
	if err != nil {
		return fmt.Errorf("removing allow-from: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAllowFrom(ctx context.Context, db execer, channel, accountID, peerID string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO allow_from (channel, account_id, peer_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel, account_id, peer_id) DO NOTHING
	`, channel, accountID, peerID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting allow-from: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPairing(row scanner) (host.PendingPairing, error) {
	var p host.PendingPairing
	var meta sql.NullString
	err := row.Scan(&p.Code, &p.Channel, &p.AccountID, &p.PeerID, &meta, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("scanning pairing request: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &p.Meta); err != nil {
			return p, fmt.Errorf("decoding pairing meta: %w", err)
		}
	}
	return p, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
