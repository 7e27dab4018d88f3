// Package storage provides the sqlite index of trades. It is a derived
// view for listing and inspection; the per-trade journal remains the
// authority for state recovery.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
)

// Storage wraps the sqlite handle.
type Storage struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database under dataDir.
func New(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "swaps.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) initSchema() error {
	schema := `
	-- Trades index: one row per trade, rewritten after every accepted
	-- transition. The journal under trades/ is authoritative.
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		state TEXT NOT NULL,
		bch_amount INTEGER NOT NULL,
		xmr_amount INTEGER NOT NULL,
		swaplock_address TEXT,
		xmr_address TEXT,
		swaplock_txid TEXT,
		claim_txid TEXT,
		refund_txid TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_state ON trades(state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// TradeRow is the indexed view of one trade.
type TradeRow struct {
	ID              string
	Role            string
	State           string
	BchAmount       uint64
	XmrAmount       uint64
	SwaplockAddress string
	XmrAddress      string
	SwaplockTxID    string
	ClaimTxID       string
	RefundTxID      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UpsertTrade writes the current view of a trade.
func (s *Storage) UpsertTrade(row *TradeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO trades (id, role, state, bch_amount, xmr_amount,
			swaplock_address, xmr_address, swaplock_txid, claim_txid, refund_txid,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			swaplock_address = excluded.swaplock_address,
			xmr_address = excluded.xmr_address,
			swaplock_txid = excluded.swaplock_txid,
			claim_txid = excluded.claim_txid,
			refund_txid = excluded.refund_txid,
			updated_at = excluded.updated_at
	`, row.ID, row.Role, row.State, int64(row.BchAmount), int64(row.XmrAmount),
		row.SwaplockAddress, row.XmrAddress, row.SwaplockTxID, row.ClaimTxID, row.RefundTxID,
		now, now)
	return err
}

// GetTrade loads one trade row.
func (s *Storage) GetTrade(id string) (*TradeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, role, state, bch_amount, xmr_amount,
			swaplock_address, xmr_address, swaplock_txid, claim_txid, refund_txid,
			created_at, updated_at
		FROM trades WHERE id = ?
	`, id)

	var tr TradeRow
	var bch, xmr, created, updated int64
	err := row.Scan(&tr.ID, &tr.Role, &tr.State, &bch, &xmr,
		&tr.SwaplockAddress, &tr.XmrAddress, &tr.SwaplockTxID, &tr.ClaimTxID, &tr.RefundTxID,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}

	tr.BchAmount = uint64(bch)
	tr.XmrAmount = uint64(xmr)
	tr.CreatedAt = time.Unix(created, 0)
	tr.UpdatedAt = time.Unix(updated, 0)
	return &tr, nil
}

// ListTrades returns all trades, newest first.
func (s *Storage) ListTrades() ([]*TradeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, role, state, bch_amount, xmr_amount,
			swaplock_address, xmr_address, swaplock_txid, claim_txid, refund_txid,
			created_at, updated_at
		FROM trades ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradeRow
	for rows.Next() {
		var tr TradeRow
		var bch, xmr, created, updated int64
		if err := rows.Scan(&tr.ID, &tr.Role, &tr.State, &bch, &xmr,
			&tr.SwaplockAddress, &tr.XmrAddress, &tr.SwaplockTxID, &tr.ClaimTxID, &tr.RefundTxID,
			&created, &updated); err != nil {
			return nil, err
		}
		tr.BchAmount = uint64(bch)
		tr.XmrAmount = uint64(xmr)
		tr.CreatedAt = time.Unix(created, 0)
		tr.UpdatedAt = time.Unix(updated, 0)
		out = append(out, &tr)
	}
	return out, rows.Err()
}
