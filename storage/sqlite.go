// Package storage persists evaluation audits and settlement receipts. The
// core never reads this data back during a deal evaluation; it exists for
// operators and for deduplicating resubmitted transactions.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrDuplicateTransaction is returned when a receipt with the same tx hash is
// already recorded. Canonical hashing makes this the dedup point for a deal
// resubmitted with an identical timestamp.
var ErrDuplicateTransaction = errors.New("transaction hash already recorded")

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("not found")

// Store is a SQLite-backed audit store.
type Store struct {
	db *sql.DB
}

// ConsensusAudit captures one consensus evaluation's outcome.
type ConsensusAudit struct {
	DealID        string
	Approved      bool
	ApprovalCount int
	VerifierCount int
	Threshold     float64
	ElapsedMS     int64
	CreatedAt     time.Time
}

// ReceiptRecord is a persisted settlement receipt.
type ReceiptRecord struct {
	ID            string
	DealID        string
	TxHash        string
	BlockNumber   uint64
	Status        string
	Confirmations uint32
	GasUsed       uint64
	CreatedAt     time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS consensus_audit (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            deal_id TEXT NOT NULL,
            approved INTEGER NOT NULL,
            approval_count INTEGER NOT NULL,
            verifier_count INTEGER NOT NULL,
            threshold REAL NOT NULL,
            elapsed_ms INTEGER NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS receipts (
            id TEXT PRIMARY KEY,
            deal_id TEXT NOT NULL,
            tx_hash TEXT NOT NULL UNIQUE,
            block_number INTEGER NOT NULL,
            status TEXT NOT NULL,
            confirmations INTEGER NOT NULL,
            gas_used INTEGER NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertConsensusAudit appends one evaluation outcome.
func (s *Store) InsertConsensusAudit(ctx context.Context, audit ConsensusAudit) error {
	const query = `INSERT INTO consensus_audit (deal_id, approved, approval_count, verifier_count, threshold, elapsed_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	approved := 0
	if audit.Approved {
		approved = 1
	}
	createdAt := audit.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query, audit.DealID, approved, audit.ApprovalCount, audit.VerifierCount, audit.Threshold, audit.ElapsedMS, createdAt)
	return err
}

// SaveReceipt records a confirmed settlement. The record's ID is assigned here
// when empty.
func (s *Store) SaveReceipt(ctx context.Context, rec ReceiptRecord) (ReceiptRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO receipts (id, deal_id, tx_hash, block_number, status, confirmations, gas_used, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, rec.ID, rec.DealID, rec.TxHash, rec.BlockNumber, rec.Status, rec.Confirmations, rec.GasUsed, rec.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ReceiptRecord{}, ErrDuplicateTransaction
		}
		return ReceiptRecord{}, err
	}
	return rec, nil
}

// ReceiptByTxHash looks up a persisted receipt by its transaction hash.
func (s *Store) ReceiptByTxHash(ctx context.Context, txHash string) (ReceiptRecord, error) {
	const query = `SELECT id, deal_id, tx_hash, block_number, status, confirmations, gas_used, created_at
        FROM receipts WHERE tx_hash = ?`
	return s.scanReceipt(s.db.QueryRowContext(ctx, query, txHash))
}

// ReceiptsByDeal returns all receipts recorded for a deal, oldest first.
func (s *Store) ReceiptsByDeal(ctx context.Context, dealID string) ([]ReceiptRecord, error) {
	const query = `SELECT id, deal_id, tx_hash, block_number, status, confirmations, gas_used, created_at
        FROM receipts WHERE deal_id = ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []ReceiptRecord
	for rows.Next() {
		var rec ReceiptRecord
		if err := rows.Scan(&rec.ID, &rec.DealID, &rec.TxHash, &rec.BlockNumber, &rec.Status, &rec.Confirmations, &rec.GasUsed, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastConsensusAudit returns the most recent evaluation recorded for a deal.
func (s *Store) LastConsensusAudit(ctx context.Context, dealID string) (ConsensusAudit, error) {
	const query = `SELECT deal_id, approved, approval_count, verifier_count, threshold, elapsed_ms, created_at
        FROM consensus_audit WHERE deal_id = ? ORDER BY id DESC LIMIT 1`
	var audit ConsensusAudit
	var approved int
	err := s.db.QueryRowContext(ctx, query, dealID).Scan(&audit.DealID, &approved, &audit.ApprovalCount, &audit.VerifierCount, &audit.Threshold, &audit.ElapsedMS, &audit.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ConsensusAudit{}, ErrNotFound
	}
	if err != nil {
		return ConsensusAudit{}, err
	}
	audit.Approved = approved != 0
	return audit, nil
}

func (s *Store) scanReceipt(row *sql.Row) (ReceiptRecord, error) {
	var rec ReceiptRecord
	err := row.Scan(&rec.ID, &rec.DealID, &rec.TxHash, &rec.BlockNumber, &rec.Status, &rec.Confirmations, &rec.GasUsed, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReceiptRecord{}, ErrNotFound
	}
	if err != nil {
		return ReceiptRecord{}, err
	}
	return rec, nil
}
