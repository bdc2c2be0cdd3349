package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"txrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// Repository is a single-file ledger shard for local runs and tests.
type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer keeps read-modify-write balance updates serialized.
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transaction_log (
			chain_id INTEGER NOT NULL,
			tx_hash TEXT NOT NULL,
			uuid TEXT NOT NULL,
			client_id TEXT NOT NULL,
			block_number INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (chain_id, tx_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			chain_id INTEGER NOT NULL,
			contract TEXT NOT NULL,
			address TEXT NOT NULL,
			balance TEXT NOT NULL,
			PRIMARY KEY (chain_id, contract, address)
		)`,
		`CREATE TABLE IF NOT EXISTS balance_applied (
			chain_id INTEGER NOT NULL,
			contract TEXT NOT NULL,
			address TEXT NOT NULL,
			token TEXT NOT NULL,
			PRIMARY KEY (chain_id, contract, address, token)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// BatchPutLogs upserts all records in one transaction; a failure leaves
// none written, so nothing is ever reported as unprocessed.
func (r *Repository) BatchPutLogs(ctx context.Context, records []domain.TransactionLogRecord) ([]domain.TransactionLogRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transaction_log (chain_id, tx_hash, uuid, client_id, block_number, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, tx_hash) DO UPDATE SET
			uuid = excluded.uuid,
			client_id = excluded.client_id,
			block_number = excluded.block_number,
			payload = excluded.payload`)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	defer stmt.Close()

	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx,
			record.ChainID,
			strings.ToLower(record.Hash),
			record.UUID,
			record.ClientID,
			record.BlockNumber,
			string(payload),
		); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	return nil, tx.Commit()
}

func (r *Repository) BatchGetLogs(ctx context.Context, chainID uint64, hashes []string) ([]domain.TransactionLogRecord, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := []any{chainID}
	for _, hash := range hashes {
		args = append(args, strings.ToLower(hash))
	}
	query := `SELECT payload FROM transaction_log WHERE chain_id = ? AND tx_hash IN (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(hashes)), ", ") + `) ORDER BY block_number, tx_hash`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TransactionLogRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record domain.TransactionLogRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ApplyBalance records token and adds the delta in one transaction. A
// token already recorded for the pair makes this a no-op.
func (r *Repository) ApplyBalance(ctx context.Context, adj domain.BalanceAdjustment, token string) (bool, error) {
	if adj.Delta == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	contract := strings.ToLower(adj.Contract)
	address := strings.ToLower(adj.Address)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO balance_applied (chain_id, contract, address, token)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`, adj.ChainID, contract, address, token)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		_ = tx.Rollback()
		return false, err
	}

	current := new(big.Int)
	var stored string
	err = tx.QueryRowContext(ctx, `SELECT balance FROM balances WHERE chain_id = ? AND contract = ? AND address = ?`,
		adj.ChainID, contract, address).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		_ = tx.Rollback()
		return false, err
	default:
		if _, ok := current.SetString(stored, 10); !ok {
			_ = tx.Rollback()
			return false, fmt.Errorf("corrupt balance %q for %s", stored, address)
		}
	}
	current.Add(current, adj.Delta)
	if _, err := tx.ExecContext(ctx, `INSERT INTO balances (chain_id, contract, address, balance)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id, contract, address) DO UPDATE SET balance = excluded.balance`,
		adj.ChainID, contract, address, current.String()); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) GetBalance(ctx context.Context, chainID uint64, contract, address string) (domain.Balance, error) {
	balance := domain.Balance{
		ChainID:  chainID,
		Contract: strings.ToLower(contract),
		Address:  strings.ToLower(address),
		Amount:   "0",
	}
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM balances WHERE chain_id = ? AND contract = ? AND address = ?`,
		chainID, balance.Contract, balance.Address).Scan(&balance.Amount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Balance{}, err
	}
	return balance, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}
