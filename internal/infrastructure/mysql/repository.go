package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"txrelay/internal/domain"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const errDuplicateEntry = 1062

const requestColumns = `uuid, transaction_hash, chain_id, client_id, kind, status, nonce, from_address, to_address,
	contract_address, amount, entity_key, raw_transaction, retry_count, next_action_at, lock_id,
	failure_kind, failure_reason, block_number, gas_used, created_at, updated_at`

// Repository stores transaction_meta rows and scanner cursors in MySQL.
type Repository struct {
	db *sql.DB
}

func NewRepository(dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// NewRepositoryFromDB wraps an open handle without touching the schema.
func NewRepositoryFromDB(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transaction_meta (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			uuid CHAR(36) NOT NULL,
			transaction_hash VARCHAR(66) NOT NULL DEFAULT '',
			chain_id BIGINT UNSIGNED NOT NULL,
			client_id VARCHAR(128) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL,
			nonce BIGINT UNSIGNED NULL,
			from_address VARCHAR(42) NOT NULL DEFAULT '',
			to_address VARCHAR(42) NOT NULL,
			contract_address VARCHAR(42) NOT NULL DEFAULT '',
			amount VARCHAR(80) NOT NULL,
			entity_key VARCHAR(128) NOT NULL DEFAULT '',
			raw_transaction MEDIUMTEXT NULL,
			retry_count INT UNSIGNED NOT NULL DEFAULT 0,
			next_action_at DATETIME(6) NULL,
			lock_id VARCHAR(128) NOT NULL DEFAULT '',
			failure_kind VARCHAR(32) NOT NULL DEFAULT '',
			failure_reason VARCHAR(512) NOT NULL DEFAULT '',
			block_number BIGINT UNSIGNED NOT NULL DEFAULT 0,
			gas_used BIGINT UNSIGNED NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			PRIMARY KEY (id),
			UNIQUE KEY meta_uuid (uuid),
			KEY meta_hash_idx (chain_id, transaction_hash),
			KEY meta_lock_idx (lock_id),
			KEY meta_due_idx (chain_id, status, next_action_at)
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			state_key VARCHAR(64) NOT NULL,
			state_value VARCHAR(64) NOT NULL,
			PRIMARY KEY (state_key)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	if err := ensureColumn(db, "transaction_meta", "gas_used", "BIGINT UNSIGNED NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(db, "transaction_meta", "entity_key", "VARCHAR(128) NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func ensureColumn(db *sql.DB, table, column, definition string) error {
	var count int
	row := db.QueryRow(
		`SELECT COUNT(*) FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?`,
		table,
		column,
	)
	if err := row.Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	_, err := db.Exec(stmt)
	return err
}

// Insert adds a queued row. A duplicate uuid returns false without error.
func (r *Repository) Insert(ctx context.Context, req domain.TransactionRequest) (bool, error) {
	ctx, span := startDBSpan(ctx, "mysql.Insert", attribute.String("request.uuid", req.UUID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `INSERT INTO transaction_meta
		(uuid, chain_id, client_id, kind, status, to_address, contract_address, amount, entity_key, next_action_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.UUID,
		req.ChainID,
		req.ClientID,
		req.Kind,
		string(req.Status),
		strings.ToLower(req.ToAddress),
		strings.ToLower(req.ContractAddress),
		req.Amount,
		req.EntityKey,
		nullTime(req.NextActionAt),
	)
	if err != nil {
		var myErr *mysqldriver.MySQLError
		if errors.As(err, &myErr) && myErr.Number == errDuplicateEntry {
			return false, nil
		}
		recordSpanError(span, err)
		return false, err
	}
	return true, nil
}

func (r *Repository) Get(ctx context.Context, uuid string) (domain.TransactionRequest, error) {
	ctx, span := startDBSpan(ctx, "mysql.Get", attribute.String("request.uuid", uuid))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM transaction_meta WHERE uuid = ?`, uuid)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransactionRequest{}, domain.ErrNotFound
	}
	if err != nil {
		recordSpanError(span, err)
		return domain.TransactionRequest{}, err
	}
	return req, nil
}

func (r *Repository) FindByHashes(ctx context.Context, chainID uint64, hashes []string) ([]domain.TransactionRequest, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	ctx, span := startDBSpan(ctx, "mysql.FindByHashes",
		attribute.Int64("chain.id", int64(chainID)),
		attribute.Int("hash.count", len(hashes)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := []any{chainID}
	args = append(args, lowerAll(hashes)...)
	query := `SELECT ` + requestColumns + ` FROM transaction_meta
		WHERE chain_id = ? AND transaction_hash IN (` + placeholders(len(hashes)) + `)`
	reqs, err := r.queryRequests(ctx, query, args...)
	if err != nil {
		recordSpanError(span, err)
	}
	return reqs, err
}

func (r *Repository) ListByLockID(ctx context.Context, lockID string) ([]domain.TransactionRequest, error) {
	ctx, span := startDBSpan(ctx, "mysql.ListByLockID", attribute.String("lock.id", lockID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	reqs, err := r.queryRequests(ctx, `SELECT `+requestColumns+` FROM transaction_meta WHERE lock_id = ? ORDER BY id`, lockID)
	if err != nil {
		recordSpanError(span, err)
	}
	return reqs, err
}

// ListDue returns the rows whose next_action_at passed: non-terminal,
// unmined rows plus rows a late settlement claimed and did not finish.
func (r *Repository) ListDue(ctx context.Context, chainID uint64, now time.Time, limit int) ([]domain.TransactionRequest, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	ctx, span := startDBSpan(ctx, "mysql.ListDue", attribute.Int64("chain.id", int64(chainID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	reqs, err := r.queryRequests(ctx, `SELECT `+requestColumns+` FROM transaction_meta
		WHERE chain_id = ? AND next_action_at <= ?
			AND (status IN ('queued', 'processing', 'submitted') OR (status = 'mined' AND lock_id LIKE ?))
		ORDER BY next_action_at LIMIT ?`, chainID, now.UTC(), domain.LateLockPrefix+"%", limit)
	if err != nil {
		recordSpanError(span, err)
	}
	return reqs, err
}

// Claim moves a queued row, or a processing row whose lease expired, to
// processing with a fresh lease.
func (r *Repository) Claim(ctx context.Context, uuid string, now, leaseUntil time.Time) (bool, error) {
	return r.transition(ctx, "mysql.Claim", uuid, `UPDATE transaction_meta
		SET status = 'processing', next_action_at = ?, updated_at = CURRENT_TIMESTAMP(6)
		WHERE uuid = ? AND (status = 'queued' OR (status = 'processing' AND next_action_at <= ?))`,
		leaseUntil.UTC(), uuid, now.UTC())
}

func (r *Repository) MarkSubmitted(ctx context.Context, uuid string, sub domain.Submission) (bool, error) {
	return r.transition(ctx, "mysql.MarkSubmitted", uuid, `UPDATE transaction_meta
		SET status = 'submitted', transaction_hash = ?, nonce = ?, raw_transaction = ?, from_address = ?,
			next_action_at = ?, updated_at = CURRENT_TIMESTAMP(6)
		WHERE uuid = ? AND status = 'processing'`,
		strings.ToLower(sub.Hash), sub.Nonce, sub.Raw, strings.ToLower(sub.From), sub.NextActionAt.UTC(), uuid)
}

func (r *Repository) Reschedule(ctx context.Context, uuid string, kind domain.FailureKind, reason string, next time.Time) (bool, error) {
	return r.transition(ctx, "mysql.Reschedule", uuid, `UPDATE transaction_meta
		SET status = 'processing', retry_count = retry_count + 1, failure_kind = ?, failure_reason = ?,
			next_action_at = ?, updated_at = CURRENT_TIMESTAMP(6)
		WHERE uuid = ? AND status IN ('processing', 'submitted')`,
		string(kind), reason, next.UTC(), uuid)
}

func (r *Repository) Defer(ctx context.Context, uuid string, next time.Time) (bool, error) {
	return r.transition(ctx, "mysql.Defer", uuid, `UPDATE transaction_meta
		SET next_action_at = ?, updated_at = CURRENT_TIMESTAMP(6)
		WHERE uuid = ? AND status IN ('submitted', 'mined')`,
		next.UTC(), uuid)
}

func (r *Repository) MarkFailed(ctx context.Context, uuid string, kind domain.FailureKind, reason string) (bool, error) {
	return r.transition(ctx, "mysql.MarkFailed", uuid, `UPDATE transaction_meta
		SET status = 'failed', failure_kind = ?, failure_reason = ?, next_action_at = NULL, updated_at = CURRENT_TIMESTAMP(6)
		WHERE uuid = ? AND status IN ('processing', 'submitted')`,
		string(kind), reason, uuid)
}

func (r *Repository) Finalize(ctx context.Context, uuid string, outcome domain.Outcome) (bool, error) {
	return r.transition(ctx, "mysql.Finalize", uuid, `UPDATE transaction_meta
		SET status = ?, block_number = ?, gas_used = ?, failure_kind = ?, next_action_at = NULL, updated_at = CURRENT_TIMESTAMP(6)
		WHERE uuid = ? AND status = 'mined'`,
		string(outcome.Status), outcome.BlockNumber, outcome.GasUsed, string(outcome.FailureKind), uuid)
}

// ClaimMined marks the submitted rows among hashes as mined under lockID
// in one conditional UPDATE, then reads back what the lock holds. Rows
// already mined under the same lockID are returned again so a replayed
// batch settles them once more; rows held by another lock are left alone.
func (r *Repository) ClaimMined(ctx context.Context, chainID uint64, hashes []string, lockID string, blockNumber uint64) ([]domain.TransactionRequest, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	ctx, span := startDBSpan(ctx, "mysql.ClaimMined",
		attribute.Int64("chain.id", int64(chainID)),
		attribute.String("lock.id", lockID),
		attribute.Int("hash.count", len(hashes)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	lowered := lowerAll(hashes)
	args := []any{lockID, blockNumber, chainID}
	args = append(args, lowered...)
	args = append(args, lockID)
	if _, err := r.db.ExecContext(ctx, `UPDATE transaction_meta
		SET status = 'mined', lock_id = ?, block_number = ?, updated_at = CURRENT_TIMESTAMP(6)
		WHERE chain_id = ? AND transaction_hash IN (`+placeholders(len(hashes))+`)
			AND (status = 'submitted' OR (status = 'mined' AND lock_id = ?))`, args...); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	held, err := r.ListByLockID(ctx, lockID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	// Partitions of one block share a lock; keep only this call's hashes.
	wanted := make(map[string]struct{}, len(lowered))
	for _, hash := range lowered {
		wanted[hash.(string)] = struct{}{}
	}
	claimed := held[:0]
	for _, req := range held {
		if _, ok := wanted[req.Hash]; ok && req.ChainID == chainID && req.Status == domain.StatusMined {
			claimed = append(claimed, req)
		}
	}
	return claimed, nil
}

func (r *Repository) LastProcessedBlock(ctx context.Context, instanceID string) (uint64, bool, error) {
	var value string
	key := stateKey(instanceID)
	if err := r.db.QueryRowContext(ctx, `SELECT state_value FROM state WHERE state_key = ?`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var block uint64
	if _, err := fmt.Sscanf(value, "%d", &block); err != nil {
		return 0, false, err
	}
	return block, true, nil
}

func (r *Repository) SetLastProcessedBlock(ctx context.Context, instanceID string, block uint64) error {
	ctx, span := startDBSpan(ctx, "mysql.SetLastProcessedBlock",
		attribute.String("scanner.instance", instanceID),
		attribute.Int64("block.number", int64(block)),
	)
	defer span.End()
	key := stateKey(instanceID)
	_, err := r.db.ExecContext(ctx, `INSERT INTO state (state_key, state_value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE state_value = VALUES(state_value)`, key, fmt.Sprintf("%d", block))
	if err != nil {
		recordSpanError(span, err)
	}
	return err
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) transition(ctx context.Context, name, uuid, query string, args ...any) (bool, error) {
	ctx, span := startDBSpan(ctx, name, attribute.String("request.uuid", uuid))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("transition.applied", n > 0))
	return n > 0, nil
}

func (r *Repository) queryRequests(ctx context.Context, query string, args ...any) ([]domain.TransactionRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func collectRequests(rows *sql.Rows) ([]domain.TransactionRequest, error) {
	defer rows.Close()
	var out []domain.TransactionRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.TransactionRequest, error) {
	var (
		req     domain.TransactionRequest
		status  string
		nonce   sql.NullInt64
		raw     sql.NullString
		next    sql.NullTime
		failure string
	)
	err := row.Scan(
		&req.UUID,
		&req.Hash,
		&req.ChainID,
		&req.ClientID,
		&req.Kind,
		&status,
		&nonce,
		&req.FromAddress,
		&req.ToAddress,
		&req.ContractAddress,
		&req.Amount,
		&req.EntityKey,
		&raw,
		&req.RetryCount,
		&next,
		&req.LockID,
		&failure,
		&req.FailureReason,
		&req.BlockNumber,
		&req.GasUsed,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return domain.TransactionRequest{}, err
	}
	req.Status = domain.Status(status)
	req.FailureKind = domain.FailureKind(failure)
	req.RawTransaction = raw.String
	if nonce.Valid {
		value := uint64(nonce.Int64)
		req.Nonce = &value
	}
	if next.Valid {
		value := next.Time
		req.NextActionAt = &value
	}
	return req, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func lowerAll(values []string) []any {
	out := make([]any, len(values))
	for i, value := range values {
		out[i] = strings.ToLower(value)
	}
	return out
}

func stateKey(instanceID string) string {
	return "cursor:" + instanceID
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "mysql"))
	return otel.Tracer("txrelay/mysql").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
