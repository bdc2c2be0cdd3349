package application

import (
	"context"
	"time"

	"txrelay/internal/domain"
	"txrelay/internal/nonce"
)

// RequestStore persists transaction_meta rows. Every transition is a
// conditional single-row update; a false result means the row was not in
// a state that allows the transition.
type RequestStore interface {
	Insert(ctx context.Context, req domain.TransactionRequest) (bool, error)
	Get(ctx context.Context, uuid string) (domain.TransactionRequest, error)
	FindByHashes(ctx context.Context, chainID uint64, hashes []string) ([]domain.TransactionRequest, error)
	ListByLockID(ctx context.Context, lockID string) ([]domain.TransactionRequest, error)
	ListDue(ctx context.Context, chainID uint64, now time.Time, limit int) ([]domain.TransactionRequest, error)
	Claim(ctx context.Context, uuid string, now, leaseUntil time.Time) (bool, error)
	MarkSubmitted(ctx context.Context, uuid string, sub domain.Submission) (bool, error)
	Reschedule(ctx context.Context, uuid string, kind domain.FailureKind, reason string, next time.Time) (bool, error)
	Defer(ctx context.Context, uuid string, next time.Time) (bool, error)
	MarkFailed(ctx context.Context, uuid string, kind domain.FailureKind, reason string) (bool, error)
	ClaimMined(ctx context.Context, chainID uint64, hashes []string, lockID string, blockNumber uint64) ([]domain.TransactionRequest, error)
	Finalize(ctx context.Context, uuid string, outcome domain.Outcome) (bool, error)
}

// CursorStore persists the last fully reconciled block per scanner instance.
type CursorStore interface {
	LastProcessedBlock(ctx context.Context, instanceID string) (uint64, bool, error)
	SetLastProcessedBlock(ctx context.Context, instanceID string, block uint64) error
}

// ChainNode is one chain node replica as seen by the reconciler.
type ChainNode interface {
	URL() string
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (domain.Block, error)
	TransactionReceipts(ctx context.Context, hashes []string) ([]domain.Receipt, error)
	TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, bool, error)
}

// EventDecoder turns raw logs into transfer events. ok is false for logs
// that are not transfers.
type EventDecoder interface {
	DecodeTransfer(log domain.Log) (event domain.TransferEvent, ok bool, err error)
}

// Settlement derives balance adjustments for a recognized transaction.
type Settlement interface {
	Settle(ctx context.Context, req domain.TransactionRequest, receipt domain.Receipt, events []domain.TransferEvent) ([]domain.BalanceAdjustment, error)
}

// ShardStore is one shard of the ledger. BatchPutLogs returns the records
// the backend did not accept; only those are retried.
type ShardStore interface {
	BatchPutLogs(ctx context.Context, records []domain.TransactionLogRecord) ([]domain.TransactionLogRecord, error)
	BatchGetLogs(ctx context.Context, chainID uint64, hashes []string) ([]domain.TransactionLogRecord, error)
	// ApplyBalance adds adj.Delta unless token was already applied to
	// the same (contract, address).
	ApplyBalance(ctx context.Context, adj domain.BalanceAdjustment, token string) (bool, error)
	GetBalance(ctx context.Context, chainID uint64, contract, address string) (domain.Balance, error)
}

// ShardResolver maps a client to the shard that owns its records.
type ShardResolver interface {
	ShardFor(clientID string) (string, ShardStore)
	Shard(name string) (ShardStore, bool)
}

// Broadcaster signs and sends a transaction from worker with nonce.
// Errors are *domain.Failure values carrying the classification.
type Broadcaster interface {
	Broadcast(ctx context.Context, worker domain.Worker, nonce uint64, req domain.TransactionRequest) (domain.Submission, error)
}

// NonceProvider hands out nonce leases per sender.
type NonceProvider interface {
	Acquire(ctx context.Context, key nonce.Key) (*nonce.Lease, error)
}

// Publisher hands work to executors and scan workers.
type Publisher interface {
	PublishSubmit(ctx context.Context, chainID uint64, uuid string) error
	PublishScan(ctx context.Context, tasks []ScanTask) error
}

// ScanTask is one partition of a block handed to a scan worker.
type ScanTask struct {
	ChainID     uint64
	BlockNumber uint64
	BlockTime   uint64
	LockID      string
	Partition   int
	Partitions  int
	Hashes      []string
}
