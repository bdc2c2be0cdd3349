package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type DelegatorConfig struct {
	InstanceID    string
	ChainID       uint64
	Partitions    int
	StartBlock    uint64
	Confirmations uint64
	PollInterval  time.Duration
	RetryDelay    time.Duration
}

// Delegator splits each confirmed block into partitions and hands them to
// scan workers. Its cursor moves once every partition is accepted by the
// broker; the workers own everything after that.
type Delegator struct {
	cfg       DelegatorConfig
	nodes     []ChainNode
	publisher Publisher
	cursor    CursorStore
	observer  Observer

	next   uint64
	loaded bool
}

func NewDelegator(cfg DelegatorConfig, nodes []ChainNode, publisher Publisher, cursor CursorStore, observer Observer) (*Delegator, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNode
	}
	if publisher == nil || cursor == nil {
		return nil, errors.New("delegator dependencies must not be nil")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Delegator{cfg: cfg, nodes: nodes, publisher: publisher, cursor: cursor, observer: observerOrNop(observer)}, nil
}

func (d *Delegator) Run(ctx context.Context) error {
	for {
		advanced, err := d.Tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if advanced {
			continue
		}
		wait := d.cfg.PollInterval
		if err != nil {
			slog.Error("delegate failed, retrying", "instance", d.cfg.InstanceID, "block", d.next, "err", err)
			wait = d.cfg.RetryDelay
		}
		if err := sleepContext(ctx, wait); err != nil {
			return nil
		}
	}
}

func (d *Delegator) Tick(ctx context.Context) (bool, error) {
	if !d.loaded {
		last, ok, err := d.cursor.LastProcessedBlock(ctx, d.cfg.InstanceID)
		if err != nil {
			return false, fmt.Errorf("load cursor: %w", err)
		}
		d.next = d.cfg.StartBlock
		if ok && last+1 > d.next {
			d.next = last + 1
		}
		d.loaded = true
	}
	head, err := d.nodes[0].LatestBlockNumber(ctx)
	if err != nil {
		return false, err
	}
	d.observer.ChainHead(head)
	if head < d.cfg.Confirmations || d.next > head-d.cfg.Confirmations {
		return false, nil
	}

	block, err := FetchBlock(ctx, d.nodes, d.next)
	if err != nil {
		return false, err
	}
	tasks := PartitionBlock(d.cfg.ChainID, block.Number, block.Timestamp, LockID(d.cfg.InstanceID, block.Number), block.TxHashes, d.cfg.Partitions)
	if len(tasks) > 0 {
		if err := d.publisher.PublishScan(ctx, tasks); err != nil {
			return false, fmt.Errorf("publish block %d: %w", block.Number, err)
		}
	}
	if err := d.cursor.SetLastProcessedBlock(ctx, d.cfg.InstanceID, block.Number); err != nil {
		return false, fmt.Errorf("advance cursor to %d: %w", block.Number, err)
	}
	slog.Info("block delegated", "block", block.Number, "txs", len(block.TxHashes), "tasks", len(tasks))
	d.next = block.Number + 1
	return true, nil
}

// PartitionBlock deals hashes round-robin into at most n tasks sharing
// lockID. Empty partitions are dropped.
func PartitionBlock(chainID, number, timestamp uint64, lockID string, hashes []string, n int) []ScanTask {
	if n <= 0 {
		n = 1
	}
	if n > len(hashes) {
		n = len(hashes)
	}
	buckets := make([][]string, n)
	for i, hash := range hashes {
		buckets[i%n] = append(buckets[i%n], hash)
	}
	tasks := make([]ScanTask, 0, n)
	for i, bucket := range buckets {
		tasks = append(tasks, ScanTask{
			ChainID:     chainID,
			BlockNumber: number,
			BlockTime:   timestamp,
			LockID:      lockID,
			Partition:   i,
			Partitions:  n,
			Hashes:      bucket,
		})
	}
	return tasks
}

// HandleScanTask retries task until it succeeds or ctx ends. Scan tasks
// are never dropped: the broker offset only moves after this returns nil.
func HandleScanTask(ctx context.Context, reconciler *Reconciler, task ScanTask, retryDelay time.Duration) error {
	for attempt := 1; ; attempt++ {
		err := reconciler.ProcessPartition(ctx, task)
		if err == nil {
			return nil
		}
		reconciler.observer.BlockFailed(task.BlockNumber)
		slog.Error("scan task failed, retrying",
			"block", task.BlockNumber,
			"partition", task.Partition,
			"attempt", attempt,
			"err", err,
		)
		if err := sleepContext(ctx, retryDelay); err != nil {
			return err
		}
	}
}
