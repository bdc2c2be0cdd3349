package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"txrelay/internal/domain"

	"golang.org/x/sync/errgroup"
)

var ErrUnprocessed = errors.New("shard left records unprocessed")

type BatchOptions struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	return o
}

// LedgerBatch collects ledger records and balance adjustments for one
// scan batch, grouped by owning shard.
type LedgerBatch struct {
	token       string
	opts        BatchOptions
	records     map[string][]domain.TransactionLogRecord
	adjustments map[string][]domain.BalanceAdjustment
}

// NewLedgerBatch returns a batch whose balance writes carry token. Reusing
// the token on replay makes the adjustments no-ops.
func NewLedgerBatch(token string, opts BatchOptions) *LedgerBatch {
	return &LedgerBatch{
		token:       token,
		opts:        opts.withDefaults(),
		records:     make(map[string][]domain.TransactionLogRecord),
		adjustments: make(map[string][]domain.BalanceAdjustment),
	}
}

func (b *LedgerBatch) AddRecord(shard string, record domain.TransactionLogRecord) {
	b.records[shard] = append(b.records[shard], record)
}

func (b *LedgerBatch) AddAdjustments(shard string, adjustments ...domain.BalanceAdjustment) {
	b.adjustments[shard] = append(b.adjustments[shard], adjustments...)
}

func (b *LedgerBatch) Len() int {
	n := 0
	for _, records := range b.records {
		n += len(records)
	}
	for _, adjustments := range b.adjustments {
		n += len(adjustments)
	}
	return n
}

// Flush writes every shard independently. Within a shard, records the
// backend reports as unprocessed are retried with exponential backoff;
// a shard that still has leftovers fails the flush.
func (b *LedgerBatch) Flush(ctx context.Context, shards ShardResolver) error {
	if b.Len() == 0 {
		return nil
	}
	start := time.Now()

	names := make(map[string]struct{})
	for name := range b.records {
		names[name] = struct{}{}
	}
	for name := range b.adjustments {
		names[name] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range ordered {
		store, ok := shards.Shard(name)
		if !ok {
			return fmt.Errorf("unknown shard %q", name)
		}
		records := b.records[name]
		adjustments := b.adjustments[name]
		g.Go(func() error {
			if err := b.putRecords(gctx, name, store, records); err != nil {
				return err
			}
			return b.applyAdjustments(gctx, name, store, adjustments)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Debug("flushed ledger batch",
		"token", b.token,
		"shards", len(ordered),
		"writes", b.Len(),
		"duration", time.Since(start),
	)
	b.Reset()
	return nil
}

func (b *LedgerBatch) putRecords(ctx context.Context, shard string, store ShardStore, records []domain.TransactionLogRecord) error {
	pending := records
	delay := b.opts.Backoff
	for attempt := 1; len(pending) > 0; attempt++ {
		unprocessed, err := store.BatchPutLogs(ctx, pending)
		if err != nil {
			return fmt.Errorf("shard %s: put records: %w", shard, err)
		}
		if len(unprocessed) == 0 {
			return nil
		}
		if attempt >= b.opts.MaxAttempts {
			return fmt.Errorf("shard %s: %d records: %w", shard, len(unprocessed), ErrUnprocessed)
		}
		slog.Warn("retrying unprocessed ledger records", "shard", shard, "count", len(unprocessed), "attempt", attempt)
		pending = unprocessed
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
	return nil
}

func (b *LedgerBatch) applyAdjustments(ctx context.Context, shard string, store ShardStore, adjustments []domain.BalanceAdjustment) error {
	// One write per address per token; the token guards the whole net delta.
	for _, adj := range mergeAdjustments(adjustments) {
		applied, err := store.ApplyBalance(ctx, adj, b.token)
		if err != nil {
			return fmt.Errorf("shard %s: apply balance %s/%s: %w", shard, adj.Contract, adj.Address, err)
		}
		if !applied {
			slog.Debug("balance adjustment already applied", "shard", shard, "token", b.token, "address", adj.Address)
		}
	}
	return nil
}

func mergeAdjustments(adjustments []domain.BalanceAdjustment) []domain.BalanceAdjustment {
	if len(adjustments) < 2 {
		return adjustments
	}
	sets := make(map[uint64]*DeltaSet)
	var chains []uint64
	for _, adj := range adjustments {
		set, ok := sets[adj.ChainID]
		if !ok {
			set = NewDeltaSet(adj.ChainID)
			sets[adj.ChainID] = set
			chains = append(chains, adj.ChainID)
		}
		set.add(deltaKey{contract: strings.ToLower(adj.Contract), address: strings.ToLower(adj.Address)}, adj.Delta)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	merged := make([]domain.BalanceAdjustment, 0, len(adjustments))
	for _, chainID := range chains {
		merged = append(merged, sets[chainID].Adjustments()...)
	}
	return merged
}

func (b *LedgerBatch) Reset() {
	clear(b.records)
	clear(b.adjustments)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
