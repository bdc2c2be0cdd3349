package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"txrelay/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoNode          = errors.New("no chain node configured")
	ErrReceiptMissing  = errors.New("receipt missing for claimed transaction")
	syntheticNamespace = uuid.MustParse("6f1c2a3e-9d4b-4c5e-8f7a-0b1c2d3e4f50")
)

type ReconcilerConfig struct {
	InstanceID       string
	ChainID          uint64
	StartBlock       uint64
	Confirmations    uint64
	ReceiptBatchSize int
	ReceiptWorkers   int
	PollInterval     time.Duration
	RetryDelay       time.Duration
	Batch            BatchOptions
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.InstanceID == "" {
		c.InstanceID = "scanner"
	}
	if c.ReceiptBatchSize <= 0 {
		c.ReceiptBatchSize = 50
	}
	if c.ReceiptWorkers <= 0 {
		c.ReceiptWorkers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	return c
}

// LockID is the claim token the reconciler writes on rows it moves to
// mined. Replaying the same block from the same instance reuses it.
func LockID(instanceID string, block uint64) string {
	return fmt.Sprintf("%s:%d", instanceID, block)
}

// Reconciler replays blocks: it claims known rows, fetches receipts,
// settles the ledger and balances, finalizes rows and only then moves its
// cursor.
type Reconciler struct {
	cfg        ReconcilerConfig
	requests   RequestStore
	nodes      []ChainNode
	decoder    EventDecoder
	settlement Settlement
	shards     ShardResolver
	cursor     CursorStore
	tracked    map[string]domain.TrackedContract
	observer   Observer

	next   uint64
	loaded bool
}

type ReconcilerDeps struct {
	Requests   RequestStore
	Nodes      []ChainNode
	Decoder    EventDecoder
	Settlement Settlement
	Shards     ShardResolver
	Cursor     CursorStore
	Tracked    []domain.TrackedContract
	Observer   Observer
}

func NewReconciler(cfg ReconcilerConfig, deps ReconcilerDeps) (*Reconciler, error) {
	if len(deps.Nodes) == 0 {
		return nil, ErrNoNode
	}
	if deps.Requests == nil || deps.Decoder == nil || deps.Shards == nil {
		return nil, errors.New("reconciler dependencies must not be nil")
	}
	if deps.Settlement == nil {
		deps.Settlement = TransferSettlement{}
	}
	tracked := make(map[string]domain.TrackedContract, len(deps.Tracked))
	for _, contract := range deps.Tracked {
		contract.Address = strings.ToLower(contract.Address)
		tracked[contract.Address] = contract
	}
	return &Reconciler{
		cfg:        cfg.withDefaults(),
		requests:   deps.Requests,
		nodes:      deps.Nodes,
		decoder:    deps.Decoder,
		settlement: deps.Settlement,
		shards:     deps.Shards,
		cursor:     deps.Cursor,
		tracked:    tracked,
		observer:   observerOrNop(deps.Observer),
	}, nil
}

// Run reconciles blocks until ctx ends. A failed block is retried after
// RetryDelay with no limit; the cursor never skips it.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		advanced, err := r.Tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if advanced {
			continue
		}
		wait := r.cfg.PollInterval
		if err != nil {
			slog.Error("reconcile failed, retrying", "instance", r.cfg.InstanceID, "block", r.next, "err", err)
			wait = r.cfg.RetryDelay
		}
		if err := sleepContext(ctx, wait); err != nil {
			return nil
		}
	}
}

// Tick processes the next confirmed block, if any.
func (r *Reconciler) Tick(ctx context.Context) (bool, error) {
	if r.cursor == nil {
		return false, errors.New("reconciler has no cursor store")
	}
	next, err := r.nextBlock(ctx)
	if err != nil {
		return false, err
	}
	head, err := r.head(ctx)
	if err != nil {
		return false, err
	}
	r.observer.ChainHead(head)
	if head < r.cfg.Confirmations || next > head-r.cfg.Confirmations {
		return false, nil
	}

	start := time.Now()
	txs, err := r.ProcessBlock(ctx, next)
	if err != nil {
		r.observer.BlockFailed(next)
		return false, fmt.Errorf("block %d: %w", next, err)
	}
	if err := r.cursor.SetLastProcessedBlock(ctx, r.cfg.InstanceID, next); err != nil {
		r.observer.BlockFailed(next)
		return false, fmt.Errorf("advance cursor to %d: %w", next, err)
	}
	r.next = next + 1
	r.observer.BlockReconciled(next, txs, time.Since(start))
	slog.Info("block reconciled", "instance", r.cfg.InstanceID, "block", next, "txs", txs, "duration", time.Since(start))
	return true, nil
}

func (r *Reconciler) nextBlock(ctx context.Context) (uint64, error) {
	if r.loaded {
		return r.next, nil
	}
	last, ok, err := r.cursor.LastProcessedBlock(ctx, r.cfg.InstanceID)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	r.next = r.cfg.StartBlock
	if ok && last+1 > r.next {
		r.next = last + 1
	}
	r.loaded = true
	return r.next, nil
}

func (r *Reconciler) head(ctx context.Context) (uint64, error) {
	var errs []error
	for _, node := range r.nodes {
		head, err := node.LatestBlockNumber(ctx)
		if err == nil {
			return head, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", node.URL(), err))
	}
	return 0, errors.Join(errs...)
}

// ProcessBlock reconciles every transaction of one block as a single
// partition. It does not touch the cursor.
func (r *Reconciler) ProcessBlock(ctx context.Context, number uint64) (int, error) {
	block, err := FetchBlock(ctx, r.nodes, number)
	if err != nil {
		return 0, err
	}
	task := ScanTask{
		ChainID:     r.cfg.ChainID,
		BlockNumber: number,
		BlockTime:   block.Timestamp,
		LockID:      LockID(r.cfg.InstanceID, number),
		Partition:   0,
		Partitions:  1,
		Hashes:      block.TxHashes,
	}
	return len(block.TxHashes), r.ProcessPartition(ctx, task)
}

// ProcessPartition runs claim, receipt fetch, decode, ledger write and
// finalization for the hashes of one task. Any error leaves the task safe
// to run again.
func (r *Reconciler) ProcessPartition(ctx context.Context, task ScanTask) (err error) {
	ctx, span := otel.Tracer("txrelay/reconciler").Start(ctx, "reconciler.process_partition",
		trace.WithAttributes(
			attribute.Int64("block.number", int64(task.BlockNumber)),
			attribute.Int("partition", task.Partition),
			attribute.Int("tx.count", len(task.Hashes)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if len(task.Hashes) == 0 {
		return nil
	}

	hashes := make([]string, len(task.Hashes))
	for i, hash := range task.Hashes {
		hashes[i] = strings.ToLower(hash)
	}

	known, err := r.requests.FindByHashes(ctx, task.ChainID, hashes)
	if err != nil {
		return fmt.Errorf("find requests: %w", err)
	}
	knownByHash := make(map[string]domain.TransactionRequest, len(known))
	var claimable []string
	for _, req := range known {
		knownByHash[req.Hash] = req
		if req.Status == domain.StatusSubmitted || req.Status == domain.StatusMined {
			claimable = append(claimable, req.Hash)
		}
	}
	claimedByHash := make(map[string]domain.TransactionRequest)
	if len(claimable) > 0 {
		claimed, err := r.requests.ClaimMined(ctx, task.ChainID, claimable, task.LockID, task.BlockNumber)
		if err != nil {
			return fmt.Errorf("claim mined: %w", err)
		}
		for _, req := range claimed {
			claimedByHash[req.Hash] = req
		}
	}

	receipts, err := FetchReceipts(ctx, r.nodes, hashes, r.cfg.ReceiptBatchSize, r.cfg.ReceiptWorkers)
	if err != nil {
		return fmt.Errorf("fetch receipts: %w", err)
	}

	batch := NewLedgerBatch(fmt.Sprintf("%s:%d", task.LockID, task.Partition), r.cfg.Batch)
	outcomes := make(map[string]domain.Outcome, len(claimedByHash))
	synthesized := 0
	for _, receipt := range receipts {
		if req, ok := claimedByHash[receipt.TxHash]; ok {
			events, err := decodeLogs(r.decoder, receipt.Logs, nil)
			if err != nil {
				slog.Warn("decode failed for recognized transaction", "hash", receipt.TxHash, "uuid", req.UUID, "err", err)
			}
			adjustments, err := r.settlement.Settle(ctx, req, receipt, events)
			if err != nil {
				return fmt.Errorf("settle %s: %w", req.UUID, err)
			}
			shard, _ := r.shards.ShardFor(req.ClientID)
			batch.AddRecord(shard, RecordForRequest(req, receipt, task.BlockTime, events))
			batch.AddAdjustments(shard, adjustments...)
			outcomes[req.UUID] = OutcomeFor(receipt)
			continue
		}
		if _, ok := knownByHash[receipt.TxHash]; ok {
			// Finalized earlier or claimed under another lock.
			continue
		}
		if !r.touchesTracked(receipt) {
			continue
		}
		events, err := decodeLogs(r.decoder, receipt.Logs, r.tracked)
		if err != nil {
			slog.Warn("skipping undecodable transaction", "hash", receipt.TxHash, "block", task.BlockNumber, "err", err)
			continue
		}
		if len(events) == 0 {
			continue
		}
		if err := r.addSynthesized(batch, task, receipt, events); err != nil {
			slog.Warn("skipping transaction with malformed transfer", "hash", receipt.TxHash, "err", err)
			continue
		}
		synthesized++
	}
	for hash, req := range claimedByHash {
		if _, ok := outcomes[req.UUID]; !ok {
			return fmt.Errorf("%s: %w", hash, ErrReceiptMissing)
		}
	}

	if err := batch.Flush(ctx, r.shards); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}

	for id, outcome := range outcomes {
		ok, err := r.requests.Finalize(ctx, id, outcome)
		if err != nil {
			return fmt.Errorf("finalize %s: %w", id, err)
		}
		if !ok {
			slog.Warn("finalize skipped, row not mined", "uuid", id)
		}
	}
	r.observer.RecordsSynthesized(synthesized)
	return nil
}

// SettleLate settles one submitted row whose receipt was found outside a
// block scan. The row is claimed under its own late lock, so this call and
// a scan of the same block settle it at most once between them. Balances a
// scan already applied through a synthesized record are not applied again.
func (r *Reconciler) SettleLate(ctx context.Context, req domain.TransactionRequest, receipt domain.Receipt) error {
	lockID := domain.LateLockID(req.UUID)
	claimed, err := r.requests.ClaimMined(ctx, req.ChainID, []string{req.Hash}, lockID, receipt.BlockNumber)
	if err != nil {
		return fmt.Errorf("claim mined: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	req = claimed[0]

	block, err := FetchBlock(ctx, r.nodes, receipt.BlockNumber)
	if err != nil {
		return err
	}
	events, err := decodeLogs(r.decoder, receipt.Logs, nil)
	if err != nil {
		slog.Warn("decode failed for recognized transaction", "hash", receipt.TxHash, "uuid", req.UUID, "err", err)
	}
	adjustments, err := r.settlement.Settle(ctx, req, receipt, events)
	if err != nil {
		return fmt.Errorf("settle %s: %w", req.UUID, err)
	}
	synthesized, err := r.synthesizedBefore(ctx, req.ChainID, receipt)
	if err != nil {
		return err
	}
	if synthesized {
		adjustments = nil
	}

	batch := NewLedgerBatch(lockID, r.cfg.Batch)
	shard, _ := r.shards.ShardFor(req.ClientID)
	batch.AddRecord(shard, RecordForRequest(req, receipt, block.Timestamp, events))
	batch.AddAdjustments(shard, adjustments...)
	if err := batch.Flush(ctx, r.shards); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	ok, err := r.requests.Finalize(ctx, req.UUID, OutcomeFor(receipt))
	if err != nil {
		return fmt.Errorf("finalize %s: %w", req.UUID, err)
	}
	if ok {
		slog.Info("late receipt settled", "uuid", req.UUID, "hash", req.Hash, "block", receipt.BlockNumber, "synthesized", synthesized)
	}
	return nil
}

// synthesizedBefore reports whether a scan recorded receipt as an
// unrecognized tracked transfer, which happens when the block was scanned
// before the row carried its hash.
func (r *Reconciler) synthesizedBefore(ctx context.Context, chainID uint64, receipt domain.Receipt) (bool, error) {
	seen := make(map[string]bool)
	for _, log := range receipt.Logs {
		contract, ok := r.tracked[strings.ToLower(log.Address)]
		if !ok {
			continue
		}
		name, store := r.shards.ShardFor(contract.ClientID)
		if seen[name] {
			continue
		}
		seen[name] = true
		records, err := store.BatchGetLogs(ctx, chainID, []string{receipt.TxHash})
		if err != nil {
			return false, fmt.Errorf("shard %s: %w", name, err)
		}
		for _, record := range records {
			if record.Synthesized {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Reconciler) touchesTracked(receipt domain.Receipt) bool {
	for _, log := range receipt.Logs {
		if _, ok := r.tracked[strings.ToLower(log.Address)]; ok {
			return true
		}
	}
	return false
}

func (r *Reconciler) addSynthesized(batch *LedgerBatch, task ScanTask, receipt domain.Receipt, events []domain.TransferEvent) error {
	byShard := make(map[string][]domain.TransferEvent)
	var (
		recordShard  string
		recordClient string
	)
	for _, event := range events {
		contract := r.tracked[event.Contract]
		shard, _ := r.shards.ShardFor(contract.ClientID)
		if recordShard == "" {
			recordShard = shard
			recordClient = contract.ClientID
		}
		byShard[shard] = append(byShard[shard], event)
	}
	for shard, shardEvents := range byShard {
		adjustments, err := ComputeDeltas(task.ChainID, shardEvents)
		if err != nil {
			return err
		}
		batch.AddAdjustments(shard, adjustments...)
	}

	first := events[0]
	batch.AddRecord(recordShard, domain.TransactionLogRecord{
		ChainID:     task.ChainID,
		Hash:        receipt.TxHash,
		UUID:        SyntheticUUID(task.ChainID, receipt.TxHash),
		ClientID:    recordClient,
		BlockNumber: receipt.BlockNumber,
		BlockTime:   task.BlockTime,
		GasUsed:     receipt.GasUsed,
		Status:      OutcomeFor(receipt).Status,
		From:        first.From,
		To:          first.To,
		Contract:    first.Contract,
		Amount:      first.Amount,
		Synthesized: true,
		Events:      events,
	})
	return nil
}

// SyntheticUUID is stable per (chain, hash) so replays rewrite the same
// ledger row.
func SyntheticUUID(chainID uint64, hash string) string {
	return uuid.NewSHA1(syntheticNamespace, []byte(fmt.Sprintf("%d:%s", chainID, strings.ToLower(hash)))).String()
}

func OutcomeFor(receipt domain.Receipt) domain.Outcome {
	outcome := domain.Outcome{
		Status:      domain.StatusComplete,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}
	if !receipt.Succeeded() {
		outcome.Status = domain.StatusFailed
		outcome.FailureKind = domain.FailureReverted
	}
	return outcome
}

func RecordForRequest(req domain.TransactionRequest, receipt domain.Receipt, blockTime uint64, events []domain.TransferEvent) domain.TransactionLogRecord {
	return domain.TransactionLogRecord{
		ChainID:     req.ChainID,
		Hash:        receipt.TxHash,
		UUID:        req.UUID,
		ClientID:    req.ClientID,
		BlockNumber: receipt.BlockNumber,
		BlockTime:   blockTime,
		GasUsed:     receipt.GasUsed,
		Status:      OutcomeFor(receipt).Status,
		From:        req.FromAddress,
		To:          req.ToAddress,
		Contract:    req.ContractAddress,
		Amount:      req.Amount,
		Events:      events,
	}
}

// decodeLogs decodes transfers in log order. With a non-nil filter only
// logs emitted by those contracts are considered.
func decodeLogs(decoder EventDecoder, logs []domain.Log, filter map[string]domain.TrackedContract) ([]domain.TransferEvent, error) {
	var events []domain.TransferEvent
	for _, log := range logs {
		if filter != nil {
			if _, ok := filter[strings.ToLower(log.Address)]; !ok {
				continue
			}
		}
		event, ok, err := decoder.DecodeTransfer(log)
		if err != nil {
			return events, fmt.Errorf("log %d: %w", log.Index, err)
		}
		if ok {
			event.Contract = strings.ToLower(event.Contract)
			events = append(events, event)
		}
	}
	return events, nil
}

// FetchBlock asks each node in turn for block number.
func FetchBlock(ctx context.Context, nodes []ChainNode, number uint64) (domain.Block, error) {
	var errs []error
	for _, node := range nodes {
		block, err := node.BlockByNumber(ctx, number)
		if err == nil {
			return block, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", node.URL(), err))
	}
	if len(errs) == 0 {
		return domain.Block{}, ErrNoNode
	}
	return domain.Block{}, errors.Join(errs...)
}

// FetchReceipts splits hashes into batches of batchSize, spreads them
// round-robin over nodes and runs at most workers batches at once. Any
// failed batch fails the whole call. Receipts come back in hash order.
func FetchReceipts(ctx context.Context, nodes []ChainNode, hashes []string, batchSize, workers int) ([]domain.Receipt, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNode
	}
	if batchSize <= 0 {
		batchSize = len(hashes)
	}
	var chunks [][]string
	for start := 0; start < len(hashes); start += batchSize {
		end := min(start+batchSize, len(hashes))
		chunks = append(chunks, hashes[start:end])
	}
	results := make([][]domain.Receipt, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, chunk := range chunks {
		node := nodes[i%len(nodes)]
		g.Go(func() error {
			receipts, err := node.TransactionReceipts(gctx, chunk)
			if err != nil {
				return fmt.Errorf("%s batch %d: %w", node.URL(), i, err)
			}
			if len(receipts) != len(chunk) {
				return fmt.Errorf("%s batch %d: got %d receipts for %d hashes", node.URL(), i, len(receipts), len(chunk))
			}
			for j := range receipts {
				receipts[j].TxHash = strings.ToLower(receipts[j].TxHash)
			}
			results[i] = receipts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]domain.Receipt, 0, len(hashes))
	for _, receipts := range results {
		out = append(out, receipts...)
	}
	return out, nil
}
