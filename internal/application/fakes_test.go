package application

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"txrelay/internal/domain"
)

type memRequests struct {
	mu   sync.Mutex
	rows map[string]domain.TransactionRequest
}

func newMemRequests() *memRequests {
	return &memRequests{rows: make(map[string]domain.TransactionRequest)}
}

func (m *memRequests) put(req domain.TransactionRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[req.UUID] = req
}

func (m *memRequests) row(id string) domain.TransactionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memRequests) Insert(ctx context.Context, req domain.TransactionRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[req.UUID]; ok {
		return false, nil
	}
	m.rows[req.UUID] = req
	return true, nil
}

func (m *memRequests) Get(ctx context.Context, id string) (domain.TransactionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.rows[id]
	if !ok {
		return domain.TransactionRequest{}, domain.ErrNotFound
	}
	return req, nil
}

func (m *memRequests) FindByHashes(ctx context.Context, chainID uint64, hashes []string) ([]domain.TransactionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		want[hash] = true
	}
	var out []domain.TransactionRequest
	for _, req := range m.rows {
		if req.ChainID == chainID && req.Hash != "" && want[req.Hash] {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *memRequests) ListByLockID(ctx context.Context, lockID string) ([]domain.TransactionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TransactionRequest
	for _, req := range m.rows {
		if req.LockID == lockID {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *memRequests) ListDue(ctx context.Context, chainID uint64, now time.Time, limit int) ([]domain.TransactionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TransactionRequest
	for _, req := range m.rows {
		if req.Status.Terminal() || req.NextActionAt == nil {
			continue
		}
		if req.Status == domain.StatusMined && !req.LateClaimed() {
			continue
		}
		if !req.NextActionAt.After(now) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRequests) update(id string, allowed func(domain.TransactionRequest) bool, apply func(*domain.TransactionRequest)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.rows[id]
	if !ok || !allowed(req) {
		return false
	}
	apply(&req)
	m.rows[id] = req
	return true
}

func (m *memRequests) Claim(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	return m.update(id, func(r domain.TransactionRequest) bool {
		return r.Status == domain.StatusQueued ||
			(r.Status == domain.StatusProcessing && r.NextActionAt != nil && !r.NextActionAt.After(now))
	}, func(r *domain.TransactionRequest) {
		r.Status = domain.StatusProcessing
		r.NextActionAt = &leaseUntil
	}), nil
}

func (m *memRequests) MarkSubmitted(ctx context.Context, id string, sub domain.Submission) (bool, error) {
	return m.update(id, func(r domain.TransactionRequest) bool {
		return r.Status == domain.StatusProcessing
	}, func(r *domain.TransactionRequest) {
		nonce := sub.Nonce
		r.Status = domain.StatusSubmitted
		r.Hash = strings.ToLower(sub.Hash)
		r.Nonce = &nonce
		r.RawTransaction = sub.Raw
		r.FromAddress = sub.From
		next := sub.NextActionAt
		r.NextActionAt = &next
	}), nil
}

func (m *memRequests) Reschedule(ctx context.Context, id string, kind domain.FailureKind, reason string, next time.Time) (bool, error) {
	return m.update(id, func(r domain.TransactionRequest) bool {
		return r.Status == domain.StatusProcessing || r.Status == domain.StatusSubmitted
	}, func(r *domain.TransactionRequest) {
		r.Status = domain.StatusProcessing
		r.RetryCount++
		r.FailureKind = kind
		r.FailureReason = reason
		r.NextActionAt = &next
	}), nil
}

func (m *memRequests) Defer(ctx context.Context, id string, next time.Time) (bool, error) {
	return m.update(id, func(r domain.TransactionRequest) bool {
		return r.Status == domain.StatusSubmitted || r.Status == domain.StatusMined
	}, func(r *domain.TransactionRequest) {
		r.NextActionAt = &next
	}), nil
}

func (m *memRequests) MarkFailed(ctx context.Context, id string, kind domain.FailureKind, reason string) (bool, error) {
	return m.update(id, func(r domain.TransactionRequest) bool {
		return r.Status == domain.StatusProcessing || r.Status == domain.StatusSubmitted
	}, func(r *domain.TransactionRequest) {
		r.Status = domain.StatusFailed
		r.FailureKind = kind
		r.FailureReason = reason
		r.NextActionAt = nil
	}), nil
}

func (m *memRequests) ClaimMined(ctx context.Context, chainID uint64, hashes []string, lockID string, blockNumber uint64) ([]domain.TransactionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		want[hash] = true
	}
	var out []domain.TransactionRequest
	for id, req := range m.rows {
		if req.ChainID != chainID || !want[req.Hash] {
			continue
		}
		if req.Status == domain.StatusSubmitted || (req.Status == domain.StatusMined && req.LockID == lockID) {
			req.Status = domain.StatusMined
			req.LockID = lockID
			req.BlockNumber = blockNumber
			m.rows[id] = req
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *memRequests) Finalize(ctx context.Context, id string, outcome domain.Outcome) (bool, error) {
	return m.update(id, func(r domain.TransactionRequest) bool {
		return r.Status == domain.StatusMined
	}, func(r *domain.TransactionRequest) {
		r.Status = outcome.Status
		r.BlockNumber = outcome.BlockNumber
		r.GasUsed = outcome.GasUsed
		r.FailureKind = outcome.FailureKind
		r.NextActionAt = nil
	}), nil
}

type memShard struct {
	mu       sync.Mutex
	records  map[string]domain.TransactionLogRecord
	balances map[string]*big.Int
	applied  map[string]bool
	// dropNext leaves that many records unprocessed on the next put.
	dropNext int
	putCalls int
	failPut  error
}

func newMemShard() *memShard {
	return &memShard{
		records:  make(map[string]domain.TransactionLogRecord),
		balances: make(map[string]*big.Int),
		applied:  make(map[string]bool),
	}
}

func (s *memShard) BatchPutLogs(ctx context.Context, records []domain.TransactionLogRecord) ([]domain.TransactionLogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if s.failPut != nil {
		return nil, s.failPut
	}
	drop := min(s.dropNext, len(records))
	s.dropNext = 0
	for _, record := range records[drop:] {
		s.records[fmt.Sprintf("%d:%s", record.ChainID, record.Hash)] = record
	}
	return records[:drop], nil
}

func (s *memShard) BatchGetLogs(ctx context.Context, chainID uint64, hashes []string) ([]domain.TransactionLogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TransactionLogRecord
	for _, hash := range hashes {
		if record, ok := s.records[fmt.Sprintf("%d:%s", chainID, hash)]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *memShard) ApplyBalance(ctx context.Context, adj domain.BalanceAdjustment, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d:%s:%s", adj.ChainID, adj.Contract, adj.Address)
	if s.applied[key+"|"+token] {
		return false, nil
	}
	s.applied[key+"|"+token] = true
	balance, ok := s.balances[key]
	if !ok {
		balance = new(big.Int)
		s.balances[key] = balance
	}
	balance.Add(balance, adj.Delta)
	return true, nil
}

func (s *memShard) GetBalance(ctx context.Context, chainID uint64, contract, address string) (domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amount := "0"
	if balance, ok := s.balances[fmt.Sprintf("%d:%s:%s", chainID, contract, address)]; ok {
		amount = balance.String()
	}
	return domain.Balance{ChainID: chainID, Contract: contract, Address: address, Amount: amount}, nil
}

func (s *memShard) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func singleShard(store ShardStore) ShardResolver {
	router, err := NewShardRouter(map[string]ShardStore{"main": store}, nil)
	if err != nil {
		panic(err)
	}
	return router
}

type fakeChain struct {
	mu          sync.Mutex
	url         string
	head        uint64
	blocks      map[uint64]domain.Block
	receipts    map[string]domain.Receipt
	receiptErr  error
	lookupErr   error
	receiptCall int
	mined       uint64
	pending     []uint64
}

func newFakeChain(url string) *fakeChain {
	return &fakeChain{url: url, blocks: make(map[uint64]domain.Block), receipts: make(map[string]domain.Receipt)}
}

func (c *fakeChain) addBlock(number uint64, receipts ...domain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block := domain.Block{Number: number, Hash: fmt.Sprintf("0xblock%d", number), Timestamp: 1_700_000_000 + number}
	for _, receipt := range receipts {
		receipt.BlockNumber = number
		block.TxHashes = append(block.TxHashes, receipt.TxHash)
		c.receipts[receipt.TxHash] = receipt
	}
	c.blocks[number] = block
	if number > c.head {
		c.head = number
	}
}

func (c *fakeChain) URL() string { return c.url }

func (c *fakeChain) LatestBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) BlockByNumber(ctx context.Context, number uint64) (domain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, ok := c.blocks[number]
	if !ok {
		return domain.Block{}, errors.New("block not found")
	}
	return block, nil
}

func (c *fakeChain) TransactionReceipts(ctx context.Context, hashes []string) ([]domain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptCall++
	if c.receiptErr != nil {
		return nil, c.receiptErr
	}
	out := make([]domain.Receipt, 0, len(hashes))
	for _, hash := range hashes {
		receipt, ok := c.receipts[hash]
		if !ok {
			return nil, fmt.Errorf("receipt %s not found", hash)
		}
		out = append(out, receipt)
	}
	return out, nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return domain.Receipt{}, false, c.lookupErr
	}
	receipt, ok := c.receipts[hash]
	return receipt, ok, nil
}

func (c *fakeChain) NonceAt(ctx context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mined, nil
}

func (c *fakeChain) PendingNonces(ctx context.Context, address string) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.pending...), nil
}

// transferLog encodes a transfer the way fakeDecoder expects.
func transferLog(contract, from, to string, amount int64, index uint64) domain.Log {
	return domain.Log{
		Address: contract,
		Topics:  []string{"transfer", from, to},
		Data:    []byte(fmt.Sprint(amount)),
		Index:   index,
	}
}

type fakeDecoder struct{}

func (fakeDecoder) DecodeTransfer(log domain.Log) (domain.TransferEvent, bool, error) {
	if len(log.Topics) == 0 || log.Topics[0] != "transfer" {
		return domain.TransferEvent{}, false, nil
	}
	if len(log.Topics) != 3 {
		return domain.TransferEvent{}, false, errors.New("malformed transfer")
	}
	return domain.TransferEvent{
		Contract: log.Address,
		From:     log.Topics[1],
		To:       log.Topics[2],
		Amount:   string(log.Data),
		LogIndex: log.Index,
	}, true, nil
}

type memCursor struct {
	mu     sync.Mutex
	blocks map[string]uint64
	err    error
}

func newMemCursor() *memCursor {
	return &memCursor{blocks: make(map[string]uint64)}
}

func (c *memCursor) LastProcessedBlock(ctx context.Context, instanceID string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, ok := c.blocks[instanceID]
	return block, ok, nil
}

func (c *memCursor) SetLastProcessedBlock(ctx context.Context, instanceID string, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.blocks[instanceID] = block
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	submits []string
	scans   []ScanTask
	err     error
}

func (p *fakePublisher) PublishSubmit(ctx context.Context, chainID uint64, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.submits = append(p.submits, id)
	return nil
}

func (p *fakePublisher) PublishScan(ctx context.Context, tasks []ScanTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.scans = append(p.scans, tasks...)
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	err    error
	before func()
	nonces []uint64
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, worker domain.Worker, nonce uint64, req domain.TransactionRequest) (domain.Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.before != nil {
		b.before()
	}
	if b.err != nil {
		return domain.Submission{}, b.err
	}
	b.nonces = append(b.nonces, nonce)
	return domain.Submission{
		Hash: fmt.Sprintf("0xHASH%d", nonce),
		Raw:  "0x02f8",
		From: worker.Address,
	}, nil
}

type countingObserver struct {
	nopObserver
	mu           sync.Mutex
	unclassified int
	failed       map[domain.FailureKind]int
	synthesized  int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{failed: make(map[domain.FailureKind]int)}
}

func (o *countingObserver) UnclassifiedFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unclassified++
}

func (o *countingObserver) TransactionFailed(kind domain.FailureKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[kind]++
}

func (o *countingObserver) RecordsSynthesized(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.synthesized += n
}
