package ethrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"txrelay/internal/domain"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var ErrBlockNotFound = errors.New("block not found")

// Client talks to one node replica. Every request waits on the replica's
// rate limiter first.
type Client struct {
	url     string
	rpc     *rpc.Client
	eth     *ethclient.Client
	limiter *rate.Limiter
}

type Config struct {
	URL string
	// RateLimit is requests per second; zero disables throttling.
	RateLimit float64
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	rc, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	return &Client{url: cfg.URL, rpc: rc, eth: ethclient.NewClient(rc), limiter: limiter}, nil
}

func (c *Client) URL() string { return c.url }

func (c *Client) Close() { c.rpc.Close() }

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.eth.BlockNumber(ctx)
}

// NonceAt is the mined transaction count of address at the latest block.
func (c *Client) NonceAt(ctx context.Context, address string) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.eth.NonceAt(ctx, common.HexToAddress(address), nil)
}

type txpoolContent struct {
	Pending map[string]map[string]json.RawMessage `json:"pending"`
	Queued  map[string]map[string]json.RawMessage `json:"queued"`
}

// PendingNonces lists the nonces address has in this replica's pool,
// executable and queued alike. Nodes without the txpool namespace report
// an error.
func (c *Client) PendingNonces(ctx context.Context, address string) ([]uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var content txpoolContent
	if err := c.rpc.CallContext(ctx, &content, "txpool_content"); err != nil {
		return nil, err
	}
	var nonces []uint64
	for _, pool := range []map[string]map[string]json.RawMessage{content.Pending, content.Queued} {
		for sender, txs := range pool {
			if !strings.EqualFold(sender, address) {
				continue
			}
			for key := range txs {
				n, err := strconv.ParseUint(key, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("txpool nonce %q: %w", key, err)
				}
				nonces = append(nonces, n)
			}
		}
	}
	return nonces, nil
}

type rpcBlock struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         common.Hash    `json:"hash"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []common.Hash  `json:"transactions"`
}

func (c *Client) BlockByNumber(ctx context.Context, number uint64) (domain.Block, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Block{}, err
	}
	ctx, span := startRPCSpan(ctx, "eth_getBlockByNumber", attribute.Int64("block.number", int64(number)))
	defer span.End()

	var block *rpcBlock
	if err := c.rpc.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		recordError(span, err)
		return domain.Block{}, err
	}
	if block == nil {
		return domain.Block{}, fmt.Errorf("%w: %d", ErrBlockNotFound, number)
	}
	hashes := make([]string, len(block.Transactions))
	for i, hash := range block.Transactions {
		hashes[i] = strings.ToLower(hash.Hex())
	}
	return domain.Block{
		Number:    number,
		Hash:      strings.ToLower(block.Hash.Hex()),
		Timestamp: uint64(block.Timestamp),
		TxHashes:  hashes,
	}, nil
}

type rpcLog struct {
	Address  common.Address `json:"address"`
	Topics   []common.Hash  `json:"topics"`
	Data     hexutil.Bytes  `json:"data"`
	LogIndex hexutil.Uint64 `json:"logIndex"`
}

type rpcReceipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	Status      hexutil.Uint64 `json:"status"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	Logs        []rpcLog       `json:"logs"`
}

func (r *rpcReceipt) toDomain() domain.Receipt {
	receipt := domain.Receipt{
		TxHash:  strings.ToLower(r.TxHash.Hex()),
		Status:  uint64(r.Status),
		GasUsed: uint64(r.GasUsed),
		Logs:    make([]domain.Log, 0, len(r.Logs)),
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = (*big.Int)(r.BlockNumber).Uint64()
	}
	for _, log := range r.Logs {
		topics := make([]string, len(log.Topics))
		for i, topic := range log.Topics {
			topics[i] = strings.ToLower(topic.Hex())
		}
		receipt.Logs = append(receipt.Logs, domain.Log{
			Address: strings.ToLower(log.Address.Hex()),
			Topics:  topics,
			Data:    log.Data,
			Index:   uint64(log.LogIndex),
		})
	}
	return receipt
}

// TransactionReceipts fetches receipts for hashes in one JSON-RPC batch.
// A missing receipt fails the whole batch.
func (c *Client) TransactionReceipts(ctx context.Context, hashes []string) ([]domain.Receipt, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, span := startRPCSpan(ctx, "eth_getTransactionReceipt.batch", attribute.Int("batch.size", len(hashes)))
	defer span.End()

	results := make([]*rpcReceipt, len(hashes))
	batch := make([]rpc.BatchElem, len(hashes))
	for i, hash := range hashes {
		batch[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []any{common.HexToHash(hash)},
			Result: &results[i],
		}
	}
	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		recordError(span, err)
		return nil, err
	}
	receipts := make([]domain.Receipt, len(hashes))
	for i, elem := range batch {
		if elem.Error != nil {
			recordError(span, elem.Error)
			return nil, fmt.Errorf("receipt %s: %w", hashes[i], elem.Error)
		}
		if results[i] == nil {
			err := fmt.Errorf("receipt %s: %w", hashes[i], ethereum.NotFound)
			recordError(span, err)
			return nil, err
		}
		receipts[i] = results[i].toDomain()
	}
	return receipts, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Receipt{}, false, err
	}
	var receipt *rpcReceipt
	if err := c.rpc.CallContext(ctx, &receipt, "eth_getTransactionReceipt", common.HexToHash(hash)); err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.Receipt{}, false, nil
		}
		return domain.Receipt{}, false, err
	}
	if receipt == nil {
		return domain.Receipt{}, false, nil
	}
	return receipt.toDomain(), true, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, span := startRPCSpan(ctx, "eth_sendRawTransaction", attribute.String("tx.hash", tx.Hash().Hex()))
	defer span.End()
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// FeeCaps returns the priority tip and a fee cap of twice the current
// base fee plus the tip.
func (c *Client) FeeCaps(ctx context.Context) (tip, feeCap *big.Int, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	tip, err = c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	feeCap = new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.eth.EstimateGas(ctx, msg)
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.LatestBlockNumber(ctx)
	return err
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func startRPCSpan(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("rpc.system", "jsonrpc"), attribute.String("rpc.method", method))
	return otel.Tracer("txrelay/ethrpc").Start(ctx, "ethrpc."+method, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
