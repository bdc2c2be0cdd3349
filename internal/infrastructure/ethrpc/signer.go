package ethrpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"txrelay/internal/domain"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnknownWorker = errors.New("no signing key for worker")

// Node is what the signer needs from a replica.
type Node interface {
	FeeCaps(ctx context.Context) (tip, feeCap *big.Int, err error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Signer builds, signs and broadcasts EIP-1559 transfers with local
// worker keys. A request with a contract address becomes an ERC-20
// transfer call; otherwise it moves the native coin.
type Signer struct {
	node     Node
	chainID  *big.Int
	keys     map[string]*ecdsa.PrivateKey
	gasLimit uint64
	erc20    *ERC20
}

// NewSigner parses hex private keys indexed by worker id.
func NewSigner(node Node, chainID uint64, keys map[string]string, gasLimit uint64) (*Signer, error) {
	erc20, err := NewERC20()
	if err != nil {
		return nil, err
	}
	parsed := make(map[string]*ecdsa.PrivateKey, len(keys))
	for id, hexKey := range keys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", id, err)
		}
		parsed[id] = key
	}
	return &Signer{
		node:     node,
		chainID:  new(big.Int).SetUint64(chainID),
		keys:     parsed,
		gasLimit: gasLimit,
		erc20:    erc20,
	}, nil
}

// Workers describes every configured key. Ids in disabled stay listed but
// cannot submit.
func (s *Signer) Workers(chainKind string, chainID uint64, disabled map[string]bool) []domain.Worker {
	workers := make([]domain.Worker, 0, len(s.keys))
	for id, key := range s.keys {
		workers = append(workers, domain.Worker{
			ID:        id,
			Address:   strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
			ChainKind: chainKind,
			ChainID:   chainID,
			Enabled:   !disabled[id],
			CanSubmit: true,
		})
	}
	return workers
}

func (s *Signer) Broadcast(ctx context.Context, worker domain.Worker, nonce uint64, req domain.TransactionRequest) (domain.Submission, error) {
	key, ok := s.keys[worker.ID]
	if !ok {
		return domain.Submission{}, domain.NewFailure(domain.FailureNoWorker, fmt.Errorf("%w: %s", ErrUnknownWorker, worker.ID))
	}
	to, value, data, err := s.payload(req)
	if err != nil {
		return domain.Submission{}, domain.NewFailure(domain.FailureUnknown, err)
	}
	tip, feeCap, err := s.node.FeeCaps(ctx)
	if err != nil {
		return domain.Submission{}, AsFailure(err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	gas := s.gasLimit
	if gas == 0 {
		gas, err = s.node.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			return domain.Submission{}, AsFailure(err)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), key)
	if err != nil {
		return domain.Submission{}, domain.NewFailure(domain.FailureUnknown, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return domain.Submission{}, domain.NewFailure(domain.FailureUnknown, err)
	}
	if err := s.node.SendTransaction(ctx, signed); err != nil {
		return domain.Submission{}, AsFailure(err)
	}
	return domain.Submission{
		Hash:  strings.ToLower(signed.Hash().Hex()),
		Nonce: nonce,
		Raw:   hexutil.Encode(raw),
		From:  strings.ToLower(from.Hex()),
	}, nil
}

func (s *Signer) payload(req domain.TransactionRequest) (common.Address, *big.Int, []byte, error) {
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return common.Address{}, nil, nil, fmt.Errorf("invalid amount %q", req.Amount)
	}
	if req.ContractAddress == "" {
		return common.HexToAddress(req.ToAddress), amount, nil, nil
	}
	data, err := s.erc20.TransferCalldata(req.ToAddress, amount)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return common.HexToAddress(req.ContractAddress), new(big.Int), data, nil
}
