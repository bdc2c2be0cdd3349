package application

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"txrelay/internal/domain"
)

type deltaKey struct {
	contract string
	address  string
}

// DeltaSet accumulates signed per-(contract, address) deltas for a batch.
type DeltaSet struct {
	chainID uint64
	deltas  map[deltaKey]*big.Int
}

func NewDeltaSet(chainID uint64) *DeltaSet {
	return &DeltaSet{chainID: chainID, deltas: make(map[deltaKey]*big.Int)}
}

// AddTransfer debits the sender and credits the recipient. Mints and burns
// (zero address on one side) only touch the other side.
func (s *DeltaSet) AddTransfer(event domain.TransferEvent) error {
	amount, ok := new(big.Int).SetString(event.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid transfer amount %q", event.Amount)
	}
	if amount.Sign() == 0 {
		return nil
	}
	contract := strings.ToLower(event.Contract)
	if from := strings.ToLower(event.From); !isZeroAddress(from) {
		s.add(deltaKey{contract: contract, address: from}, new(big.Int).Neg(amount))
	}
	if to := strings.ToLower(event.To); !isZeroAddress(to) {
		s.add(deltaKey{contract: contract, address: to}, amount)
	}
	return nil
}

func (s *DeltaSet) add(key deltaKey, delta *big.Int) {
	current, ok := s.deltas[key]
	if !ok {
		current = new(big.Int)
		s.deltas[key] = current
	}
	current.Add(current, delta)
}

// Adjustments returns the non-zero deltas in a stable order.
func (s *DeltaSet) Adjustments() []domain.BalanceAdjustment {
	out := make([]domain.BalanceAdjustment, 0, len(s.deltas))
	for key, delta := range s.deltas {
		if delta.Sign() == 0 {
			continue
		}
		out = append(out, domain.BalanceAdjustment{
			ChainID:  s.chainID,
			Contract: key.contract,
			Address:  key.address,
			Delta:    new(big.Int).Set(delta),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contract != out[j].Contract {
			return out[i].Contract < out[j].Contract
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// ComputeDeltas nets a list of transfers into balance adjustments.
func ComputeDeltas(chainID uint64, events []domain.TransferEvent) ([]domain.BalanceAdjustment, error) {
	set := NewDeltaSet(chainID)
	for _, event := range events {
		if err := set.AddTransfer(event); err != nil {
			return nil, err
		}
	}
	return set.Adjustments(), nil
}

// TransferSettlement settles a recognized transaction from its own
// transfer events. Reverted transactions settle nothing.
type TransferSettlement struct{}

func (TransferSettlement) Settle(_ context.Context, req domain.TransactionRequest, receipt domain.Receipt, events []domain.TransferEvent) ([]domain.BalanceAdjustment, error) {
	if !receipt.Succeeded() {
		return nil, nil
	}
	return ComputeDeltas(req.ChainID, events)
}

func isZeroAddress(address string) bool {
	trimmed := strings.TrimLeft(strings.TrimPrefix(address, "0x"), "0")
	return trimmed == ""
}
