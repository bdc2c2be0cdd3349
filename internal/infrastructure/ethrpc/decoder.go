package ethrpc

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"txrelay/internal/domain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[{"name":"from","type":"address","indexed":true},
	           {"name":"to","type":"address","indexed":true},
	           {"name":"value","type":"uint256","indexed":false}]}
]`

var ErrMalformedTransfer = errors.New("malformed transfer log")

// ERC20 decodes Transfer events and packs transfer calls.
type ERC20 struct {
	abi   abi.ABI
	topic string
}

func NewERC20() (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	return &ERC20{abi: parsed, topic: strings.ToLower(parsed.Events["Transfer"].ID.Hex())}, nil
}

// DecodeTransfer decodes a fungible Transfer log. Logs with another
// topic, or the four-topic NFT variant, are not transfers.
func (e *ERC20) DecodeTransfer(log domain.Log) (domain.TransferEvent, bool, error) {
	if len(log.Topics) == 0 || strings.ToLower(log.Topics[0]) != e.topic {
		return domain.TransferEvent{}, false, nil
	}
	if len(log.Topics) == 4 {
		return domain.TransferEvent{}, false, nil
	}
	if len(log.Topics) != 3 {
		return domain.TransferEvent{}, false, fmt.Errorf("%w: %d topics", ErrMalformedTransfer, len(log.Topics))
	}
	values, err := e.abi.Events["Transfer"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return domain.TransferEvent{}, false, fmt.Errorf("%w: %v", ErrMalformedTransfer, err)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return domain.TransferEvent{}, false, fmt.Errorf("%w: value is %T", ErrMalformedTransfer, values[0])
	}
	return domain.TransferEvent{
		Contract: strings.ToLower(log.Address),
		From:     topicAddress(log.Topics[1]),
		To:       topicAddress(log.Topics[2]),
		Amount:   amount.String(),
		LogIndex: log.Index,
	}, true, nil
}

// TransferCalldata packs transfer(to, amount).
func (e *ERC20) TransferCalldata(to string, amount *big.Int) ([]byte, error) {
	return e.abi.Pack("transfer", common.HexToAddress(to), amount)
}

func topicAddress(topic string) string {
	return strings.ToLower(common.BytesToAddress(common.HexToHash(topic).Bytes()).Hex())
}
