package domain

import "math/big"

// BalanceAdjustment is a signed delta for one (contract, address) pair.
type BalanceAdjustment struct {
	ChainID  uint64
	Contract string
	Address  string
	Delta    *big.Int
}

// Balance is the running settled balance of an address for a contract.
type Balance struct {
	ChainID  uint64
	Contract string
	Address  string
	Amount   string
}
