package domain

// TransferEvent is a decoded token transfer.
type TransferEvent struct {
	Contract string `json:"contract"`
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	LogIndex uint64 `json:"log_index"`
}

// TransactionLogRecord is the sharded ledger row for one transaction.
type TransactionLogRecord struct {
	ChainID     uint64          `json:"chain_id"`
	Hash        string          `json:"hash"`
	UUID        string          `json:"uuid"`
	ClientID    string          `json:"client_id"`
	BlockNumber uint64          `json:"block_number"`
	BlockTime   uint64          `json:"block_time"`
	GasUsed     uint64          `json:"gas_used"`
	Status      Status          `json:"status"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Contract    string          `json:"contract,omitempty"`
	Amount      string          `json:"amount,omitempty"`
	Synthesized bool            `json:"synthesized"`
	Events      []TransferEvent `json:"events"`
}
