package domain

// Receipt is the subset of a chain receipt the reconciler consumes.
type Receipt struct {
	TxHash      string
	Status      uint64
	GasUsed     uint64
	BlockNumber uint64
	Logs        []Log
}

// Succeeded reports whether the receipt status is success (1).
func (r Receipt) Succeeded() bool {
	return r.Status == 1
}

// Log is an event log emitted during a transaction.
type Log struct {
	Address string
	Topics  []string
	Data    []byte
	Index   uint64
}
