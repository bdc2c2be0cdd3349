package domain

// Block holds the transaction hashes and timestamp of a block.
type Block struct {
	Number    uint64
	Hash      string
	Timestamp uint64
	TxHashes  []string
}
