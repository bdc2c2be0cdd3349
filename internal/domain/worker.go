package domain

// Worker is a sender address that the submitter may sign with.
type Worker struct {
	ID        string
	Address   string
	ChainKind string
	ChainID   uint64
	Enabled   bool
	CanSubmit bool
}

// TrackedContract is a token contract whose transfers the reconciler
// settles even when this service did not originate them.
type TrackedContract struct {
	Address  string
	ClientID string
}
