package domain

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSubmitted  Status = "submitted"
	StatusMined      Status = "mined"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// LateLockPrefix marks the lock a row is claimed under when its receipt is
// settled outside a block scan.
const LateLockPrefix = "late:"

// LateLockID is the lock a late settlement of the row uuid claims.
func LateLockID(uuid string) string {
	return LateLockPrefix + uuid
}

// LateClaimed reports whether the row sits in mined under a late
// settlement lock.
func (r TransactionRequest) LateClaimed() bool {
	return r.Status == StatusMined && strings.HasPrefix(r.LockID, LateLockPrefix)
}

var (
	ErrNotFound   = errors.New("transaction request not found")
	ErrNotClaimed = errors.New("transaction request not claimed")
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// TransactionRequest is the durable transaction_meta row.
type TransactionRequest struct {
	UUID            string
	Hash            string
	ChainID         uint64
	ClientID        string
	Kind            string
	Status          Status
	Nonce           *uint64
	FromAddress     string
	ToAddress       string
	ContractAddress string
	Amount          string
	EntityKey       string
	RawTransaction  string
	RetryCount      int
	NextActionAt    *time.Time
	LockID          string
	FailureKind     FailureKind
	FailureReason   string
	BlockNumber     uint64
	GasUsed         uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RequestSpec is what a caller hands to Submit.
type RequestSpec struct {
	UUID            string `json:"uuid,omitempty"`
	ClientID        string `json:"client_id"`
	Kind            string `json:"kind"`
	ToAddress       string `json:"to"`
	ContractAddress string `json:"contract,omitempty"`
	Amount          string `json:"amount"`
	EntityKey       string `json:"entity_key,omitempty"`
}

// Submission is persisted on the processing to submitted transition.
type Submission struct {
	Hash         string
	Nonce        uint64
	Raw          string
	From         string
	NextActionAt time.Time
}

// Outcome is persisted when a mined row reaches a terminal state.
type Outcome struct {
	Status      Status
	BlockNumber uint64
	GasUsed     uint64
	FailureKind FailureKind
}

// StatusView is the caller-facing projection of a request.
type StatusView struct {
	UUID          string      `json:"uuid"`
	Status        Status      `json:"status"`
	Hash          string      `json:"hash,omitempty"`
	Nonce         *uint64     `json:"nonce,omitempty"`
	From          string      `json:"from,omitempty"`
	BlockNumber   uint64      `json:"block_number,omitempty"`
	GasUsed       uint64      `json:"gas_used,omitempty"`
	RetryCount    int         `json:"retry_count"`
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (r TransactionRequest) View() StatusView {
	return StatusView{
		UUID:          r.UUID,
		Status:        r.Status,
		Hash:          r.Hash,
		Nonce:         r.Nonce,
		From:          r.FromAddress,
		BlockNumber:   r.BlockNumber,
		GasUsed:       r.GasUsed,
		RetryCount:    r.RetryCount,
		FailureKind:   r.FailureKind,
		FailureReason: r.FailureReason,
		UpdatedAt:     r.UpdatedAt,
	}
}
