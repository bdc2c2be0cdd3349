package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"txrelay/internal/domain"
	"txrelay/internal/nonce"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrInvalidRequest = errors.New("invalid transaction request")

type SubmitterConfig struct {
	ChainID           uint64
	ChainKind         string
	ProcessingLease   time.Duration
	RecoverableDelay  time.Duration
	ConfirmationDelay time.Duration
}

func (c SubmitterConfig) withDefaults() SubmitterConfig {
	if c.ChainKind == "" {
		c.ChainKind = "evm"
	}
	if c.ProcessingLease <= 0 {
		c.ProcessingLease = 2 * time.Minute
	}
	if c.RecoverableDelay <= 0 {
		c.RecoverableDelay = 15 * time.Second
	}
	if c.ConfirmationDelay <= 0 {
		c.ConfirmationDelay = time.Minute
	}
	return c
}

// Submitter owns the queued to submitted half of the request lifecycle.
type Submitter struct {
	cfg         SubmitterConfig
	requests    RequestStore
	nonces      NonceProvider
	broadcaster Broadcaster
	publisher   Publisher
	workers     []domain.Worker
	observer    Observer
	now         func() time.Time
}

func NewSubmitter(cfg SubmitterConfig, requests RequestStore, nonces NonceProvider, broadcaster Broadcaster, publisher Publisher, workers []domain.Worker, observer Observer) (*Submitter, error) {
	if requests == nil || nonces == nil || broadcaster == nil {
		return nil, errors.New("submitter dependencies must not be nil")
	}
	return &Submitter{
		cfg:         cfg.withDefaults(),
		requests:    requests,
		nonces:      nonces,
		broadcaster: broadcaster,
		publisher:   publisher,
		workers:     workers,
		observer:    observerOrNop(observer),
		now:         time.Now,
	}, nil
}

// Submit validates spec and records it as queued. Execution happens
// asynchronously; the returned uuid is the handle for GetStatus. A spec
// carrying a uuid that already exists returns that uuid unchanged.
func (s *Submitter) Submit(ctx context.Context, spec domain.RequestSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}
	id := strings.TrimSpace(spec.UUID)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: uuid: %v", ErrInvalidRequest, err)
	}
	now := s.now().UTC()
	req := domain.TransactionRequest{
		UUID:            id,
		ChainID:         s.cfg.ChainID,
		ClientID:        spec.ClientID,
		Kind:            spec.Kind,
		Status:          domain.StatusQueued,
		ToAddress:       strings.ToLower(spec.ToAddress),
		ContractAddress: strings.ToLower(spec.ContractAddress),
		Amount:          spec.Amount,
		EntityKey:       spec.EntityKey,
		NextActionAt:    &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := s.requests.Insert(ctx, req)
	if err != nil {
		return "", fmt.Errorf("insert request: %w", err)
	}
	if !created {
		slog.Info("duplicate submit", "uuid", id)
		return id, nil
	}
	s.observer.SubmitAccepted()
	if s.publisher != nil {
		// A lost publish is recovered by the sweeper once next_action_at passes.
		if err := s.publisher.PublishSubmit(ctx, s.cfg.ChainID, id); err != nil {
			slog.Warn("publish submit task failed", "uuid", id, "err", err)
		}
	}
	return id, nil
}

func (s *Submitter) GetStatus(ctx context.Context, id string) (domain.StatusView, error) {
	req, err := s.requests.Get(ctx, id)
	if err != nil {
		return domain.StatusView{}, err
	}
	return req.View(), nil
}

// Execute claims a queued request and drives it to submitted, rescheduled
// or failed. A request another executor owns is skipped without error.
func (s *Submitter) Execute(ctx context.Context, id string) error {
	now := s.now().UTC()
	claimed, err := s.requests.Claim(ctx, id, now, now.Add(s.cfg.ProcessingLease))
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}
	if !claimed {
		slog.Debug("request not claimable, skipping", "uuid", id)
		return nil
	}
	req, err := s.requests.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}

	worker, err := PickWorker(stableKey(req), s.workers)
	if err != nil {
		return s.reschedule(ctx, req, domain.NewFailure(domain.FailureNoWorker, err))
	}
	lease, err := s.nonces.Acquire(ctx, nonce.Key{Address: worker.Address, ChainKind: worker.ChainKind, ChainID: worker.ChainID})
	if err != nil {
		return s.fail(ctx, req, err)
	}

	sub, err := s.broadcaster.Broadcast(ctx, worker, lease.Nonce(), req)
	if err != nil {
		s.releaseAfterBroadcastError(ctx, lease, err)
		return s.fail(ctx, req, err)
	}
	if err := lease.CompleteWithSuccess(ctx); err != nil {
		slog.Warn("nonce counter update failed", "uuid", id, "address", worker.Address, "err", err)
	}

	sub.Nonce = lease.Nonce()
	if sub.From == "" {
		sub.From = worker.Address
	}
	sub.NextActionAt = s.now().UTC().Add(s.cfg.ConfirmationDelay)
	ok, err := s.requests.MarkSubmitted(ctx, id, sub)
	if err != nil {
		return fmt.Errorf("mark submitted %s: %w", id, err)
	}
	if !ok {
		slog.Warn("request left processing before submit was recorded", "uuid", id, "hash", sub.Hash)
		return nil
	}
	s.observer.TransactionSubmitted()
	slog.Info("transaction submitted", "uuid", id, "hash", sub.Hash, "nonce", sub.Nonce, "from", sub.From)
	return nil
}

// releaseAfterBroadcastError finishes the lease according to what the
// failure says about the nonce.
func (s *Submitter) releaseAfterBroadcastError(ctx context.Context, lease *nonce.Lease, cause error) {
	var err error
	switch domain.KindOf(cause) {
	case domain.FailureNodeUnreachable:
		err = lease.Abort(ctx)
	case domain.FailureInsufficientFunds, domain.FailureInsufficientGas:
		err = lease.CompleteWithFailure(ctx, false)
	default:
		err = lease.CompleteWithFailure(ctx, true)
	}
	if err != nil {
		slog.Warn("nonce lease release failed", "nonce", lease.Nonce(), "err", err)
	}
}

func (s *Submitter) fail(ctx context.Context, req domain.TransactionRequest, cause error) error {
	kind := domain.KindOf(cause)
	if kind == domain.FailureUnknown && (errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)) {
		// The processing lease lapses and the sweeper hands the row out again.
		return cause
	}
	if kind.Recoverable() {
		return s.reschedule(ctx, req, cause)
	}
	if kind == domain.FailureUnknown {
		s.observer.UnclassifiedFailure()
		slog.Error("unclassified submission failure", "uuid", req.UUID, "err", cause)
	}
	ok, err := s.requests.MarkFailed(ctx, req.UUID, kind, truncateReason(cause))
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", req.UUID, err)
	}
	if ok {
		s.observer.TransactionFailed(kind)
		slog.Warn("transaction failed", "uuid", req.UUID, "kind", kind, "err", cause)
	}
	return nil
}

func (s *Submitter) reschedule(ctx context.Context, req domain.TransactionRequest, cause error) error {
	kind := domain.KindOf(cause)
	next := s.now().UTC().Add(s.cfg.RecoverableDelay)
	ok, err := s.requests.Reschedule(ctx, req.UUID, kind, truncateReason(cause), next)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", req.UUID, err)
	}
	if ok {
		s.observer.TransactionRescheduled(kind)
		slog.Info("transaction rescheduled", "uuid", req.UUID, "kind", kind, "retry", req.RetryCount+1, "next", next, "err", cause)
	}
	return nil
}

func stableKey(req domain.TransactionRequest) string {
	if req.EntityKey != "" {
		return req.ClientID + ":" + req.EntityKey
	}
	return req.UUID
}

func validateSpec(spec domain.RequestSpec) error {
	if strings.TrimSpace(spec.ClientID) == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if !isHexAddress(spec.ToAddress) {
		return fmt.Errorf("%w: invalid to address", ErrInvalidRequest)
	}
	if spec.ContractAddress != "" && !isHexAddress(spec.ContractAddress) {
		return fmt.Errorf("%w: invalid contract address", ErrInvalidRequest)
	}
	amount, ok := new(big.Int).SetString(spec.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("%w: invalid amount", ErrInvalidRequest)
	}
	return nil
}

// isHexAddress accepts only 0x-prefixed addresses; the stored form is
// compared against logs as lowercase hex.
func isHexAddress(address string) bool {
	return strings.HasPrefix(address, "0x") && common.IsHexAddress(address)
}

func truncateReason(err error) string {
	if err == nil {
		return ""
	}
	reason := err.Error()
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return reason
}
