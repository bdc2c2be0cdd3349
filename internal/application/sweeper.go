package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"txrelay/internal/domain"

	"golang.org/x/sync/errgroup"
)

var ErrReceiptTimeout = errors.New("no receipt after polling")

// LateSettler settles a row whose receipt turned up outside a block scan.
type LateSettler interface {
	SettleLate(ctx context.Context, req domain.TransactionRequest, receipt domain.Receipt) error
}

type SweeperConfig struct {
	ChainID             uint64
	Interval            time.Duration
	BatchLimit          int
	Concurrency         int
	ReceiptPollAttempts int
	ReceiptPollInterval time.Duration
	RecheckDelay        time.Duration
	// LateSettleBlocks is how far behind the head a receipt must be before
	// the sweeper settles it instead of waiting for the scanner.
	LateSettleBlocks uint64
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.ReceiptPollAttempts <= 0 {
		c.ReceiptPollAttempts = 10
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = 3 * time.Second
	}
	if c.RecheckDelay <= 0 {
		c.RecheckDelay = 30 * time.Second
	}
	return c
}

// Sweeper revisits rows whose next_action_at has passed. Queued and
// processing rows are handed back to executors; submitted rows get a
// bounded receipt poll. A found receipt is left to the scanner until it
// is LateSettleBlocks deep, then settled through the LateSettler.
type Sweeper struct {
	cfg       SweeperConfig
	requests  RequestStore
	publisher Publisher
	nodes     []ChainNode
	late      LateSettler
	observer  Observer
	now       func() time.Time
}

type SweeperDeps struct {
	Requests  RequestStore
	Publisher Publisher
	Nodes     []ChainNode
	Late      LateSettler
	Observer  Observer
}

func NewSweeper(cfg SweeperConfig, deps SweeperDeps) (*Sweeper, error) {
	if deps.Requests == nil || deps.Publisher == nil {
		return nil, errors.New("sweeper dependencies must not be nil")
	}
	if len(deps.Nodes) == 0 {
		return nil, ErrNoNode
	}
	return &Sweeper{
		cfg:       cfg.withDefaults(),
		requests:  deps.Requests,
		publisher: deps.Publisher,
		nodes:     deps.Nodes,
		late:      deps.Late,
		observer:  observerOrNop(deps.Observer),
		now:       time.Now,
	}, nil
}

func (s *Sweeper) Run(ctx context.Context) error {
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweep failed", "err", err)
		}
		if err := sleepContext(ctx, s.cfg.Interval); err != nil {
			return nil
		}
	}
}

// Sweep handles one page of due rows and returns how many it touched.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.requests.ListDue(ctx, s.cfg.ChainID, s.now().UTC(), s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list due: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, req := range due {
		g.Go(func() error {
			var err error
			switch req.Status {
			case domain.StatusQueued, domain.StatusProcessing:
				err = s.publisher.PublishSubmit(gctx, req.ChainID, req.UUID)
			case domain.StatusSubmitted, domain.StatusMined:
				err = s.AwaitReceipt(gctx, req)
			}
			if err != nil {
				slog.Warn("sweep row failed", "uuid", req.UUID, "status", req.Status, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

// AwaitReceipt polls for the receipt of a submitted row. The row fails
// with receipt_timeout only if some poll got a definite not-found answer;
// when no replica answered any poll the row is rechecked later.
func (s *Sweeper) AwaitReceipt(ctx context.Context, req domain.TransactionRequest) error {
	if req.Hash == "" {
		_, err := s.requests.MarkFailed(ctx, req.UUID, domain.FailureUnknown, "submitted without hash")
		return err
	}
	answered := false
	for attempt := 1; attempt <= s.cfg.ReceiptPollAttempts; attempt++ {
		receipt, found, err := s.receipt(ctx, req.Hash)
		if err != nil {
			slog.Debug("receipt poll failed", "uuid", req.UUID, "attempt", attempt, "err", err)
		} else {
			answered = true
		}
		if found {
			return s.handOff(ctx, req, receipt)
		}
		if attempt < s.cfg.ReceiptPollAttempts {
			if err := sleepContext(ctx, s.cfg.ReceiptPollInterval); err != nil {
				return err
			}
		}
	}
	if !answered || req.Status == domain.StatusMined {
		slog.Warn("receipt lookup inconclusive, rechecking later", "uuid", req.UUID, "hash", req.Hash, "status", req.Status)
		return s.recheck(ctx, req)
	}
	ok, err := s.requests.MarkFailed(ctx, req.UUID, domain.FailureReceiptTimeout, ErrReceiptTimeout.Error())
	if err != nil {
		return err
	}
	if ok {
		s.observer.TransactionFailed(domain.FailureReceiptTimeout)
		slog.Warn("transaction failed: receipt timeout", "uuid", req.UUID, "hash", req.Hash)
	}
	return nil
}

// receipt asks each replica in turn. The error is nil as soon as one
// replica answers, found or not.
func (s *Sweeper) receipt(ctx context.Context, hash string) (domain.Receipt, bool, error) {
	var errs []error
	answered := false
	for _, node := range s.nodes {
		receipt, found, err := node.TransactionReceipt(ctx, hash)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.URL(), err))
			continue
		}
		if found {
			return receipt, true, nil
		}
		answered = true
	}
	if answered {
		return domain.Receipt{}, false, nil
	}
	return domain.Receipt{}, false, errors.Join(errs...)
}

// handOff never settles a receipt the scanner may still reach: only once
// the receipt is LateSettleBlocks deep does the row go to the LateSettler,
// whose claim excludes a concurrent scan of the same block.
func (s *Sweeper) handOff(ctx context.Context, req domain.TransactionRequest, receipt domain.Receipt) error {
	if s.late == nil {
		return s.recheck(ctx, req)
	}
	head, err := s.head(ctx)
	if err != nil || head < receipt.BlockNumber+s.cfg.LateSettleBlocks {
		return s.recheck(ctx, req)
	}
	// Push the row out first so an interrupted settlement comes back.
	if err := s.recheck(ctx, req); err != nil {
		return err
	}
	return s.late.SettleLate(ctx, req, receipt)
}

func (s *Sweeper) recheck(ctx context.Context, req domain.TransactionRequest) error {
	_, err := s.requests.Defer(ctx, req.UUID, s.now().UTC().Add(s.cfg.RecheckDelay))
	return err
}

func (s *Sweeper) head(ctx context.Context) (uint64, error) {
	var errs []error
	for _, node := range s.nodes {
		head, err := node.LatestBlockNumber(ctx)
		if err == nil {
			return head, nil
		}
		errs = append(errs, err)
	}
	return 0, errors.Join(errs...)
}
