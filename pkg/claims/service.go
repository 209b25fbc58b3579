// Package claims verifies reward claims and drives them to an on-chain outcome.
//
// A claim moves through Received, Verifying, Reserving, Disbursing and
// Confirming. Nothing is disbursed without a PENDING ledger reservation, and
// the ledger only records CONFIRMED or FAILED once the chain outcome is known.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/challenge"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/crypto"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/disburse"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/observability"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/store/ledger"
)

// Status is the claim status reported to the caller.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Request is an inbound claim.
type Request struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

// Result is the outcome of a claim.
type Result struct {
	Status Status `json:"status"`
	TxHash string `json:"txHash,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Disburser submits and tracks reward transfers.
type Disburser interface {
	Transfer(ctx context.Context, req disburse.TransferRequest) (*disburse.Tx, error)
	AwaitConfirmation(ctx context.Context, tx *disburse.Tx, timeout time.Duration) (disburse.Outcome, error)
}

// Config holds the claim settings.
type Config struct {
	Amount         *big.Int
	ConfirmTimeout time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	Verifier   crypto.Verifier
	Challenges *challenge.Issuer
	Ledger     ledger.Ledger
	Disburser  Disburser
	Windows    WindowPolicy
	Telemetry  *observability.Provider
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Service processes claims. It is safe for concurrent use.
type Service struct {
	cfg        Config
	verifier   crypto.Verifier
	challenges *challenge.Issuer
	ledger     ledger.Ledger
	disburser  Disburser
	windows    WindowPolicy
	telemetry  *observability.Provider
	logger     *slog.Logger
	clock      func() time.Time

	inflight sync.WaitGroup
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	if cfg.Amount == nil || cfg.Amount.Sign() <= 0 {
		return nil, errors.New("claims: reward amount must be positive")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if deps.Verifier == nil || deps.Challenges == nil || deps.Ledger == nil || deps.Disburser == nil || deps.Windows == nil {
		return nil, errors.New("claims: missing dependency")
	}
	if deps.Telemetry == nil {
		deps.Telemetry, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{
		cfg:        cfg,
		verifier:   deps.Verifier,
		challenges: deps.Challenges,
		ledger:     deps.Ledger,
		disburser:  deps.Disburser,
		windows:    deps.Windows,
		telemetry:  deps.Telemetry,
		logger:     deps.Logger.With("component", "claims"),
		clock:      deps.Clock,
	}, nil
}

// CurrentWindow returns the window claims are accepted for right now.
func (s *Service) CurrentWindow() string {
	return s.windows.Current(s.clock())
}

// IssueChallenge hands out a fresh challenge for address in the current window.
func (s *Service) IssueChallenge(ctx context.Context, address string) (challenge.Challenge, error) {
	addr, err := crypto.ParseAddress(address)
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	c, err := s.challenges.Issue(ctx, addr, s.CurrentWindow())
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return c, nil
}

// History returns every claim attempt recorded for address.
func (s *Service) History(ctx context.Context, address string) ([]ledger.Record, error) {
	addr, err := crypto.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	records, err := s.ledger.ListByAddress(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return records, nil
}

// Claim verifies req and, if it is a first valid claim for its window,
// disburses the reward. A non-nil error always comes with a rejected Result
// whose Reason names the error class.
//
// Once a reservation is made the disbursement continues even if ctx is
// cancelled, and Claim reports pending; Wait drains those on shutdown.
func (s *Service) Claim(ctx context.Context, req Request) (Result, error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "claims.claim")
	res, err := s.claim(ctx, req)
	if err != nil {
		res = Result{Status: StatusRejected, TxHash: res.TxHash, Reason: Reason(err)}
	}
	s.telemetry.RecordClaimOutcome(ctx, string(res.Status), res.Reason)
	finish(err)
	return res, err
}

func (s *Service) claim(ctx context.Context, req Request) (Result, error) {
	// Received
	addr, err := crypto.ParseAddress(req.Address)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return Result{}, fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	log := s.logger.With("address", addr.Hex())
	sig, err := crypto.DecodeSignature(req.Signature)
	if err != nil {
		log.WarnContext(ctx, "malformed signature", "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// Verifying
	if !s.verifier.Verify(addr, req.Message, sig) {
		log.WarnContext(ctx, "signature does not match claimed address")
		return Result{}, ErrInvalidSignature
	}
	presented, err := challenge.Parse(req.Message)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}
	if presented.Address != addr {
		return Result{}, fmt.Errorf("%w: challenge issued to %s", ErrInvalidChallenge, presented.Address.Hex())
	}
	window := s.CurrentWindow()
	if presented.WindowID != window {
		return Result{}, fmt.Errorf("%w: window %q is not open", ErrInvalidChallenge, presented.WindowID)
	}
	key := ledger.Key{Address: addr, WindowID: window}
	log = log.With("window", window)

	if res, done, err := s.existing(ctx, key); done {
		return res, err
	}
	if err := s.challenges.Consume(ctx, presented); err != nil {
		if !errors.Is(err, challenge.ErrInvalidChallenge) {
			return Result{}, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
		}
		// A concurrent identical request may have consumed the nonce and won.
		if res, done, rerr := s.existing(ctx, key); done {
			return res, rerr
		}
		log.InfoContext(ctx, "challenge rejected", "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}

	// Reserving
	rec, err := s.ledger.Reserve(ctx, key, s.cfg.Amount)
	if err != nil {
		var ac *ledger.AlreadyClaimedError
		if errors.As(err, &ac) {
			return fromExisting(ac.Existing)
		}
		return Result{}, fmt.Errorf("%w: reserve: %v", ErrDependencyUnavailable, err)
	}
	log = log.With("claim_id", rec.ID, "attempt", rec.Attempt)
	log.InfoContext(ctx, "claim reserved", "amount", rec.Amount.String())

	// Disbursing and Confirming run detached from the caller.
	done := make(chan disbursement, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		done <- s.disburse(context.WithoutCancel(ctx), rec, log)
	}()

	select {
	case d := <-done:
		return d.result()
	case <-ctx.Done():
		log.InfoContext(ctx, "caller went away, disbursement continues", "error", ctx.Err())
		return Result{Status: StatusPending}, nil
	}
}

// existing reports a settled answer when the ledger already holds a
// CONFIRMED or PENDING record for key.
func (s *Service) existing(ctx context.Context, key ledger.Key) (Result, bool, error) {
	latest, err := s.ledger.Latest(ctx, key)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Result{}, false, nil
		}
		return Result{}, true, fmt.Errorf("%w: ledger lookup: %v", ErrDependencyUnavailable, err)
	}
	if latest.State == ledger.StateFailed {
		return Result{}, false, nil
	}
	res, err := fromExisting(*latest)
	return res, true, err
}

func fromExisting(rec ledger.Record) (Result, error) {
	switch rec.State {
	case ledger.StateConfirmed:
		return Result{Status: StatusDuplicate, TxHash: rec.TxHash}, nil
	case ledger.StatePending:
		return Result{TxHash: rec.TxHash}, fmt.Errorf("%w: attempt %d in flight", ErrAlreadyClaimed, rec.Attempt)
	default:
		return Result{}, fmt.Errorf("%w: attempt %d failed (%s), retry not yet allowed", ErrAlreadyClaimed, rec.Attempt, rec.Reason)
	}
}

type disbursement struct {
	txHash string
	err    error
}

func (d disbursement) result() (Result, error) {
	switch {
	case d.err == nil:
		return Result{Status: StatusConfirmed, TxHash: d.txHash}, nil
	case errors.Is(d.err, ErrUnresolved):
		return Result{Status: StatusPending, TxHash: d.txHash}, nil
	default:
		return Result{TxHash: d.txHash}, d.err
	}
}

func (s *Service) disburse(ctx context.Context, rec *ledger.Record, log *slog.Logger) disbursement {
	ctx, finish := s.telemetry.TrackOperation(ctx, "claims.disburse",
		attribute.String("claim.window", rec.WindowID))
	d := s.runDisbursement(ctx, rec, log)
	if errors.Is(d.err, ErrUnresolved) {
		finish(nil)
	} else {
		finish(d.err)
	}
	return d
}

func (s *Service) runDisbursement(ctx context.Context, rec *ledger.Record, log *slog.Logger) disbursement {
	tx, err := s.disburser.Transfer(ctx, disburse.TransferRequest{
		To:     rec.Address,
		Amount: rec.Amount,
		OnSigned: func(ctx context.Context, hash common.Hash, nonce uint64) error {
			return s.ledger.RecordSubmission(ctx, rec.ID, hash, nonce)
		},
	})
	if err != nil {
		if errors.Is(err, disburse.ErrSubmissionUnknown) {
			log.WarnContext(ctx, "submission outcome unknown, left for reconciliation",
				"tx_hash", tx.Hash.Hex(), "error", err)
			return disbursement{txHash: tx.Hash.Hex(), err: fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)}
		}
		s.markFailed(ctx, rec, err.Error(), log)
		if errors.Is(err, disburse.ErrReverted) || errors.Is(err, disburse.ErrRejected) {
			log.ErrorContext(ctx, "disbursement failed", "error", err)
			return disbursement{err: fmt.Errorf("%w: %v", ErrDisbursementFailed, err)}
		}
		log.ErrorContext(ctx, "disbursement could not be submitted", "error", err)
		return disbursement{err: fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)}
	}

	hash := tx.Hash.Hex()
	log = log.With("tx_hash", hash, "nonce", tx.Nonce)
	log.InfoContext(ctx, "disbursement submitted")

	outcome, err := s.disburser.AwaitConfirmation(ctx, tx, s.cfg.ConfirmTimeout)
	if err != nil {
		log.WarnContext(ctx, "confirmation wait aborted", "error", err)
		return disbursement{txHash: hash, err: ErrUnresolved}
	}

	switch outcome {
	case disburse.OutcomeConfirmed:
		if err := s.ledger.MarkConfirmed(ctx, rec.ID, tx.Hash); err != nil && !errors.Is(err, ledger.ErrNotPending) {
			// The chain is authoritative; reconciliation will catch the ledger up.
			log.ErrorContext(ctx, "failed to record confirmation", "error", err)
		}
		log.InfoContext(ctx, "claim confirmed")
		return disbursement{txHash: hash}
	case disburse.OutcomeReverted:
		s.markFailed(ctx, rec, "transfer reverted", log)
		log.ErrorContext(ctx, "disbursement reverted")
		return disbursement{txHash: hash, err: fmt.Errorf("%w: transfer reverted", ErrDisbursementFailed)}
	default:
		log.InfoContext(ctx, "confirmation timed out, claim left pending", "timeout", s.cfg.ConfirmTimeout)
		return disbursement{txHash: hash, err: ErrUnresolved}
	}
}

func (s *Service) markFailed(ctx context.Context, rec *ledger.Record, reason string, log *slog.Logger) {
	if err := s.ledger.MarkFailed(ctx, rec.ID, reason); err != nil && !errors.Is(err, ledger.ErrNotPending) {
		log.ErrorContext(ctx, "failed to record failure", "error", err)
	}
}

// Wait blocks until every detached disbursement has finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
