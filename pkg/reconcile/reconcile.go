// Package reconcile settles PENDING claim records against the chain.
//
// Records stay PENDING when confirmation timed out, when the process died
// between broadcast and the ledger update, or when a broadcast's fate was
// unknown. The reconciler looks each one up by its recorded transaction.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/disburse"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/store/ledger"
)

// Chain looks up submitted transfers.
type Chain interface {
	Lookup(ctx context.Context, hash common.Hash, nonce uint64) (disburse.Status, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

// Reconciler resolves PENDING records.
type Reconciler struct {
	ledger     ledger.Ledger
	chain      Chain
	staleAfter time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// New creates a reconciler. Records without a transaction hash are failed
// once they are older than staleAfter.
func New(l ledger.Ledger, chain Chain, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ledger:     l,
		chain:      chain,
		staleAfter: staleAfter,
		clock:      time.Now,
		logger:     logger.With("component", "reconcile"),
	}
}

// RunOnce makes a single pass over every PENDING record.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	pending, err := r.ledger.ListPending(ctx)
	if err != nil {
		return report, err
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		log := r.logger.With("claim_id", rec.ID, "address", rec.Address.Hex(), "window", rec.WindowID)

		var transition error
		switch {
		case rec.TxHash == "" || rec.TxNonce == nil:
			if r.clock().Sub(rec.CreatedAt) < r.staleAfter {
				report.Unchanged++
				continue
			}
			log.WarnContext(ctx, "pending record was never submitted")
			transition = r.ledger.MarkFailed(ctx, rec.ID, "never submitted")
			if transition == nil {
				report.Failed++
			}
		default:
			hash := common.HexToHash(rec.TxHash)
			status, err := r.chain.Lookup(ctx, hash, *rec.TxNonce)
			if err != nil {
				log.WarnContext(ctx, "lookup failed", "tx_hash", rec.TxHash, "error", err)
				report.Errors++
				continue
			}
			switch status {
			case disburse.StatusConfirmed:
				transition = r.ledger.MarkConfirmed(ctx, rec.ID, hash)
				if transition == nil {
					log.InfoContext(ctx, "claim confirmed by reconciliation", "tx_hash", rec.TxHash)
					report.Confirmed++
				}
			case disburse.StatusReverted, disburse.StatusDropped:
				transition = r.ledger.MarkFailed(ctx, rec.ID, "transfer "+string(status))
				if transition == nil {
					log.WarnContext(ctx, "claim failed by reconciliation", "tx_hash", rec.TxHash, "status", status)
					report.Failed++
				}
			default:
				report.Unchanged++
				continue
			}
		}

		switch {
		case transition == nil:
		case errors.Is(transition, ledger.ErrNotPending):
			// settled concurrently by the claim path
			report.Unchanged++
		default:
			log.ErrorContext(ctx, "ledger update failed", "error", transition)
			report.Errors++
		}
	}
	return report, nil
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.ErrorContext(ctx, "reconciliation pass failed", "error", err)
				}
				continue
			}
			if report.Checked > 0 {
				r.logger.InfoContext(ctx, "reconciliation pass",
					"checked", report.Checked, "confirmed", report.Confirmed,
					"failed", report.Failed, "errors", report.Errors)
			}
		}
	}
}
