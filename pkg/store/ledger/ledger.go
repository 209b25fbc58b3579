// Package ledger records reward claims and is the only guard against paying
// the same (address, window) twice.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the durable interface for claim reservation and outcome tracking.
type Ledger interface {
	// Reserve atomically creates a PENDING record for key unless one is live.
	// On conflict it returns an *AlreadyClaimedError wrapping ErrAlreadyClaimed.
	Reserve(ctx context.Context, key Key, amount *big.Int) (*Record, error)

	// RecordSubmission attaches the signed transaction to a PENDING record.
	RecordSubmission(ctx context.Context, id string, txHash common.Hash, nonce uint64) error

	// MarkConfirmed transitions PENDING -> CONFIRMED.
	MarkConfirmed(ctx context.Context, id string, txHash common.Hash) error

	// MarkFailed transitions PENDING -> FAILED.
	MarkFailed(ctx context.Context, id string, reason string) error

	// Get retrieves a record by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// Latest retrieves the newest attempt for key.
	Latest(ctx context.Context, key Key) (*Record, error)

	// ListByAddress retrieves every attempt for an address (for audit).
	ListByAddress(ctx context.Context, address common.Address) ([]Record, error)

	// ListPending retrieves records awaiting an outcome.
	ListPending(ctx context.Context) ([]Record, error)
}
