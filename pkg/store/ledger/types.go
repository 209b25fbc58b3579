package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotFound is returned when a claim record is not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed is returned by Reserve when the key already has a live
	// or non-retryable record. Callers must not disburse.
	ErrAlreadyClaimed = errors.New("already claimed")

	// ErrNotPending is returned when a transition targets a record that has
	// already left the PENDING state.
	ErrNotPending = errors.New("record is not pending")
)

// State represents the lifecycle of a claim record.
type State string

const (
	StatePending   State = "PENDING"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
)

// Key is the idempotency key of a claim: one reward per address per window.
type Key struct {
	Address  common.Address
	WindowID string
}

func (k Key) String() string {
	return k.Address.Hex() + "/" + k.WindowID
}

// Record is the durable trace of one claim attempt.
type Record struct {
	ID       string         `json:"id"`
	Address  common.Address `json:"address"`
	WindowID string         `json:"window_id"`
	Attempt  int            `json:"attempt"`
	State    State          `json:"state"`
	Amount   *big.Int       `json:"amount"`

	// Set before broadcast so reconciliation can find the transaction.
	TxHash  string  `json:"tx_hash,omitempty"`
	TxNonce *uint64 `json:"tx_nonce,omitempty"`

	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

type recordJSON Record

// MarshalJSON writes Amount as a decimal string so 18-decimal token amounts
// survive JavaScript clients.
func (r Record) MarshalJSON() ([]byte, error) {
	var amount *string
	if r.Amount != nil {
		s := r.Amount.String()
		amount = &s
	}
	return json.Marshal(struct {
		recordJSON
		Amount *string `json:"amount"`
	}{recordJSON(r), amount})
}

// UnmarshalJSON accepts Amount as a decimal string or a bare number.
func (r *Record) UnmarshalJSON(data []byte) error {
	var aux struct {
		*recordJSON
		Amount json.RawMessage `json:"amount"`
	}
	aux.recordJSON = (*recordJSON)(r)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Amount = nil
	raw := string(aux.Amount)
	if raw == "" || raw == "null" {
		return nil
	}
	if len(raw) >= 2 && raw[0] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", raw)
	}
	r.Amount = amount
	return nil
}

// Key returns the record's idempotency key.
func (r Record) Key() Key {
	return Key{Address: r.Address, WindowID: r.WindowID}
}

// AlreadyClaimedError carries the record that blocked a reservation.
type AlreadyClaimedError struct {
	Existing Record
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("%s: %s is %s (attempt %d)", ErrAlreadyClaimed, e.Existing.Key(), e.Existing.State, e.Existing.Attempt)
}

func (e *AlreadyClaimedError) Unwrap() error {
	return ErrAlreadyClaimed
}

// RetryPolicy decides whether a FAILED attempt may be followed by a fresh one.
type RetryPolicy struct {
	AllowAfterFailure bool
	Cooldown          time.Duration
}

// permits reports whether a new attempt may follow latest at now.
func (p RetryPolicy) permits(latest Record, now time.Time) bool {
	if latest.State != StateFailed || !p.AllowAfterFailure {
		return false
	}
	return !now.Before(latest.UpdatedAt.Add(p.Cooldown))
}
