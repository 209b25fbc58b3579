package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MemoryLedger implements Ledger in process memory. It is used by tests and
// by single-node deployments that accept losing history on restart.
type MemoryLedger struct {
	mu     sync.Mutex
	byID   map[string]*Record
	byKey  map[Key][]*Record
	policy RetryPolicy
	clock  func() time.Time
}

func NewMemoryLedger(policy RetryPolicy) *MemoryLedger {
	return NewMemoryLedgerWithClock(policy, time.Now)
}

func NewMemoryLedgerWithClock(policy RetryPolicy, clock func() time.Time) *MemoryLedger {
	return &MemoryLedger{
		byID:   make(map[string]*Record),
		byKey:  make(map[Key][]*Record),
		policy: policy,
		clock:  clock,
	}
}

func (l *MemoryLedger) Reserve(ctx context.Context, key Key, amount *big.Int) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	attempt := 1
	if attempts := l.byKey[key]; len(attempts) > 0 {
		latest := attempts[len(attempts)-1]
		if !l.policy.permits(*latest, now) {
			return nil, &AlreadyClaimedError{Existing: clone(latest)}
		}
		attempt = latest.Attempt + 1
	}

	rec := &Record{
		ID:        uuid.NewString(),
		Address:   key.Address,
		WindowID:  key.WindowID,
		Attempt:   attempt,
		State:     StatePending,
		Amount:    new(big.Int).Set(amount),
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.byID[rec.ID] = rec
	l.byKey[key] = append(l.byKey[key], rec)

	out := clone(rec)
	return &out, nil
}

func (l *MemoryLedger) RecordSubmission(ctx context.Context, id string, txHash common.Hash, nonce uint64) error {
	return l.transition(id, func(rec *Record, now time.Time) {
		rec.TxHash = txHash.Hex()
		rec.TxNonce = &nonce
	})
}

func (l *MemoryLedger) MarkConfirmed(ctx context.Context, id string, txHash common.Hash) error {
	return l.transition(id, func(rec *Record, now time.Time) {
		rec.State = StateConfirmed
		rec.TxHash = txHash.Hex()
		rec.ConfirmedAt = &now
	})
}

func (l *MemoryLedger) MarkFailed(ctx context.Context, id string, reason string) error {
	return l.transition(id, func(rec *Record, now time.Time) {
		rec.State = StateFailed
		rec.Reason = reason
	})
}

// transition applies fn to a PENDING record under the lock.
func (l *MemoryLedger) transition(id string, fn func(rec *Record, now time.Time)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StatePending {
		return ErrNotPending
	}
	now := l.clock().UTC()
	fn(rec, now)
	rec.UpdatedAt = now
	return nil
}

func (l *MemoryLedger) Get(ctx context.Context, id string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(rec)
	return &out, nil
}

func (l *MemoryLedger) Latest(ctx context.Context, key Key) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempts := l.byKey[key]
	if len(attempts) == 0 {
		return nil, ErrNotFound
	}
	out := clone(attempts[len(attempts)-1])
	return &out, nil
}

func (l *MemoryLedger) ListByAddress(ctx context.Context, address common.Address) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]Record, 0)
	for key, attempts := range l.byKey {
		if key.Address != address {
			continue
		}
		for _, rec := range attempts {
			result = append(result, clone(rec))
		}
	}
	sortRecords(result)
	return result, nil
}

func (l *MemoryLedger) ListPending(ctx context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]Record, 0)
	for _, rec := range l.byID {
		if rec.State == StatePending {
			result = append(result, clone(rec))
		}
	}
	sortRecords(result)
	return result, nil
}

func clone(rec *Record) Record {
	out := *rec
	if rec.Amount != nil {
		out.Amount = new(big.Int).Set(rec.Amount)
	}
	if rec.TxNonce != nil {
		n := *rec.TxNonce
		out.TxNonce = &n
	}
	if rec.ConfirmedAt != nil {
		t := *rec.ConfirmedAt
		out.ConfirmedAt = &t
	}
	return out
}

// sortRecords orders records the way the SQL backend does.
func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		if records[i].WindowID != records[j].WindowID {
			return records[i].WindowID < records[j].WindowID
		}
		return records[i].Attempt < records[j].Attempt
	})
}
